package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zimi/zimi/web"
	"github.com/zimi/zimi/zim"
)

// staticFiles serves the optional vendored asset directory (pdf.js and
// friends). The files are immutable, so each body is read once and kept
// in memory.
type staticFiles struct {
	base  string // empty when no static directory is configured
	cache *gocache.Cache
}

type staticEntry struct {
	body     []byte
	mimeType string
}

func newStaticFiles(base string) *staticFiles {
	return &staticFiles{base: base, cache: gocache.New(gocache.NoExpiration, 0)}
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/static/")
	s.static.serve(w, r, rel)
}

func (sf *staticFiles) serve(w http.ResponseWriter, r *http.Request, rel string) {
	if rel == "" || hasDotDot(rel) {
		jsonError(w, r, http.StatusBadRequest, "invalid path")
		return
	}
	rel = strings.TrimLeft(rel, "/")
	if filepath.IsAbs(rel) {
		jsonError(w, r, http.StatusBadRequest, "invalid path")
		return
	}

	var entry staticEntry
	if v, ok := sf.cache.Get(rel); ok {
		entry = v.(staticEntry)
	} else {
		if sf.base == "" {
			jsonError(w, r, http.StatusNotFound, "static directory not found")
			return
		}
		full := filepath.Clean(filepath.Join(sf.base, rel))
		base := filepath.Clean(sf.base)
		if full != base && !strings.HasPrefix(full, base+string(os.PathSeparator)) {
			jsonError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		fi, err := os.Stat(full)
		if err != nil || fi.IsDir() {
			jsonError(w, r, http.StatusNotFound, "not found")
			return
		}
		body, err := os.ReadFile(full)
		if err != nil {
			jsonError(w, r, http.StatusNotFound, "not found")
			return
		}
		mimeType := zim.MimeTypeFromName(full)
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		entry = staticEntry{body: body, mimeType: mimeType}
		sf.cache.Set(rel, entry, gocache.NoExpiration)
	}

	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	writeBody(w, r, http.StatusOK, entry.mimeType, entry.body)
}

// hasDotDot reports whether any path segment is "..".
func hasDotDot(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.serveShell(w, r, "")
}

// serveShell sends the embedded SPA page. vary names a request header
// the response depends on, for the /w/ routes that switch on
// Sec-Fetch-Dest.
func (s *Server) serveShell(w http.ResponseWriter, r *http.Request, vary string) {
	if vary != "" {
		w.Header().Set("Vary", vary)
	}
	writeBody(w, r, http.StatusOK, "text/html; charset=utf-8", web.IndexHTML)
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=86400")
	writeBody(w, r, http.StatusOK, "image/png", web.FaviconPNG)
}

func (s *Server) handleAppleTouchIcon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=86400")
	writeBody(w, r, http.StatusOK, "image/png", web.AppleTouchIconPNG)
}
