package server

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/zimi/zimi/zim"
)

// maxServeBytes caps non streamable entries. Video and audio escape the
// cap because they go out in ranges.
const maxServeBytes = 50 * 1024 * 1024

// contentCSP sandboxes archive HTML: inline styles and scripts stay
// allowed because archive pages rely on them, external requests and
// foreign framing do not.
const contentCSP = "default-src 'self' 'unsafe-inline' 'unsafe-eval' data: blob:; " +
	"frame-ancestors 'self'"

var baseTagRe = regexp.MustCompile(`(?i)<base\s[^>]*>`)

// handleContent serves /w/<zim>/<path>. Top level browser navigations
// get the SPA shell so the client side router can pick the deep link
// apart; everything else gets the raw entry.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/w/")
	namePart, pathPart := rest, ""
	if i := strings.Index(rest, "/"); i >= 0 {
		namePart, pathPart = rest[:i], rest[i+1:]
	}
	name := unescape(namePart)
	entryPath := unescape(pathPart)

	// ?raw=1 bypasses the shell (PDFs opened in a new tab), ?view=1
	// forces it (pushState URLs that must survive a reload).
	query := r.URL.Query()
	isRaw := query.Has("raw")
	isView := query.Has("view")
	fetchDest := r.Header.Get("Sec-Fetch-Dest")
	isEpub := strings.HasSuffix(strings.ToLower(entryPath), ".epub")
	if isView || ((fetchDest == "document" || entryPath == "") && !isRaw && !isEpub) {
		s.serveShell(w, r, "Sec-Fetch-Dest")
		return
	}
	if fetchDest == "iframe" {
		s.usage.RecordRead(name)
	}
	s.serveEntry(w, r, name, entryPath)
}

func unescape(part string) string {
	if u, err := url.PathUnescape(part); err == nil {
		return u
	}
	return part
}

// entryPlan is everything serveEntry reads under the archive lock. The
// lock is released before any socket write so a slow client cannot
// stall other readers of the same archive.
type entryPlan struct {
	status     int    // 200, 206, 302, 404 or 413
	errMsg     string // 404 and 413 body
	location   string // 302 target
	content    []byte
	size       int64 // full entry size, pre range slicing
	mimeType   string
	epubName   string // non empty forces an attachment download
	streamable bool
	ranged     bool
	rangeStart int64
	rangeEnd   int64
}

func (s *Server) serveEntry(w http.ResponseWriter, r *http.Request, name, entryPath string) {
	reader, lock := s.lib.ContentArchive(name)
	if reader == nil {
		jsonError(w, r, http.StatusNotFound, fmt.Sprintf("ZIM '%s' not found", name))
		return
	}

	if entryPath == "-/icon" {
		s.serveIcon(w, r, name, reader, lock)
		return
	}

	lock.Lock()
	plan := loadEntry(reader, name, entryPath, r.Header.Get("Range"))
	lock.Unlock()

	switch plan.status {
	case http.StatusNotFound:
		jsonError(w, r, http.StatusNotFound, plan.errMsg)
		return
	case http.StatusFound:
		w.Header().Set("Location", plan.location)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusFound)
		return
	case http.StatusRequestEntityTooLarge:
		body := []byte(plan.errMsg)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = w.Write(body)
		return
	}

	if plan.epubName != "" {
		w.Header().Set("Content-Type", plan.mimeType)
		w.Header().Set("Content-Length", strconv.FormatInt(plan.size, 10))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", plan.epubName))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(plan.content)
		return
	}

	content := plan.content
	if strings.HasPrefix(plan.mimeType, "text/html") {
		// Archive pages carry <base> tags pointing at their original
		// site, which would break every relative link under /w/.
		content = baseTagRe.ReplaceAll(content, nil)
	}

	sum := md5.Sum([]byte(name + "/" + entryPath))
	etag := `"` + hex.EncodeToString(sum[:])[:16] + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	status := http.StatusOK
	if plan.ranged {
		status = http.StatusPartialContent
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", plan.rangeStart, plan.rangeEnd, plan.size))
	}
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.Header().Set("Vary", "Sec-Fetch-Dest")
	w.Header().Set("ETag", etag)
	if plan.streamable {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	if strings.HasPrefix(plan.mimeType, "text/html") {
		w.Header().Set("Content-Security-Policy", contentCSP)
	}
	writeBody(w, r, status, plan.mimeType, content)
}

// loadEntry resolves entryPath and reads its content. Callers hold the
// archive lock.
func loadEntry(reader zim.Reader, name, entryPath, rangeHeader string) entryPlan {
	entry, err := reader.EntryByPath(entryPath)
	if err != nil {
		for _, alt := range zim.NamespaceFallbacks(entryPath) {
			if e, altErr := reader.EntryByPath(alt); altErr == nil {
				entry, err = e, nil
				break
			}
		}
	}
	if err != nil {
		return entryPlan{
			status: http.StatusNotFound,
			errMsg: fmt.Sprintf("Entry '%s' not found in %s", entryPath, name),
		}
	}

	// Archive redirects turn into HTTP 302 so the browser address bar
	// shows the canonical path.
	if entry.IsRedirect() {
		target, rerr := entry.Redirect()
		if rerr != nil {
			return entryPlan{
				status: http.StatusNotFound,
				errMsg: fmt.Sprintf("Entry '%s' not found in %s", entryPath, name),
			}
		}
		return entryPlan{status: http.StatusFound, location: "/w/" + name + "/" + target.Path()}
	}

	size := entry.Size()
	mimeType := zim.FixMimeType(entry.MimeType(), entryPath)

	// Browsers cannot render EPUB inline, force a download.
	if strings.HasSuffix(strings.ToLower(entryPath), ".epub") ||
		mimeType == "application/epub+zip" || mimeType == "application/epub" {
		epubName := path.Base(entryPath)
		if !strings.HasSuffix(epubName, ".epub") {
			epubName += ".epub"
		}
		content, cerr := entry.Content()
		if cerr != nil {
			return entryPlan{status: http.StatusNotFound,
				errMsg: fmt.Sprintf("Entry '%s' not found in %s", entryPath, name)}
		}
		return entryPlan{
			status:   http.StatusOK,
			content:  content,
			size:     size,
			mimeType: "application/epub+zip",
			epubName: epubName,
		}
	}

	streamable := zim.IsStreamable(mimeType)
	if !streamable && size > maxServeBytes {
		return entryPlan{
			status: http.StatusRequestEntityTooLarge,
			errMsg: fmt.Sprintf("Entry too large (%d MB). Max: %d MB.",
				size/(1024*1024), maxServeBytes/(1024*1024)),
		}
	}

	content, cerr := entry.Content()
	if cerr != nil {
		return entryPlan{status: http.StatusNotFound,
			errMsg: fmt.Sprintf("Entry '%s' not found in %s", entryPath, name)}
	}
	if mimeType == "application/octet-stream" {
		mimeType = zim.DetectMimeType(entry.MimeType(), entryPath, content)
	}
	plan := entryPlan{
		status:     http.StatusOK,
		content:    content,
		size:       size,
		mimeType:   mimeType,
		streamable: streamable,
	}
	if streamable && rangeHeader != "" {
		if start, end, ok := parseRange(rangeHeader, size); ok {
			plan.ranged = true
			plan.rangeStart, plan.rangeEnd = start, end
			plan.content = content[start : end+1]
		}
	}
	return plan
}

// parseRange interprets a single or suffix byte range against size.
// Multipart and malformed ranges report !ok and the caller serves the
// whole body with a plain 200.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	if !strings.HasPrefix(header, "bytes=") || size == 0 {
		return 0, 0, false
	}
	spec := strings.TrimSpace(header[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	if strings.HasPrefix(spec, "-") {
		suffix, err := strconv.ParseInt(spec[1:], 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, false
		}
		start = size - suffix
		if start < 0 {
			start = 0
		}
		return start, size - 1, true
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end = size - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	if end > size-1 {
		end = size - 1
	}
	if start > end || start >= size {
		return 0, 0, false
	}
	return start, end, true
}

// serveIcon sends the archive's 48x48 illustration from its metadata.
func (s *Server) serveIcon(w http.ResponseWriter, r *http.Request, name string, reader zim.Reader, lock *sync.Mutex) {
	lock.Lock()
	icon, err := reader.Metadata("Illustration_48x48@1")
	lock.Unlock()
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	etag := `"icon-` + name + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=604800, immutable")
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Length", strconv.Itoa(len(icon)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(icon)
}
