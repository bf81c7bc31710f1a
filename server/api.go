package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zimi/zimi/article"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/state"
	"github.com/zimi/zimi/zim"
)

// maxSearchLimit caps the per request result count.
const maxSearchLimit = 50

// maxBatchResolve caps the URL count in one POST /resolve body.
const maxBatchResolve = 100

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := query.Get("q")
	if q == "" {
		jsonError(w, r, http.StatusBadRequest, "missing ?q= parameter")
		return
	}
	limit := intParam(r, "limit", 5)
	if limit < 1 {
		limit = 1
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	var scope []string
	if collection := query.Get("collection"); collection != "" {
		col, ok := s.collections.Get(collection)
		if !ok {
			jsonError(w, r, http.StatusBadRequest, fmt.Sprintf("Collection '%s' not found", collection))
			return
		}
		scope = col.Zims
	} else if names := query.Get("zim"); names != "" {
		scope = splitList(names)
	}
	fast := query.Get("fast") == "1"

	start := time.Now()
	result := s.engine.Search(r.Context(), q, limit, scope, fast)
	elapsed := time.Since(start)
	s.metrics.Record("/search", elapsed)
	s.usage.RecordSearch()
	label := "all"
	if len(scope) > 0 {
		label = strings.Join(scope, ",")
	}
	zim.Infof(nil, "search q=%q limit=%d zim=%s fast=%v %.1fs", q, limit, label, fast, elapsed.Seconds())
	writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := query.Get("zim")
	path := query.Get("path")
	if name == "" || path == "" {
		jsonError(w, r, http.StatusBadRequest, "missing ?zim= and ?path= parameters")
		return
	}
	maxLength := intParam(r, "max_length", article.MaxContentLength)
	start := time.Now()
	result, err := article.Read(s.lib, name, path, maxLength)
	s.metrics.Record("/read", time.Since(start))
	s.usage.RecordRead(name)
	if err != nil {
		// Read failures are part of the response contract, clients
		// probe paths and branch on the error field.
		writeJSON(w, r, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// suggestItem is one row of the /suggest response.
type suggestItem struct {
	Path  string `json:"path"`
	Title string `json:"title"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := query.Get("q")
	if q == "" {
		jsonError(w, r, http.StatusBadRequest, "missing ?q= parameter")
		return
	}
	limit := intParam(r, "limit", 10)
	if limit < 1 {
		limit = 1
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	var names []string
	if collection := query.Get("collection"); collection != "" {
		// Unknown collections are ignored here rather than rejected.
		if col, ok := s.collections.Get(collection); ok {
			names = col.Zims
		}
	} else if zims := query.Get("zim"); zims != "" {
		names = splitList(zims)
	}
	// The scope travels as one joined element, so a multi archive scope
	// matches no archive name and yields an empty suggestion set.
	var scope []string
	if len(names) > 0 {
		scope = []string{strings.Join(names, ",")}
	}

	start := time.Now()
	result := s.engine.Search(r.Context(), q, limit, scope, true)
	out := map[string][]suggestItem{}
	for _, hit := range result.Results {
		out[hit.Zim] = append(out[hit.Zim], suggestItem{Path: hit.Path, Title: hit.Title})
	}
	s.metrics.Record("/suggest", time.Since(start))
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleSnippet(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := query.Get("zim")
	path := query.Get("path")
	if name == "" || path == "" {
		jsonError(w, r, http.StatusBadRequest, "missing ?zim= and ?path= parameters")
		return
	}
	start := time.Now()
	snippet, err := article.ExtractSnippet(s.lib, name, path)
	if err != nil {
		jsonError(w, r, http.StatusNotFound, err.Error())
		return
	}
	s.metrics.Record("/snippet", time.Since(start))
	writeJSON(w, r, http.StatusOK, snippet)
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := query.Get("zim")
	if name != "" {
		if _, ok := s.lib.Archive(name); !ok {
			jsonError(w, r, http.StatusNotFound, fmt.Sprintf("ZIM '%s' not found", name))
			return
		}
	} else {
		picked, ok := s.random.PickArchive()
		if !ok {
			writeJSON(w, r, http.StatusOK, map[string]string{"error": "no ZIMs available"})
			return
		}
		name = picked
	}
	opts := article.RandomOptions{
		Date:         query.Get("date"),
		Seed:         query.Get("seed"),
		WithPreview:  query.Get("thumb") == "1",
		RequireThumb: query.Get("require_thumb") == "1",
		WithDate:     query.Get("with_date") == "1",
	}
	start := time.Now()
	result, err := s.random.Random(name, opts)
	elapsed := time.Since(start)
	if err != nil {
		writeJSON(w, r, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	s.metrics.Record("/random", elapsed)
	zim.Infof(nil, "random zim=%s title=%q %.1fs", name, result.Title, elapsed.Seconds())
	writeJSON(w, r, http.StatusOK, result)
}

// resolveResult is the per URL resolution outcome.
type resolveResult struct {
	Found bool   `json:"found"`
	Zim   string `json:"zim,omitempty"`
	Path  string `json:"path,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("domains") == "1" {
		writeJSON(w, r, http.StatusOK, s.resolver.Domains())
		return
	}
	rawURL := query.Get("url")
	if rawURL == "" {
		jsonError(w, r, http.StatusBadRequest, "missing ?url= parameter")
		return
	}
	res, ok := s.resolver.Resolve(rawURL)
	if !ok {
		writeJSON(w, r, http.StatusOK, resolveResult{Found: false})
		return
	}
	if from := query.Get("from"); from != "" && from != res.Zim {
		s.resolver.Record(from, res.Zim)
	}
	writeJSON(w, r, http.StatusOK, resolveResult{Found: true, Zim: res.Zim, Path: res.Path})
}

func (s *Server) handleResolveBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Urls json.RawMessage `json:"urls"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	var urls []interface{}
	if len(body.Urls) > 0 {
		if string(body.Urls) == "null" || json.Unmarshal(body.Urls, &urls) != nil {
			jsonError(w, r, http.StatusBadRequest,
				fmt.Sprintf("'urls' must be a list (max %d)", maxBatchResolve))
			return
		}
	}
	if len(urls) > maxBatchResolve {
		jsonError(w, r, http.StatusBadRequest,
			fmt.Sprintf("'urls' must be a list (max %d)", maxBatchResolve))
		return
	}
	results := map[string]resolveResult{}
	for _, u := range urls {
		rawURL, ok := u.(string)
		if !ok {
			continue
		}
		if res, found := s.resolver.Resolve(rawURL); found {
			results[rawURL] = resolveResult{Found: true, Zim: res.Zim, Path: res.Path}
		} else {
			results[rawURL] = resolveResult{Found: false}
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"results": results})
}

// listRow renders one archive for /list. The entries column shows "?"
// when the count could not be read.
type listRow struct {
	*library.Archive
	Entries interface{} `json:"entries"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	archives := s.lib.Archives()
	rows := make([]listRow, 0, len(archives))
	for _, arc := range archives {
		var entries interface{} = arc.Entries
		if arc.Entries < 0 {
			entries = "?"
		}
		rows = append(rows, listRow{Archive: arc, Entries: entries})
	}
	writeJSON(w, r, http.StatusOK, rows)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("zim")
	if name == "" {
		jsonError(w, r, http.StatusBadRequest, "missing ?zim= parameter")
		return
	}
	result, err := article.Catalog(s.lib, name)
	if err != nil {
		writeJSON(w, r, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// healthResponse is the /health document.
type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	ZimCount   int    `json:"zim_count"`
	PDFSupport bool   `json:"pdf_support"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{
		Status:     "ok",
		Version:    zim.Version,
		ZimCount:   s.lib.Count(),
		PDFSupport: article.HasPDFSupport(),
	})
}

// collectionsDoc is the GET /collections document.
type collectionsDoc struct {
	Version     int                         `json:"version"`
	Favorites   []string                    `json:"favorites"`
	Collections map[string]state.Collection `json:"collections"`
}

func (s *Server) handleCollectionsGet(w http.ResponseWriter, r *http.Request) {
	favorites := s.collections.Favorites()
	if favorites == nil {
		favorites = []string{}
	}
	writeJSON(w, r, http.StatusOK, collectionsDoc{
		Version:     state.CollectionsVersion,
		Favorites:   favorites,
		Collections: s.collections.All(),
	})
}

func (s *Server) handleCollectionsPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string          `json:"name"`
		Label string          `json:"label"`
		Zims  json.RawMessage `json:"zims"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := truncateRunes(strings.TrimSpace(body.Name), state.MaxCollectionName)
	label := truncateRunes(strings.TrimSpace(body.Label), state.MaxCollectionLen)
	if name == "" && label != "" {
		name = state.Slug(label)
	}
	if name == "" {
		jsonError(w, r, http.StatusBadRequest, "missing 'name' or 'label' field")
		return
	}
	if label == "" {
		label = name
	}
	zims := []string{}
	if len(body.Zims) > 0 {
		if string(body.Zims) == "null" || json.Unmarshal(body.Zims, &zims) != nil {
			jsonError(w, r, http.StatusBadRequest,
				fmt.Sprintf("'zims' must be a list (max %d items)", state.MaxCollectionZims))
			return
		}
	}
	if len(zims) > state.MaxCollectionZims {
		jsonError(w, r, http.StatusBadRequest,
			fmt.Sprintf("'zims' must be a list (max %d items)", state.MaxCollectionZims))
		return
	}
	s.collections.Set(name, state.Collection{Label: label, Zims: zims})
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "collection": name})
}

func (s *Server) handleCollectionsDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		jsonError(w, r, http.StatusBadRequest, "missing ?name= parameter")
		return
	}
	if s.opts.ManageEnabled && !s.authorized(r) {
		unauthorized(w, r)
		return
	}
	if !s.collections.Delete(name) {
		jsonError(w, r, http.StatusNotFound, fmt.Sprintf("Collection '%s' not found", name))
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "deleted", "collection": name})
}

func (s *Server) handleFavorites(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Zim string `json:"zim"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := strings.TrimSpace(body.Zim)
	if name == "" {
		jsonError(w, r, http.StatusBadRequest, "missing 'zim' field")
		return
	}
	if _, ok := s.lib.Archive(name); !ok {
		jsonError(w, r, http.StatusBadRequest, fmt.Sprintf("ZIM '%s' not found", name))
		return
	}
	status, favorites := s.collections.ToggleFavorite(name)
	if status == "full" {
		jsonError(w, r, http.StatusBadRequest,
			fmt.Sprintf("Favorites list is full (max %d)", state.MaxFavorites))
		return
	}
	if favorites == nil {
		favorites = []string{}
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    status,
		"zim":       name,
		"favorites": favorites,
	})
}
