// Package server implements the zimi HTTP API: search, article access
// and content serving over the archive library, plus the optional
// management surface for downloads, updates and index builds.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/zimi/zimi/article"
	"github.com/zimi/zimi/config"
	"github.com/zimi/zimi/download"
	"github.com/zimi/zimi/kiwix"
	libhttp "github.com/zimi/zimi/lib/http"
	"github.com/zimi/zimi/lib/httpclient"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/resolver"
	"github.com/zimi/zimi/search"
	"github.com/zimi/zimi/state"
	"github.com/zimi/zimi/titleindex"
	"github.com/zimi/zimi/zim"
)

// Server wires the archive library to the HTTP API.
type Server struct {
	ctx  context.Context
	opts config.Options
	lib  *library.Library
	idx  *titleindex.Manager

	engine      *search.Engine
	random      *article.Service
	resolver    *resolver.Resolver
	collections *state.Collections
	history     *state.History
	password    *state.Password
	autoUpdate  *state.AutoUpdate
	catalog     *kiwix.Client
	downloads   *download.Manager
	metrics     *metrics
	usage       *usage
	limiter     *limiter
	static      *staticFiles

	updMu      sync.Mutex
	updRunning bool
}

// New assembles a Server over an already loaded library. ctx bounds the
// background workers the server starts later.
func New(ctx context.Context, opts config.Options, lib *library.Library, idx *titleindex.Manager) *Server {
	s := &Server{
		ctx:         ctx,
		opts:        opts,
		lib:         lib,
		idx:         idx,
		engine:      search.New(lib, idx, opts.DataDir),
		random:      article.NewService(lib),
		resolver:    resolver.New(lib),
		collections: state.NewCollections(opts.DataDir),
		history:     state.NewHistory(opts.DataDir),
		password:    state.NewPassword(opts.DataDir, opts.ManagePassword),
		autoUpdate: state.NewAutoUpdate(opts.DataDir, opts.AutoUpdateLocked,
			opts.AutoUpdateEnabled, opts.UpdateFreq),
		catalog: kiwix.NewClient(httpclient.New(httpclient.DefaultOptions)),
		metrics: newMetrics(),
		usage:   newUsage(lib),
		limiter: newLimiter(opts.RateLimit),
		static:  newStaticFiles(opts.StaticDir),
	}
	s.downloads = download.New(opts.ZimDir,
		httpclient.New(httpclient.Options{ConnectTimeout: 10 * time.Second}),
		download.Hooks{Installed: s.downloadInstalled, Failed: s.downloadFailed})
	s.resolver.Rebuild()
	return s
}

// Routes registers every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/search", s.rateLimit(s.handleSearch))
	r.Get("/read", s.rateLimit(s.handleRead))
	r.Get("/suggest", s.rateLimit(s.handleSuggest))
	r.Get("/snippet", s.rateLimit(s.handleSnippet))
	r.Get("/random", s.rateLimit(s.handleRandom))
	r.Get("/resolve", s.handleResolve)
	r.Post("/resolve", s.rateLimit(s.handleResolveBatch))
	r.Get("/list", s.handleList)
	r.Get("/catalog", s.handleCatalog)
	r.Get("/health", s.handleHealth)

	r.Get("/collections", s.handleCollectionsGet)
	r.Post("/collections", s.userAuth(s.handleCollectionsPost))
	r.Delete("/collections", s.rateLimit(s.handleCollectionsDelete))
	r.Post("/favorites", s.userAuth(s.handleFavorites))

	r.Get("/manage/status", s.manage(s.handleManageStatus))
	r.Get("/manage/stats", s.manage(s.handleManageStats))
	r.Get("/manage/usage", s.manage(s.handleManageUsage))
	r.Get("/manage/catalog", s.manage(s.handleManageCatalog))
	r.Get("/manage/check-updates", s.manage(s.handleCheckUpdates))
	r.Get("/manage/downloads", s.manage(s.handleDownloads))
	r.Get("/manage/history", s.manage(s.handleHistory))
	r.Get("/manage/has-password", s.manageOpen(s.handleHasPassword))
	r.Post("/manage/set-password", s.manageOpen(s.handleSetPassword))
	r.Post("/manage/download", s.manage(s.handleDownloadStart))
	r.Post("/manage/import", s.manage(s.handleImportStart))
	r.Post("/manage/cancel", s.manage(s.handleDownloadCancel))
	r.Post("/manage/clear-downloads", s.manage(s.handleClearDownloads))
	r.Post("/manage/refresh", s.manage(s.handleRefresh))
	r.Post("/manage/build-fts", s.manage(s.handleBuildFTS))
	r.Post("/manage/delete", s.manage(s.handleDelete))
	r.Post("/manage/update", s.manage(s.handleUpdateAll))
	r.Post("/manage/auto-update", s.manage(s.handleAutoUpdate))

	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Get("/w/*", s.handleContent)
	r.Get("/static/*", s.handleStatic)
	r.Get("/favicon.ico", s.handleFavicon)
	r.Get("/favicon.png", s.handleFavicon)
	r.Get("/apple-touch-icon.png", s.handleAppleTouchIcon)
	r.Get("/", s.handleIndex)

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleNotFound)
}

// Handler returns a standalone handler with the CORS middleware applied,
// for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(libhttp.MiddlewareCORS("*"))
	s.Routes(r)
	return r
}

// handleNotFound answers paths and methods nothing else claimed. HEAD
// gets a bare 200 for reverse proxy health checks; GET lists the main
// endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, r, http.StatusNotFound, map[string]interface{}{
			"error":     "not found",
			"endpoints": []string{"/search", "/read", "/suggest", "/list", "/catalog", "/health", "/w/"},
		})
		return
	}
	jsonError(w, r, http.StatusNotFound, "not found")
}

// rateLimit wraps next with the per client sliding window check.
func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if retry := s.limiter.check(clientIP(r)); retry > 0 {
			s.metrics.RecordRateLimited()
			tooManyRequests(w, r, retry)
			return
		}
		next(w, r)
	}
}

// authorized reports whether r carries the manage password. With no
// password set everything passes.
func (s *Server) authorized(r *http.Request) bool {
	if !s.password.IsSet() {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return s.password.Check(auth[len(prefix):])
}

// manageOpen gates a handler behind the manage switch only. Password
// endpoints run their own credential checks.
func (s *Server) manageOpen(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.ManageEnabled {
			msg := "Library management is disabled."
			if r.Method == http.MethodGet {
				msg = "Library management is disabled. Set ZIMI_MANAGE=1 to enable."
			}
			jsonError(w, r, http.StatusNotFound, msg)
			return
		}
		next(w, r)
	}
}

// manage gates a handler behind the manage switch and the password.
func (s *Server) manage(next http.HandlerFunc) http.HandlerFunc {
	return s.manageOpen(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			unauthorized(w, r)
			return
		}
		next(w, r)
	})
}

// userAuth guards collection and favorite writes. The password applies
// only while manage mode is on, the features themselves stay available
// without it.
func (s *Server) userAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.ManageEnabled && !s.authorized(r) {
			unauthorized(w, r)
			return
		}
		next(w, r)
	}
}

// refreshLibrary rescans the archive directory and resets every cache
// derived from the archive set. Returns the new archive count.
func (s *Server) refreshLibrary() int {
	if _, err := s.lib.LoadCache(true); err != nil {
		zim.Errorf(nil, "Library refresh failed: %v", err)
	}
	s.resolver.Rebuild()
	s.engine.ClearCaches()
	s.random.ClearCaches()
	s.idx.Prune()
	return s.lib.Count()
}

// downloadInstalled runs after a download landed in the archive
// directory: refresh the library, then record history enriched with the
// metadata the refresh just loaded.
func (s *Server) downloadInstalled(filename string, isUpdate bool, sizeBytes int64) {
	s.refreshLibrary()
	kind := "download"
	if isUpdate {
		kind = "updated"
	}
	ev := state.Event{Kind: kind, Filename: filename, SizeBytes: sizeBytes}
	s.enrichEvent(&ev, filename)
	s.history.Append(ev)
}

func (s *Server) downloadFailed(filename, errMsg string) {
	s.history.Append(state.Event{Kind: "download_failed", Filename: filename, Error: errMsg})
}

// enrichEvent fills in name, title and icon flag from the library row
// matching filename, when there is one.
func (s *Server) enrichEvent(ev *state.Event, filename string) {
	for _, arc := range s.lib.Archives() {
		if arc.Filename == filename {
			ev.Name, ev.Title, ev.HasIcon = arc.Name, arc.Title, arc.HasIcon
			return
		}
	}
}

// startUpdater launches the auto update loop unless one is already
// running. The flag clears when the loop exits, which it does as soon
// as it notices the setting went off.
func (s *Server) startUpdater(initialDelay time.Duration) {
	s.updMu.Lock()
	defer s.updMu.Unlock()
	if s.updRunning {
		zim.Infof(nil, "Auto-update worker still running, reusing it")
		return
	}
	s.updRunning = true
	up := &kiwix.Updater{
		Client:    s.catalog,
		Library:   s.lib,
		Settings:  s.autoUpdate,
		Downloads: s.downloads,
	}
	go func() {
		up.Run(s.ctx, initialDelay)
		s.updMu.Lock()
		s.updRunning = false
		s.updMu.Unlock()
	}()
}

// Startup runs the serve time warm up: sweep stale partial downloads,
// open every archive handle, then warm the slower structures in the
// background so first queries are fast without delaying listen.
func (s *Server) Startup() {
	s.downloads.SweepStale()

	names := s.lib.Names()
	zim.Infof(nil, "Pre-warming %d archives...", len(names))
	for _, name := range names {
		if reader, _ := s.lib.ContentArchive(name); reader == nil {
			zim.Logf(nil, "Skipping %s: archive failed to open", name)
		}
	}
	zim.Infof(nil, "All archives ready")

	go s.warmSuggest(names)
	go s.warmFTS(names)
	go s.idx.BuildAll()
	go func() {
		opened := s.idx.Warm()
		zim.Infof(nil, "Title indexes opened: %d/%d", opened, len(names))
	}()

	if loaded := s.engine.RestoreSuggestCache(); loaded > 0 {
		zim.Infof(nil, "Suggest cache restored: %d entries", loaded)
	}
	if s.autoUpdate.Enabled() {
		s.startUpdater(0)
	}
}

// warmSuggest pulls each archive's title B-tree into the page cache via
// throwaway handles, four at a time, so the shared suggest pool is never
// held while warm up runs.
func (s *Server) warmSuggest(names []string) {
	var mu sync.Mutex
	warmed := 0
	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if reader, _ := s.lib.SuggestArchive(name); reader == nil {
				return nil
			}
			reader, err := s.lib.OpenDedicated(name)
			if err != nil {
				return nil
			}
			defer func() { _ = reader.Close() }()
			if _, err := reader.Suggest("a", 1); err != nil {
				return nil
			}
			mu.Lock()
			warmed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	zim.Infof(nil, "Suggestion indexes warmed: %d/%d", warmed, len(names))
}

// warmFTS opens the per archive search handles used for parallel full
// text queries.
func (s *Server) warmFTS(names []string) {
	opened := 0
	for _, name := range names {
		if reader, _ := s.lib.FTSArchive(name); reader != nil {
			opened++
		}
	}
	zim.Infof(nil, "FTS pool warmed: %d archives", opened)
}

// Shutdown persists the caches worth keeping across restarts.
func (s *Server) Shutdown() {
	s.engine.PersistSuggestCache()
	zim.Infof(nil, "Suggest cache saved to disk")
	s.idx.Close()
}
