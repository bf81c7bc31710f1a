package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zimi/zimi/config"
	"github.com/zimi/zimi/download"
	"github.com/zimi/zimi/kiwix"
	"github.com/zimi/zimi/lib/diskusage"
	"github.com/zimi/zimi/resolver"
	"github.com/zimi/zimi/state"
	"github.com/zimi/zimi/titleindex"
	"github.com/zimi/zimi/zim"
)

func (s *Server) handleHasPassword(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]bool{"has_password": s.password.IsSet()})
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Current  string `json:"current"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if s.password.IsSet() && !s.password.Check(body.Current) {
		jsonError(w, r, http.StatusUnauthorized, "Current password is incorrect")
		return
	}
	password := strings.TrimSpace(body.Password)
	if err := s.password.Set(password); err != nil {
		jsonError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	status := "password cleared"
	if password != "" {
		status = "password set"
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": status})
}

// autoUpdateInfo is the auto_update block of /manage/status.
type autoUpdateInfo struct {
	Enabled   bool   `json:"enabled"`
	Frequency string `json:"frequency"`
	Locked    bool   `json:"locked"`
}

// manageStatus is the /manage/status document.
type manageStatus struct {
	ZimCount      int            `json:"zim_count"`
	TotalSizeGB   float64        `json:"total_size_gb"`
	ManageEnabled bool           `json:"manage_enabled"`
	LinkedZims    int            `json:"linked_zims"`
	DomainCount   int            `json:"domain_count"`
	AutoUpdate    autoUpdateInfo `json:"auto_update"`
}

func (s *Server) handleManageStatus(w http.ResponseWriter, r *http.Request) {
	enabled, freq := s.autoUpdate.Settings()
	writeJSON(w, r, http.StatusOK, manageStatus{
		ZimCount:      s.lib.Count(),
		TotalSizeGB:   round1(s.lib.TotalSizeGB()),
		ManageEnabled: true,
		LinkedZims:    s.resolver.LinkedCount(),
		DomainCount:   s.resolver.DomainCount(),
		AutoUpdate:    autoUpdateInfo{Enabled: enabled, Frequency: freq, Locked: s.autoUpdate.Locked()},
	})
}

// autoUpdateStats is the auto_update block of /manage/stats. LastCheck
// is a unix timestamp, null before the first check.
type autoUpdateStats struct {
	Enabled   bool        `json:"enabled"`
	Frequency string      `json:"frequency"`
	LastCheck interface{} `json:"last_check"`
}

// diskInfo describes the volume holding the archive directory.
type diskInfo struct {
	ZimDir      string  `json:"zim_dir"`
	TotalGB     float64 `json:"disk_total_gb"`
	FreeGB      float64 `json:"disk_free_gb"`
	UsedGB      float64 `json:"disk_used_gb"`
	UsedPercent float64 `json:"disk_pct"`
	ZimSizeGB   float64 `json:"zim_size_gb"`
}

// manageStats is the /manage/stats document.
type manageStats struct {
	Metrics      metricsSnapshot  `json:"metrics"`
	Disk         interface{}      `json:"disk"`
	AutoUpdate   autoUpdateStats  `json:"auto_update"`
	TitleIndex   titleindex.Stats `json:"title_index"`
	CrossZimRefs []resolver.Ref   `json:"cross_zim_refs"`
	LinkedZims   int              `json:"linked_zims"`
	ZimCount     int              `json:"zim_count"`
	DomainCount  int              `json:"domain_count"`
}

func (s *Server) handleManageStats(w http.ResponseWriter, r *http.Request) {
	enabled, freq := s.autoUpdate.Settings()
	var lastCheck interface{}
	if t := s.autoUpdate.LastCheck(); !t.IsZero() {
		lastCheck = float64(t.UnixNano()) / 1e9
	}
	refs := s.resolver.Refs()
	if refs == nil {
		refs = []resolver.Ref{}
	}
	writeJSON(w, r, http.StatusOK, manageStats{
		Metrics:      s.metrics.Snapshot(),
		Disk:         s.diskUsage(),
		AutoUpdate:   autoUpdateStats{Enabled: enabled, Frequency: freq, LastCheck: lastCheck},
		TitleIndex:   s.idx.Stats(),
		CrossZimRefs: refs,
		LinkedZims:   s.resolver.LinkedCount(),
		ZimCount:     s.lib.Count(),
		DomainCount:  s.resolver.DomainCount(),
	})
}

// diskUsage reports capacity of the volume holding the archives. Any
// failure yields an empty object and the UI hides the panel.
func (s *Server) diskUsage() interface{} {
	info, err := diskusage.New(s.opts.ZimDir)
	if err != nil || info.Total == 0 {
		return struct{}{}
	}
	var zimBytes int64
	entries, err := os.ReadDir(s.opts.ZimDir)
	if err != nil {
		return struct{}{}
	}
	for _, ent := range entries {
		if !strings.HasSuffix(ent.Name(), ".zim") {
			continue
		}
		if fi, err := ent.Info(); err == nil {
			zimBytes += fi.Size()
		}
	}
	const gb = float64(1 << 30)
	used := info.Total - info.Free
	return diskInfo{
		ZimDir:      s.opts.ZimDir,
		TotalGB:     round1(float64(info.Total) / gb),
		UsedGB:      round1(float64(used) / gb),
		FreeGB:      round1(float64(info.Free) / gb),
		UsedPercent: round1(float64(used) / float64(info.Total) * 100),
		ZimSizeGB:   round1(float64(zimBytes) / gb),
	}
}

func (s *Server) handleManageUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.usage.Snapshot())
}

func (s *Server) handleManageCatalog(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	count := intParam(r, "count", 20)
	if count > 500 {
		count = 500
	}
	start := intParam(r, "start", 0)
	if start < 0 {
		start = 0
	}
	total, items, err := s.catalog.Catalog(r.Context(), kiwix.CatalogOptions{
		Query:          query.Get("q"),
		Lang:           query.Get("lang"),
		Count:          count,
		Start:          start,
		InstalledBases: s.installedBases(),
	})
	if err != nil {
		jsonError(w, r, http.StatusBadGateway, "Kiwix catalog fetch failed: "+err.Error())
		return
	}
	if items == nil {
		items = []kiwix.Item{}
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"total": total, "items": items})
}

// installedBases returns the date-stripped lowercased filename bases of
// the installed archives, used to flag catalog rows.
func (s *Server) installedBases() map[string]bool {
	bases := map[string]bool{}
	for _, arc := range s.lib.Archives() {
		base, _ := zim.SplitDate(arc.Filename)
		bases[strings.ToLower(base)] = true
	}
	return bases
}

// checkUpdates wraps the catalog comparison. A failed catalog fetch
// reads as no updates, the caller still gets a usable answer offline.
func (s *Server) checkUpdates(r *http.Request) []kiwix.Update {
	updates, err := s.catalog.CheckUpdates(r.Context(), kiwix.InstalledArchives(s.lib))
	if err != nil {
		zim.Logf(nil, "Update check failed: %v", err)
		return []kiwix.Update{}
	}
	if updates == nil {
		updates = []kiwix.Update{}
	}
	return updates
}

func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	updates := s.checkUpdates(r)
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"updates": updates,
		"count":   len(updates),
	})
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	list := s.downloads.List()
	if list == nil {
		list = []download.Status{}
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"downloads": list})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events := s.history.Events()
	if events == nil {
		events = []state.Event{}
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"history": events})
}

func (s *Server) handleDownloadStart(w http.ResponseWriter, r *http.Request) {
	s.startDownload(w, r, s.downloads.Start)
}

func (s *Server) handleImportStart(w http.ResponseWriter, r *http.Request) {
	s.startDownload(w, r, s.downloads.StartImport)
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request, start func(string) (string, error)) {
	var body struct {
		URL string `json:"url"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.URL == "" {
		jsonError(w, r, http.StatusBadRequest, "missing 'url' in request body")
		return
	}
	id, err := start(body.URL)
	if err != nil {
		jsonError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "started", "id": id})
}

func (s *Server) handleDownloadCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	switch err := s.downloads.Cancel(body.ID); err {
	case nil:
	case download.ErrNotFound:
		jsonError(w, r, http.StatusNotFound, err.Error())
		return
	case download.ErrFinished:
		jsonError(w, r, http.StatusBadRequest, err.Error())
		return
	default:
		jsonError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "cancelling", "id": body.ID})
}

func (s *Server) handleClearDownloads(w http.ResponseWriter, r *http.Request) {
	removed := s.downloads.ClearDone()
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"status": "cleared", "removed": removed})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	zim.Infof(nil, "Library refresh requested")
	count := s.refreshLibrary()
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"status": "refreshed", "zim_count": count})
}

func (s *Server) handleBuildFTS(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		jsonError(w, r, http.StatusBadRequest, "Missing 'name' parameter")
		return
	}
	result, err := s.idx.BuildInverted(body.Name)
	if err != nil {
		if errors.Is(err, titleindex.ErrNoIndex) {
			jsonError(w, r, http.StatusNotFound, err.Error())
			return
		}
		jsonError(w, r, http.StatusInternalServerError, "FTS build failed: "+err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filename string `json:"filename"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	filename := body.Filename
	if filename == "" || strings.Contains(filename, "..") || strings.Contains(filename, "/") {
		jsonError(w, r, http.StatusBadRequest, "Invalid filename")
		return
	}
	if !strings.HasSuffix(filename, ".zim") {
		jsonError(w, r, http.StatusBadRequest, "Only .zim files can be deleted")
		return
	}
	path := filepath.Join(s.opts.ZimDir, filename)
	fi, err := os.Stat(path)
	if err != nil {
		jsonError(w, r, http.StatusNotFound, "File not found: "+filename)
		return
	}
	// Capture the metadata before the file and its library row go away.
	ev := state.Event{Kind: "deleted", Filename: filename, SizeBytes: fi.Size()}
	s.enrichEvent(&ev, filename)
	if err := os.Remove(path); err != nil {
		jsonError(w, r, http.StatusInternalServerError, "Failed to delete: "+err.Error())
		return
	}
	zim.Infof(nil, "Deleted ZIM: %s", filename)
	s.history.Append(ev)
	s.refreshLibrary()
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "deleted", "filename": filename})
}

// startedDownload is one row of the /manage/update response.
type startedDownload struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (s *Server) handleUpdateAll(w http.ResponseWriter, r *http.Request) {
	updates := s.checkUpdates(r)
	started := []startedDownload{}
	for _, upd := range updates {
		if upd.DownloadURL == "" {
			continue
		}
		id, err := s.downloads.Start(upd.DownloadURL)
		if err != nil {
			zim.Logf(nil, "Update skipped for %s: %v", upd.Name, err)
			continue
		}
		started = append(started, startedDownload{Name: upd.Name, ID: id})
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "started",
		"count":     len(started),
		"downloads": started,
	})
}

func (s *Server) handleAutoUpdate(w http.ResponseWriter, r *http.Request) {
	if s.autoUpdate.Locked() {
		jsonError(w, r, http.StatusForbidden, "Auto-update is controlled by ZIMI_AUTO_UPDATE env var")
		return
	}
	wasEnabled, curFreq := s.autoUpdate.Settings()
	var body struct {
		Enabled   *bool   `json:"enabled"`
		Frequency *string `json:"frequency"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	enabled := wasEnabled
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	freq := curFreq
	if body.Frequency != nil {
		freq = *body.Frequency
	}
	if _, ok := config.FreqSeconds[freq]; !ok {
		jsonError(w, r, http.StatusBadRequest, "Invalid frequency. Use: daily, weekly, monthly")
		return
	}
	s.autoUpdate.Set(enabled, freq)
	if enabled && !wasEnabled {
		s.startUpdater(30 * time.Second)
		zim.Infof(nil, "Auto-update enabled: %s (first check in 30s)", freq)
	} else if !enabled && wasEnabled {
		zim.Infof(nil, "Auto-update disabled")
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"enabled":   enabled,
		"frequency": freq,
	})
}
