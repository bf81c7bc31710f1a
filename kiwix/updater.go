package kiwix

import (
	"context"
	"strings"
	"time"

	"github.com/zimi/zimi/download"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/state"
	"github.com/zimi/zimi/zim"
)

// freqIntervals maps the stored frequency names onto check intervals.
// Unknown names fall back to weekly.
var freqIntervals = map[string]time.Duration{
	"daily":   24 * time.Hour,
	"weekly":  7 * 24 * time.Hour,
	"monthly": 30 * 24 * time.Hour,
}

// Updater periodically checks the catalog and downloads newer editions
// of installed archives.
type Updater struct {
	Client    *Client
	Library   *library.Library
	Settings  *state.AutoUpdate
	Downloads *download.Manager
}

// InstalledArchives lists the library's dated archives in the shape
// CheckUpdates wants. Undated files have no edition to compare.
func InstalledArchives(lib *library.Library) []Installed {
	archives := lib.Archives()
	rows := make([]Installed, 0, len(archives))
	for _, a := range archives {
		_, date := zim.SplitDate(a.Filename)
		if date == "" {
			continue
		}
		rows = append(rows, Installed{Name: a.Name, Filename: a.Filename, Date: date})
	}
	return rows
}

// Run drives periodic update checks until ctx ends or the setting is
// switched off. initialDelay postpones the first check, giving a just
// started server time to settle before hitting the catalog.
func (u *Updater) Run(ctx context.Context, initialDelay time.Duration) {
	if initialDelay > 0 {
		zim.Infof(nil, "Auto-update: first check in %ds", int(initialDelay.Seconds()))
		if !u.wait(ctx, initialDelay, time.Second) {
			return
		}
	}
	_, freq := u.Settings.Settings()
	zim.Infof(nil, "Auto-update enabled: checking every %s", freq)
	for u.Settings.Enabled() {
		u.checkOnce(ctx)
		// Re-read the frequency each cycle, it may have changed.
		_, freq := u.Settings.Settings()
		interval, ok := freqIntervals[freq]
		if !ok {
			interval = freqIntervals["weekly"]
		}
		if !u.wait(ctx, interval, time.Minute) {
			return
		}
	}
}

// wait sleeps for total in step increments so a disable or shutdown is
// noticed promptly. It reports whether the updater should keep going.
func (u *Updater) wait(ctx context.Context, total, step time.Duration) bool {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		if !u.Settings.Enabled() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
	return u.Settings.Enabled()
}

// checkOnce runs one update check and starts downloads for whatever it
// finds.
func (u *Updater) checkOnce(ctx context.Context) {
	u.Settings.MarkChecked()
	updates, err := u.Client.CheckUpdates(ctx, InstalledArchives(u.Library))
	if err != nil {
		zim.Logf(nil, "Auto-update check failed: %v", err)
		return
	}
	if len(updates) == 0 {
		zim.Infof(nil, "Auto-update: all archives up to date")
		return
	}
	zim.Infof(nil, "Auto-update: %d updates available", len(updates))
	for _, upd := range updates {
		if upd.DownloadURL == "" {
			continue
		}
		filename := upd.DownloadURL[strings.LastIndex(upd.DownloadURL, "/")+1:]
		filename = strings.TrimSuffix(filename, ".meta4")
		if u.Downloads.Downloading(filename) {
			zim.Infof(nil, "Auto-update: skipping %s (already downloading)", filename)
			continue
		}
		id, err := u.Downloads.Start(upd.DownloadURL)
		if err != nil {
			zim.Logf(nil, "Auto-update download failed for %s: %v", upd.Name, err)
			continue
		}
		zim.Infof(nil, "Auto-update started download: %s (id=%s)", upd.Name, id)
	}
}
