package state

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zimi/zimi/lib/atomicfile"
	"github.com/zimi/zimi/zim"
)

// AutoUpdate holds the auto update settings. When the environment
// supplied them at startup the settings are locked: the API can read
// them but not change them.
type AutoUpdate struct {
	mu        sync.Mutex
	path      string
	locked    bool
	enabled   bool
	frequency string
	lastCheck time.Time
}

// autoUpdateDoc is the on-disk shape of auto_update.json.
type autoUpdateDoc struct {
	Enabled   bool   `json:"enabled"`
	Frequency string `json:"frequency"`
}

// NewAutoUpdate loads the settings. With locked set, enabled and freq
// come from the environment and auto_update.json is ignored.
func NewAutoUpdate(dataDir string, locked, enabled bool, freq string) *AutoUpdate {
	a := &AutoUpdate{
		path:      filepath.Join(dataDir, "auto_update.json"),
		locked:    locked,
		enabled:   enabled,
		frequency: freq,
	}
	if !locked {
		a.enabled = false
		var doc autoUpdateDoc
		if err := atomicfile.LoadJSON(a.path, &doc); err == nil {
			a.enabled = doc.Enabled
			if doc.Frequency != "" {
				a.frequency = doc.Frequency
			}
		} else if !os.IsNotExist(err) {
			zim.Debugf(nil, "Ignoring auto update config: %v", err)
		}
	}
	return a
}

// Locked reports whether the settings came from the environment.
func (a *AutoUpdate) Locked() bool {
	return a.locked
}

// Settings returns the current enabled flag and frequency.
func (a *AutoUpdate) Settings() (enabled bool, frequency string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled, a.frequency
}

// Enabled returns the enabled flag.
func (a *AutoUpdate) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Set changes the settings and persists them. It reports false when the
// settings are locked by the environment.
func (a *AutoUpdate) Set(enabled bool, frequency string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locked {
		return false
	}
	a.enabled = enabled
	a.frequency = frequency
	if err := atomicfile.SaveJSON(a.path, autoUpdateDoc{Enabled: enabled, Frequency: frequency}); err != nil {
		zim.Errorf(nil, "Could not save auto update config: %v", err)
	}
	return true
}

// MarkChecked records the time of the last update check.
func (a *AutoUpdate) MarkChecked() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastCheck = time.Now()
}

// LastCheck returns the time of the last update check, zero when none
// has run yet.
func (a *AutoUpdate) LastCheck() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCheck
}
