package state

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zimi/zimi/lib/atomicfile"
	"github.com/zimi/zimi/zim"
)

// historyMax bounds the persisted event ring.
const historyMax = 500

// Event is one history entry. Kind is one of "download", "updated",
// "download_failed" or "deleted"; the remaining fields are filled per
// kind.
type Event struct {
	Kind      string  `json:"event"`
	Time      float64 `json:"ts"` // unix seconds
	Filename  string  `json:"filename,omitempty"`
	Name      string  `json:"name,omitempty"`
	Title     string  `json:"title,omitempty"`
	HasIcon   bool    `json:"has_icon,omitempty"`
	SizeBytes int64   `json:"size_bytes,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// History is the persisted event log, newest first.
type History struct {
	mu   sync.Mutex
	path string
}

// NewHistory returns a History stored in dataDir.
func NewHistory(dataDir string) *History {
	return &History{path: filepath.Join(dataDir, "history.json")}
}

// Append adds an event to the front of the log, stamping it with the
// current time when unset, and trims the log to its maximum size.
func (h *History) Append(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Time == 0 {
		ev.Time = float64(time.Now().UnixNano()) / 1e9
	}
	events := h.load()
	events = append([]Event{ev}, events...)
	if len(events) > historyMax {
		events = events[:historyMax]
	}
	if err := atomicfile.SaveJSON(h.path, events); err != nil {
		zim.Errorf(nil, "Failed to write history: %v", err)
	}
}

// Events returns the log, newest first.
func (h *History) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load()
}

func (h *History) load() []Event {
	var events []Event
	if err := atomicfile.LoadJSON(h.path, &events); err != nil {
		if !os.IsNotExist(err) {
			zim.Debugf(nil, "Ignoring history file: %v", err)
		}
		return nil
	}
	return events
}
