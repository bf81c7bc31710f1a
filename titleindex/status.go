package titleindex

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/zim"
)

// Status is the live build state reported by the health and stats
// endpoints.
type Status struct {
	State       string      `json:"state"` // idle | building | ready
	BuildingNow string      `json:"building_now,omitempty"`
	Built       int         `json:"built"`
	Total       int         `json:"total"`
	Ready       int         `json:"ready"`
	StartedAt   float64     `json:"started_at,omitempty"`
	FinishedAt  float64     `json:"finished_at,omitempty"`
	Errors      [][2]string `json:"errors"`
}

// IndexInfo describes one index database on disk.
type IndexInfo struct {
	Name    string  `json:"name"`
	SizeMB  float64 `json:"size_mb"`
	Entries int     `json:"entries"`
	HasFTS  bool    `json:"has_fts"`
}

// Stats is Status plus the per-index breakdown.
type Stats struct {
	Status
	TotalSizeGB float64     `json:"total_size_gb"`
	IndexCount  int         `json:"index_count"`
	Indexes     []IndexInfo `json:"indexes"`
}

// Status returns a copy of the current build status.
func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	s := m.status
	s.Errors = append([][2]string{}, m.status.Errors...)
	return s
}

func (m *Manager) setStatus(update func(*Status)) {
	m.statusMu.Lock()
	update(&m.status)
	m.statusMu.Unlock()
}

// Stats gathers Status plus size, entry count and inverted-index flag
// for every index on disk, largest first. Ready and Total are live
// counts: indexes on disk versus installed archives.
func (m *Manager) Stats() Stats {
	stats := Stats{Status: m.Status()}
	var totalSize int64
	entries, _ := os.ReadDir(m.dir)
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".db") {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		totalSize += fi.Size()
		name := strings.TrimSuffix(ent.Name(), ".db")
		info := IndexInfo{
			Name:   name,
			SizeMB: float64(int64(float64(fi.Size())/(1<<20)*10+0.5)) / 10,
		}
		if db := m.db(name); db != nil {
			_ = db.View(func(tx *bolt.Tx) error {
				meta := tx.Bucket(bucketMeta)
				if meta == nil {
					return nil
				}
				if v := meta.Get([]byte("entry_count")); v != nil {
					info.Entries, _ = strconv.Atoi(string(v))
				}
				if v := meta.Get([]byte("has_fts")); v != nil {
					info.HasFTS = string(v) == "1"
				} else {
					info.HasFTS = tx.Bucket(bucketWords) != nil
				}
				return nil
			})
		}
		stats.Indexes = append(stats.Indexes, info)
	}
	sort.SliceStable(stats.Indexes, func(i, j int) bool {
		return stats.Indexes[i].SizeMB > stats.Indexes[j].SizeMB
	})
	stats.TotalSizeGB = float64(int64(float64(totalSize)/(1<<30)*10+0.5)) / 10
	stats.IndexCount = len(stats.Indexes)
	stats.Ready = len(stats.Indexes)
	stats.Total = m.lib.Count()
	return stats
}

// BuildAll builds missing and stale indexes for every installed
// archive, then prunes leftovers, warms the handle pool and adds small
// missing inverted indexes. Runs in the background at startup; a second
// concurrent call waits for the first.
func (m *Manager) BuildAll() {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	if err := os.MkdirAll(m.dir, 0777); err != nil {
		zim.Errorf(nil, "Title index dir: %v", err)
		return
	}
	archives := m.lib.Archives()

	var stale []*library.Archive
	current := 0
	for _, arc := range archives {
		if m.IsCurrent(arc.Name, arc.ModTime) {
			current++
		} else {
			stale = append(stale, arc)
		}
	}

	m.setStatus(func(s *Status) {
		s.Total = len(archives)
		s.Ready = current
		if len(stale) == 0 {
			s.State = "ready"
		} else {
			s.State = "building"
			s.StartedAt = now()
		}
	})

	built := 0
	for _, arc := range stale {
		name := arc.Name
		m.setStatus(func(s *Status) { s.BuildingNow = name })
		if err := m.Build(name); err != nil {
			zim.Logf(nil, "Title index build failed for %s: %v", name, err)
			m.setStatus(func(s *Status) { s.Errors = append(s.Errors, [2]string{name, err.Error()}) })
			continue
		}
		built++
		m.setStatus(func(s *Status) { s.Ready++; s.Built++ })
	}
	m.setStatus(func(s *Status) {
		s.State = "ready"
		s.BuildingNow = ""
		s.FinishedAt = now()
	})
	if built > 0 {
		zim.Infof(nil, "Title index: built %d new indexes", built)
	}

	m.Prune()
	warmed := m.Warm()
	zim.Infof(nil, "Title index pool warmed: %d handles", warmed)
	m.autoInverted()
}

// Prune removes index databases whose archive is gone.
func (m *Manager) Prune() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if !strings.HasSuffix(ent.Name(), ".db") {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), ".db")
		if _, ok := m.lib.Archive(name); !ok {
			m.Remove(name)
		}
	}
}

// Warm opens every index and touches its first row so the first real
// query does not pay for cold page reads.
func (m *Manager) Warm() int {
	warmed := 0
	for _, name := range m.lib.Names() {
		db := m.db(name)
		if db == nil {
			continue
		}
		err := db.View(func(tx *bolt.Tx) error {
			if titles := tx.Bucket(bucketTitles); titles != nil {
				c := titles.Cursor()
				c.First()
			}
			return nil
		})
		if err == nil {
			warmed++
		}
	}
	return warmed
}

// autoInverted adds the words bucket to indexes that lack it and are
// small enough to finish quickly.
func (m *Manager) autoInverted() {
	added := 0
	for _, name := range m.lib.Names() {
		fi, err := os.Stat(m.Path(name))
		if err != nil {
			continue
		}
		if float64(fi.Size())/(1<<20) >= autoInvertedMaxMB {
			continue
		}
		db := m.db(name)
		if db == nil {
			continue
		}
		hasWords := false
		if db.View(func(tx *bolt.Tx) error {
			meta := tx.Bucket(bucketMeta)
			if meta != nil && string(meta.Get([]byte("has_fts"))) == "1" {
				hasWords = true
			}
			return nil
		}) != nil || hasWords {
			continue
		}
		m.setStatus(func(s *Status) { s.State = "building"; s.BuildingNow = name })
		if _, err := m.BuildInverted(name); err != nil {
			zim.Logf(nil, "Auto inverted index build failed for %s: %v", name, err)
		} else {
			added++
		}
	}
	m.setStatus(func(s *Status) {
		s.State = "ready"
		s.BuildingNow = ""
		s.FinishedAt = now()
	})
	if added > 0 {
		zim.Infof(nil, "Auto-built inverted index for %d indexes", added)
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
