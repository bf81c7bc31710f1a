package server

import (
	"sort"
	"sync"

	"github.com/zimi/zimi/library"
)

// zimUsage is one archive's counters.
type zimUsage struct {
	Reads    int `json:"reads"`
	Searches int `json:"searches"`
}

// topZim is one row of the usage leaderboard.
type topZim struct {
	Name     string `json:"name"`
	Reads    int    `json:"reads"`
	Searches int    `json:"searches"`
}

// usageSnapshot is the /manage/usage response.
type usageSnapshot struct {
	Searches     int      `json:"searches"`
	ArticleReads int      `json:"article_reads"`
	TopZims      []topZim `json:"top_zims"`
}

// usage counts searches and article reads since startup. Counters live
// in memory only and reset when the process restarts.
type usage struct {
	lib *library.Library

	mu       sync.Mutex
	searches int
	reads    int
	byZim    map[string]*zimUsage
}

func newUsage(lib *library.Library) *usage {
	return &usage{lib: lib, byZim: map[string]*zimUsage{}}
}

// RecordSearch counts one search. Searches are not attributed to an
// archive: a query usually spans several.
func (u *usage) RecordSearch() {
	u.mu.Lock()
	u.searches++
	u.mu.Unlock()
}

// RecordRead counts one article read against name when it is a known
// archive. Reads against unknown names still count in the total.
func (u *usage) RecordRead(name string) {
	known := false
	if name != "" {
		_, known = u.lib.Archive(name)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reads++
	if !known {
		return
	}
	row := u.byZim[name]
	if row == nil {
		row = &zimUsage{}
		u.byZim[name] = row
	}
	row.Reads++
}

// Snapshot returns the totals plus the ten busiest archives.
func (u *usage) Snapshot() usageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	rows := make([]topZim, 0, len(u.byZim))
	for name, z := range u.byZim {
		rows = append(rows, topZim{Name: name, Reads: z.Reads, Searches: z.Searches})
	}
	sort.Slice(rows, func(i, j int) bool {
		ri, rj := rows[i].Reads+rows[i].Searches, rows[j].Reads+rows[j].Searches
		if ri != rj {
			return ri > rj
		}
		return rows[i].Name < rows[j].Name
	})
	if len(rows) > 10 {
		rows = rows[:10]
	}
	return usageSnapshot{Searches: u.searches, ArticleReads: u.reads, TopZims: rows}
}
