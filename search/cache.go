package search

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zimi/zimi/lib/atomicfile"
	"github.com/zimi/zimi/zim"
)

const (
	suggestCacheTTL     = 900 * time.Second
	suggestCacheMax     = 500
	suggestPersistEvery = 50
)

// suggestHit is one cached title hit, stored with the snippet field so
// the JSON shape matches what the fast phase serves.
type suggestHit struct {
	Path    string `json:"path"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

type suggestEntry struct {
	Results []suggestHit `json:"results"`
	TS      float64      `json:"ts"`
}

// suggestCache caches per-archive title search results and persists
// them so a restart keeps warm queries warm. Keys are query+archive.
type suggestCache struct {
	path string

	mu      sync.Mutex
	entries map[string]suggestEntry
	puts    int
}

func newSuggestCache(dataDir string) *suggestCache {
	return &suggestCache{
		path:    filepath.Join(dataDir, "suggest_cache.json"),
		entries: map[string]suggestEntry{},
	}
}

func suggestKey(qLower, name string) string {
	return qLower + "\t" + name
}

func (c *suggestCache) get(qLower, name string) ([]suggestHit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := suggestKey(qLower, name)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if nowSeconds()-entry.TS >= suggestCacheTTL.Seconds() {
		delete(c.entries, key)
		return nil, false
	}
	return entry.Results, true
}

// put stores results and schedules an async persist every
// suggestPersistEvery writes. When full the entry with the oldest
// timestamp goes first.
func (c *suggestCache) put(qLower, name string, results []suggestHit) {
	c.mu.Lock()
	if len(c.entries) >= suggestCacheMax {
		oldestKey := ""
		oldestTS := 0.0
		for k, e := range c.entries {
			if oldestKey == "" || e.TS < oldestTS {
				oldestKey, oldestTS = k, e.TS
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[suggestKey(qLower, name)] = suggestEntry{Results: results, TS: nowSeconds()}
	c.puts++
	persist := c.puts%suggestPersistEvery == 0
	c.mu.Unlock()
	if persist {
		go c.persist()
	}
}

func (c *suggestCache) clear() {
	c.mu.Lock()
	c.entries = map[string]suggestEntry{}
	c.mu.Unlock()
	c.persist()
}

func (c *suggestCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// persist writes the cache to disk, or removes the file when the cache
// is empty.
func (c *suggestCache) persist() {
	c.mu.Lock()
	snapshot := make(map[string]suggestEntry, len(c.entries))
	for k, e := range c.entries {
		snapshot[k] = e
	}
	c.mu.Unlock()

	if len(snapshot) == 0 {
		_ = os.Remove(c.path)
		return
	}
	if err := atomicfile.SaveJSON(c.path, snapshot); err != nil {
		zim.Debugf(nil, "Suggest cache persist failed: %v", err)
		return
	}
	zim.Debugf(nil, "Suggest cache persisted: %d entries", len(snapshot))
}

// restore loads the persisted cache, dropping entries that expired
// while the server was down. Returns how many entries survived.
func (c *suggestCache) restore() int {
	var data map[string]suggestEntry
	if err := atomicfile.LoadJSON(c.path, &data); err != nil {
		return 0
	}
	now := nowSeconds()
	loaded := 0
	c.mu.Lock()
	for key, entry := range data {
		if now-entry.TS > suggestCacheTTL.Seconds() {
			continue
		}
		if !strings.Contains(key, "\t") {
			continue
		}
		c.entries[key] = entry
		loaded++
	}
	c.mu.Unlock()
	return loaded
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
