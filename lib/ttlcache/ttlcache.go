// Package ttlcache implements a bounded cache whose entries expire a
// fixed time after creation.
//
// Unlike a last-used cache, expiry is measured from when the entry was
// stored, so a hot entry still gets refreshed periodically. An entry that
// has been read at least once may be given a longer lifetime, which keeps
// popular entries around without letting cold ones accumulate. When the
// cache is full the entry with the oldest creation time is evicted.
package ttlcache

import (
	"sync"
	"time"
)

// Cache holds values indexed by string. All methods are safe for
// concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration // lifetime of a never re-read entry
	extended   time.Duration // lifetime once an entry has been re-read
	maxEntries int           // evict oldest created beyond this, 0 = unbounded
}

type entry struct {
	value    interface{}
	created  time.Time
	accesses int
}

// New creates a Cache. Entries live for ttl after creation, or for
// extended once they have been read back at least once. Pass extended ==
// ttl for a flat lifetime. maxEntries of 0 means unbounded.
func New(ttl, extended time.Duration, maxEntries int) *Cache {
	return &Cache{
		entries:    map[string]*entry{},
		ttl:        ttl,
		extended:   extended,
		maxEntries: maxEntries,
	}
}

// lifetime returns the expiry duration for e.
func (c *Cache) lifetime(e *entry) time.Duration {
	if e.accesses > 0 {
		return c.extended
	}
	return c.ttl
}

// Get returns the value stored at key, or (nil, false) when absent or
// expired. A hit marks the entry as re-read which may extend its
// lifetime.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.created) > c.lifetime(e) {
		delete(c.entries, key)
		return nil, false
	}
	e.accesses++
	return e.value, true
}

// Put stores value at key, evicting the oldest entry if the cache is
// full. Storing over an existing key resets its creation time.
func (c *Cache) Put(key string, value interface{}) {
	c.PutAt(key, value, time.Now())
}

// PutAt is Put with an explicit creation time. It is used to restore
// persisted entries with their original expiry.
func (c *Cache) PutAt(key string, value interface{}, created time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = &entry{value: value, created: created}
}

// evictOldest removes the entry with the oldest creation time.
// Called with the lock held.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.created.Before(oldest) {
			oldestKey, oldest = k, e.created
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Delete removes the entry at key, reporting whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.entries[key]
	delete(c.entries, key)
	return found
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*entry{}
}

// Len returns the number of entries including any not yet expired.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Item is a snapshot of one cache entry.
type Item struct {
	Value   interface{}
	Created time.Time
}

// Items returns a snapshot of all unexpired entries, for persistence.
func (c *Cache) Items() map[string]Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Item, len(c.entries))
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.created) > c.lifetime(e) {
			continue
		}
		out[k] = Item{Value: e.value, Created: e.created}
	}
	return out
}
