package library

import (
	"sync"

	"github.com/zimi/zimi/zim"
)

// poolEntry pairs an open reader with the mutex serialising access to
// it. The native reader is not safe for concurrent use, so every
// operation on the handle must hold mu.
type poolEntry struct {
	reader zim.Reader
	mu     sync.Mutex
}

// pool is a lazily filled set of reader handles for one workload. Each
// archive gets its own handle and lock, so operations on different
// archives run in parallel while each handle stays single threaded.
type pool struct {
	kind    string // content, fts or suggest, for logs
	mu      sync.Mutex
	entries map[string]*poolEntry
}

func newPool(kind string) *pool {
	return &pool{kind: kind, entries: map[string]*poolEntry{}}
}

// get returns the handle and per-archive lock for name, opening the
// archive at path on first use. The pool lock is held across the open,
// which serialises opens but keeps the double-check simple; opens
// happen once per archive per pool.
func (p *pool) get(name, path string, open func(string) (zim.Reader, error)) (zim.Reader, *sync.Mutex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[name]; ok {
		return e.reader, &e.mu
	}
	reader, err := open(path)
	if err != nil {
		zim.Errorf(nil, "Failed to open %s handle for %s: %v", p.kind, name, err)
		return nil, nil
	}
	zim.Debugf(nil, "Opened %s handle for %s", p.kind, name)
	e := &poolEntry{reader: reader}
	p.entries[name] = e
	return e.reader, &e.mu
}

// put inserts a pre-opened handle, closing any handle it replaces. The
// old handle's lock is taken first so in-flight operations finish.
func (p *pool) put(name string, reader zim.Reader) {
	p.mu.Lock()
	old := p.entries[name]
	p.entries[name] = &poolEntry{reader: reader}
	p.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		_ = old.reader.Close()
		old.mu.Unlock()
	}
}

// drop closes and removes the handle for name if present.
func (p *pool) drop(name string) {
	p.mu.Lock()
	e, ok := p.entries[name]
	delete(p.entries, name)
	p.mu.Unlock()
	if ok {
		e.mu.Lock()
		_ = e.reader.Close()
		e.mu.Unlock()
	}
}

// clear closes and removes every handle.
func (p *pool) clear() {
	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]*poolEntry{}
	p.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		_ = e.reader.Close()
		e.mu.Unlock()
	}
}

// size returns the number of open handles.
func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// keepOnly drops every handle whose name is not in keep.
func (p *pool) keepOnly(keep map[string]bool) {
	p.mu.Lock()
	var stale []string
	for name := range p.entries {
		if !keep[name] {
			stale = append(stale, name)
		}
	}
	p.mu.Unlock()
	for _, name := range stale {
		p.drop(name)
	}
}
