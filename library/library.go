// Package library owns the set of installed ZIM archives: the directory
// scan, the persistent metadata cache and the reader handle pools.
//
// Three independent pools serve three workloads: content reads, full
// text search and title suggestions. The native reader is not safe for
// concurrent use on one handle, and a single shared handle would let a
// slow Xapian query block a cheap title lookup, so each workload gets
// its own handle per archive with its own lock. Handles open lazily on
// first use; opening a multi-gigabyte archive on spinning media takes
// long enough that eager opening of a large library would stall startup.
//
// Lock ordering is library lock, then pool lock, then per-archive lock.
// The library lock is only taken for writing by LoadCache, so readers
// usually just graze it.
package library

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zimi/zimi/zim"
)

// Archive is the library's metadata for one installed ZIM file. Fields
// are immutable once the Archive is published; LoadCache swaps whole
// values rather than mutating them.
type Archive struct {
	Name        string  `json:"name"`
	Filename    string  `json:"file"`
	Path        string  `json:"-"`
	Size        int64   `json:"-"`
	SizeGB      float64 `json:"size_gb"`
	ModTime     float64 `json:"-"`
	Entries     int     `json:"entries"` // -1 when unknown
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Date        string  `json:"date"`
	HasIcon     bool    `json:"has_icon"`
	MainPath    string  `json:"main_path"`
	Category    string  `json:"category"`
}

// Library is the set of installed archives plus the reader pools.
type Library struct {
	dir     string
	dataDir string
	driver  zim.Driver

	mu       sync.RWMutex
	archives map[string]*Archive
	order    []string // archive names sorted by filename scan order

	content *pool
	fts     *pool
	suggest *pool
}

// New creates a Library over dir, persisting state under dataDir and
// opening archives with driver. Call LoadCache before first use.
func New(dir, dataDir string, driver zim.Driver) *Library {
	return &Library{
		dir:      dir,
		dataDir:  dataDir,
		driver:   driver,
		archives: map[string]*Archive{},
		content:  newPool("content"),
		fts:      newPool("fts"),
		suggest:  newPool("suggest"),
	}
}

// open opens the archive at path with the library's driver.
func (l *Library) open(path string) (zim.Reader, error) {
	if l.driver != nil {
		return l.driver.Open(path)
	}
	return zim.Open(path)
}

// scanFiles lists *.zim files in the archive directory, sorted, mapped
// short name → path. Two files collapsing to the same short name is a
// configuration error; the later one wins.
func (l *Library) scanFiles() (map[string]string, []string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*.zim"))
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", l.dir, err)
	}
	sort.Strings(matches)
	files := make(map[string]string, len(matches))
	var names []string
	for _, path := range matches {
		name := zim.ShortName(filepath.Base(path))
		if _, dup := files[name]; dup {
			zim.Logf(nil, "Duplicate short name %q, keeping %s", name, filepath.Base(path))
			// drop the earlier name from the order, it will be re-added
			for i, n := range names {
				if n == name {
					names = append(names[:i], names[i+1:]...)
					break
				}
			}
		}
		files[name] = path
		names = append(names, name)
	}
	return files, names, nil
}

// LoadCache scans the archive directory and rebuilds the metadata set,
// reusing cache.json rows whose (mtime, size) still match and rescanning
// the rest. force discards the disk cache entirely. It returns the
// number of archives that had to be opened.
//
// Freshly scanned readers are parked in the content pool so the open is
// not wasted; handles for files that vanished are closed in all pools.
func (l *Library) LoadCache(force bool) (scanned int, err error) {
	start := time.Now()
	files, names, err := l.scanFiles()
	if err != nil {
		return 0, err
	}

	var disk map[string]cacheRow
	if !force {
		disk = l.loadDiskCache()
	}

	archives := make(map[string]*Archive, len(files))
	rows := make(map[string]cacheRow, len(files))
	for _, name := range names {
		path := files[name]
		fi, statErr := os.Stat(path)
		if statErr != nil {
			zim.Errorf(nil, "Skipping %s: %v", path, statErr)
			continue
		}
		filename := filepath.Base(path)
		if row, ok := disk[filename]; ok && row.ModTime == modTimeSeconds(fi) && row.Size == fi.Size() {
			archives[name] = archiveFromRow(name, path, fi, row)
			rows[filename] = row
			continue
		}
		arc, reader := l.extractMetadata(name, path, fi)
		if reader != nil {
			l.content.put(name, reader)
		}
		archives[name] = arc
		rows[filename] = rowFromArchive(arc)
		scanned++
	}

	l.mu.Lock()
	l.archives = archives
	l.order = nil
	for _, name := range names {
		if _, ok := archives[name]; ok {
			l.order = append(l.order, name)
		}
	}
	l.mu.Unlock()

	// Drop pool handles for archives that disappeared
	keep := make(map[string]bool, len(archives))
	for name := range archives {
		keep[name] = true
	}
	l.content.keepOnly(keep)
	l.fts.keepOnly(keep)
	l.suggest.keepOnly(keep)

	if scanned > 0 || disk == nil {
		l.saveDiskCache(rows)
	}
	zim.Infof(nil, "Library loaded: %d archives (%d scanned) in %.1fs", len(archives), scanned, time.Since(start).Seconds())
	return scanned, nil
}

// Archive returns the metadata for name.
func (l *Library) Archive(name string) (*Archive, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	arc, ok := l.archives[name]
	return arc, ok
}

// Archives lists all archives in scan order.
func (l *Library) Archives() []*Archive {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Archive, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.archives[name])
	}
	return out
}

// Names lists the archive short names in scan order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.order...)
}

// Count returns the number of installed archives.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.archives)
}

// TotalSizeGB sums the size of all archives.
func (l *Library) TotalSizeGB() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, arc := range l.archives {
		total += arc.SizeGB
	}
	return round3(total)
}

// path resolves name to its file path.
func (l *Library) path(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	arc, ok := l.archives[name]
	if !ok {
		return "", false
	}
	return arc.Path, true
}

// ContentArchive returns the content-pool handle and per-archive lock
// for name, or (nil, nil) when the archive is unknown or fails to open.
// Hold the lock for every operation on the handle and release it before
// writing response bodies.
func (l *Library) ContentArchive(name string) (zim.Reader, *sync.Mutex) {
	path, ok := l.path(name)
	if !ok {
		return nil, nil
	}
	return l.content.get(name, path, l.open)
}

// FTSArchive returns the full text search handle and lock for name.
func (l *Library) FTSArchive(name string) (zim.Reader, *sync.Mutex) {
	path, ok := l.path(name)
	if !ok {
		return nil, nil
	}
	return l.fts.get(name, path, l.open)
}

// SuggestArchive returns the title suggestion handle and lock for name.
func (l *Library) SuggestArchive(name string) (zim.Reader, *sync.Mutex) {
	path, ok := l.path(name)
	if !ok {
		return nil, nil
	}
	return l.suggest.get(name, path, l.open)
}

// OpenDedicated opens a fresh reader for name outside every pool. Title
// index builds use this so hours of iteration never hold a pool handle.
// The caller owns the reader and must close it.
func (l *Library) OpenDedicated(name string) (zim.Reader, error) {
	path, ok := l.path(name)
	if !ok {
		return nil, fmt.Errorf("archive %q not installed", name)
	}
	return l.open(path)
}

// ClearSearchPools closes all suggestion and FTS handles. Called when
// the library changes; handles reopen lazily on next use.
func (l *Library) ClearSearchPools() {
	l.suggest.clear()
	l.fts.clear()
}

// Close closes every pooled handle.
func (l *Library) Close() {
	l.content.clear()
	l.fts.clear()
	l.suggest.clear()
}

// Dir returns the archive directory.
func (l *Library) Dir() string {
	return l.dir
}

// DataDir returns the state directory.
func (l *Library) DataDir() string {
	return l.dataDir
}

// OpenHandles reports how many handles each pool holds, for stats.
func (l *Library) OpenHandles() map[string]int {
	return map[string]int{
		"content": l.content.size(),
		"fts":     l.fts.size(),
		"suggest": l.suggest.size(),
	}
}
