// Package zimtest provides an in-memory zim.Driver for tests. Archives are
// assembled with the builder methods and served by a Driver keyed on file
// path, so tests can exercise the library, search and serving layers
// without real ZIM files.
package zimtest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/zimi/zimi/zim"
)

// Entry is an in-memory archive entry.
type Entry struct {
	arc        *Archive
	path       string
	title      string
	mime       string
	content    []byte
	redirectTo string
}

// Path implements zim.Entry.
func (e *Entry) Path() string { return e.path }

// Title implements zim.Entry.
func (e *Entry) Title() string { return e.title }

// IsRedirect implements zim.Entry.
func (e *Entry) IsRedirect() bool { return e.redirectTo != "" }

// Redirect implements zim.Entry.
func (e *Entry) Redirect() (zim.Entry, error) {
	if e.redirectTo == "" {
		return nil, fmt.Errorf("entry %q is not a redirect", e.path)
	}
	t, ok := e.arc.byPath[e.redirectTo]
	if !ok {
		return nil, zim.ErrNotFound
	}
	return t, nil
}

// Size implements zim.Entry.
func (e *Entry) Size() int64 { return int64(len(e.content)) }

// MimeType implements zim.Entry.
func (e *Entry) MimeType() string { return e.mime }

// Content implements zim.Entry.
func (e *Entry) Content() ([]byte, error) { return e.content, nil }

// Archive is an in-memory ZIM archive. Build it up with the Add methods
// before handing it to a Driver; mutating it after a reader is open is not
// supported.
type Archive struct {
	meta     map[string]string
	mainPath string
	entries  []*Entry // id order: articles first, then redirects/assets
	articles int
	byPath   map[string]*Entry
	fulltext bool

	// SearchFunc overrides the built-in substring search when set.
	SearchFunc func(query string, limit int) ([]zim.Hit, error)
	// SuggestFunc overrides the built-in prefix suggestion when set.
	SuggestFunc func(query string, limit int) ([]zim.Hit, error)
}

// NewArchive returns an empty archive with the given Title metadata.
func NewArchive(title string) *Archive {
	a := &Archive{
		meta:   map[string]string{},
		byPath: map[string]*Entry{},
	}
	if title != "" {
		a.meta["Title"] = title
	}
	return a
}

// SetMetadata sets a metadata key.
func (a *Archive) SetMetadata(key, value string) *Archive {
	a.meta[key] = value
	return a
}

// SetMain sets the main page path.
func (a *Archive) SetMain(path string) *Archive {
	a.mainPath = path
	return a
}

// SetFulltext marks the archive as carrying an embedded full text index.
func (a *Archive) SetFulltext(on bool) *Archive {
	a.fulltext = on
	return a
}

// AddEntry adds an article entry and returns the archive for chaining.
func (a *Archive) AddEntry(path, title, mime string, content []byte) *Archive {
	e := &Entry{arc: a, path: path, title: title, mime: mime, content: content}
	// articles keep the low ids
	a.entries = append(a.entries[:a.articles], append([]*Entry{e}, a.entries[a.articles:]...)...)
	a.articles++
	a.byPath[path] = e
	return a
}

// AddHTML adds a text/html article.
func (a *Archive) AddHTML(path, title, body string) *Archive {
	return a.AddEntry(path, title, "text/html", []byte(body))
}

// AddAsset adds a non-article entry (image, script, stylesheet).
func (a *Archive) AddAsset(path, mime string, content []byte) *Archive {
	e := &Entry{arc: a, path: path, mime: mime, content: content}
	a.entries = append(a.entries, e)
	a.byPath[path] = e
	return a
}

// AddRedirect adds a redirect entry pointing at target.
func (a *Archive) AddRedirect(path, title, target string) *Archive {
	e := &Entry{arc: a, path: path, title: title, redirectTo: target}
	a.entries = append(a.entries, e)
	a.byPath[path] = e
	return a
}

// reader is one open handle onto an Archive.
type reader struct {
	a      *Archive
	mu     sync.Mutex
	closed bool
}

// EntryCount implements zim.Reader.
func (r *reader) EntryCount() int { return r.a.articles }

// AllEntryCount implements zim.Reader.
func (r *reader) AllEntryCount() int { return len(r.a.entries) }

// Metadata implements zim.Reader.
func (r *reader) Metadata(key string) ([]byte, error) {
	v, ok := r.a.meta[key]
	if !ok {
		return nil, zim.ErrNotFound
	}
	return []byte(v), nil
}

// MetadataKeys implements zim.Reader.
func (r *reader) MetadataKeys() []string {
	keys := make([]string, 0, len(r.a.meta))
	for k := range r.a.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MainPath implements zim.Reader.
func (r *reader) MainPath() (string, error) {
	if r.a.mainPath == "" {
		return "", zim.ErrNotFound
	}
	e, ok := r.a.byPath[r.a.mainPath]
	if !ok {
		return r.a.mainPath, nil
	}
	for e.IsRedirect() {
		t, err := e.Redirect()
		if err != nil {
			break
		}
		e = t.(*Entry)
	}
	return e.Path(), nil
}

// EntryByPath implements zim.Reader.
func (r *reader) EntryByPath(path string) (zim.Entry, error) {
	e, ok := r.a.byPath[path]
	if !ok {
		return nil, zim.ErrNotFound
	}
	return e, nil
}

// EntryAt implements zim.Reader.
func (r *reader) EntryAt(i int) (zim.Entry, error) {
	if i < 0 || i >= len(r.a.entries) {
		return nil, zim.ErrNotFound
	}
	return r.a.entries[i], nil
}

// Suggest implements zim.Reader with a case-insensitive prefix match over
// titles, falling back to substring matches.
func (r *reader) Suggest(query string, limit int) ([]zim.Hit, error) {
	if r.a.SuggestFunc != nil {
		return r.a.SuggestFunc(query, limit)
	}
	q := strings.ToLower(query)
	var prefix, contains []zim.Hit
	for _, e := range r.a.entries[:r.a.articles] {
		t := strings.ToLower(e.title)
		switch {
		case strings.HasPrefix(t, q):
			prefix = append(prefix, zim.Hit{Path: e.path, Title: e.title})
		case strings.Contains(t, q):
			contains = append(contains, zim.Hit{Path: e.path, Title: e.title})
		}
	}
	hits := append(prefix, contains...)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Search implements zim.Reader with a naive all-words match over title and
// content.
func (r *reader) Search(query string, limit int) ([]zim.Hit, error) {
	if r.a.SearchFunc != nil {
		return r.a.SearchFunc(query, limit)
	}
	if !r.a.fulltext {
		return nil, nil
	}
	words := strings.Fields(strings.ToLower(query))
	var hits []zim.Hit
	for _, e := range r.a.entries[:r.a.articles] {
		hay := strings.ToLower(e.title + " " + string(e.content))
		ok := true
		for _, w := range words {
			w = strings.Trim(w, `"`)
			if !strings.Contains(hay, w) {
				ok = false
				break
			}
		}
		if ok {
			hits = append(hits, zim.Hit{Path: e.path, Title: e.title})
			if len(hits) >= limit {
				break
			}
		}
	}
	return hits, nil
}

// HasFulltext implements zim.Reader.
func (r *reader) HasFulltext() bool { return r.a.fulltext }

// Close implements zim.Reader.
func (r *reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("reader already closed")
	}
	r.closed = true
	return nil
}

// Driver serves archives by file path.
type Driver struct {
	mu       sync.Mutex
	archives map[string]*Archive
	opens    map[string]int
}

// NewDriver returns an empty driver.
func NewDriver() *Driver {
	return &Driver{archives: map[string]*Archive{}, opens: map[string]int{}}
}

// Name implements zim.Driver.
func (d *Driver) Name() string { return "zimtest" }

// Add maps a file path to an archive.
func (d *Driver) Add(path string, a *Archive) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.archives[path] = a
}

// Opens reports how many times path has been opened.
func (d *Driver) Opens(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[path]
}

// Open implements zim.Driver.
func (d *Driver) Open(path string) (zim.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.archives[path]
	if !ok {
		return nil, fmt.Errorf("zimtest: no archive at %q", path)
	}
	d.opens[path]++
	return &reader{a: a}, nil
}

// WriteStub creates a small placeholder file for path-based scans. It
// returns the full path of the created file.
func WriteStub(t testing.TB, dir, filename string) string {
	t.Helper()
	p := filepath.Join(dir, filename)
	if err := os.WriteFile(p, []byte("zimtest stub: "+filename), 0600); err != nil {
		t.Fatalf("write stub %s: %v", filename, err)
	}
	return p
}
