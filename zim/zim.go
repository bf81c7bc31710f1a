// Package zim defines the reader contract for ZIM archives together with
// the naming, category, MIME and logging helpers shared by the rest of
// zimi.
//
// Parsing the ZIM container format is out of scope here. A Driver wraps a
// native reader library and registers itself in an init function; the core
// only ever talks to the Reader and Entry interfaces, so swapping reader
// implementations (or faking one in tests) needs no changes elsewhere.
package zim

import (
	"errors"
	"sync"
)

// Errors returned by readers and lookups.
var (
	// ErrNotFound means the archive has no entry at the requested path.
	ErrNotFound = errors.New("entry not found")

	// ErrNoDriver means no reader driver has been registered.
	ErrNoDriver = errors.New("no zim reader driver registered")
)

// Hit is a single result from a reader's native suggestion or full text
// search.
type Hit struct {
	Path  string
	Title string
}

// Entry is a single directory entry in a ZIM archive.
type Entry interface {
	// Path returns the entry path without namespace decoration.
	Path() string
	// Title returns the entry title, which may be empty.
	Title() string
	// IsRedirect reports whether the entry is a redirect.
	IsRedirect() bool
	// Redirect returns the target of a redirect entry.
	Redirect() (Entry, error)
	// Size returns the uncompressed content size in bytes.
	Size() int64
	// MimeType returns the MIME type stored in the archive. It may be
	// empty or a bare token such as "mp4". Use FixMimeType to get
	// something servable.
	MimeType() string
	// Content returns the entry payload.
	Content() ([]byte, error)
}

// Reader is an open ZIM archive.
//
// Readers are not safe for concurrent use. Callers serialise access with
// the per-archive locks handed out by the library pools.
type Reader interface {
	// EntryCount returns the number of article entries.
	EntryCount() int
	// AllEntryCount returns the number of entries of every kind,
	// redirects and assets included. Title index builds iterate this
	// range.
	AllEntryCount() int
	// Metadata returns the value of a metadata key such as "Title".
	// Missing keys return ErrNotFound.
	Metadata(key string) ([]byte, error)
	// MetadataKeys lists the metadata keys present in the archive.
	MetadataKeys() []string
	// MainPath returns the path of the main page with redirects
	// followed.
	MainPath() (string, error)
	// EntryByPath looks up an entry by its exact path. Namespace
	// fallbacks are the caller's business.
	EntryByPath(path string) (Entry, error)
	// EntryAt returns the entry with id i. Ids run over the full entry
	// space [0, AllEntryCount); article entries cluster at the low end,
	// so random pickers bound their probes by EntryCount instead.
	EntryAt(i int) (Entry, error)
	// Suggest runs the reader's title suggestion search.
	Suggest(query string, limit int) ([]Hit, error)
	// Search runs the reader's full text search. Archives without an
	// embedded index return no results.
	Search(query string, limit int) ([]Hit, error)
	// HasFulltext reports whether the archive embeds a full text index.
	HasFulltext() bool
	Close() error
}

// Driver opens ZIM archives.
type Driver interface {
	// Name identifies the driver in logs.
	Name() string
	// Open opens the archive at path.
	Open(path string) (Reader, error)
}

var (
	driverMu sync.Mutex
	driver   Driver
)

// RegisterDriver sets the driver used to open archives. Driver packages
// call this from an init function. The last registration wins.
func RegisterDriver(d Driver) {
	driverMu.Lock()
	defer driverMu.Unlock()
	driver = d
}

// ActiveDriver returns the registered driver.
func ActiveDriver() (Driver, error) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if driver == nil {
		return nil, ErrNoDriver
	}
	return driver, nil
}

// Open opens the archive at path with the registered driver.
func Open(path string) (Reader, error) {
	d, err := ActiveDriver()
	if err != nil {
		return nil, err
	}
	return d.Open(path)
}
