// Package state persists zimi's small JSON state documents in the data
// directory: collections and favorites, the event history, the manage
// password hash and the auto update settings.
//
// Every document is written via temp file + rename and every reader
// tolerates a missing, corrupt or version-mismatched file by starting
// from the default value again. None of this state is precious enough to
// fail startup over.
package state

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/zimi/zimi/lib/atomicfile"
	"github.com/zimi/zimi/zim"
)

// CollectionsVersion is the schema version of collections.json. A file
// with any other version is discarded.
const CollectionsVersion = 1

// Limits on collection documents. ToggleFavorite enforces MaxFavorites;
// the HTTP layer enforces the rest before calling Set.
const (
	MaxFavorites      = 100
	MaxCollectionName = 64
	MaxCollectionLen  = 128 // label length
	MaxCollectionZims = 200
)

// Collection is a named group of archives.
type Collection struct {
	Label string   `json:"label"`
	Zims  []string `json:"zims"`
}

// collectionsDoc is the on-disk shape of collections.json.
type collectionsDoc struct {
	Version     int                   `json:"version"`
	Favorites   []string              `json:"favorites"`
	Collections map[string]Collection `json:"collections"`
}

// Collections holds favorites and named archive groups.
type Collections struct {
	mu   sync.Mutex
	path string
	doc  collectionsDoc
}

// NewCollections loads collections.json from dataDir.
func NewCollections(dataDir string) *Collections {
	c := &Collections{path: filepath.Join(dataDir, "collections.json")}
	c.doc = c.load()
	return c
}

func (c *Collections) load() collectionsDoc {
	def := collectionsDoc{Version: CollectionsVersion, Favorites: []string{}, Collections: map[string]Collection{}}
	var doc collectionsDoc
	if err := atomicfile.LoadJSON(c.path, &doc); err != nil {
		if !os.IsNotExist(err) {
			zim.Debugf(nil, "Ignoring collections file: %v", err)
		}
		return def
	}
	if doc.Version != CollectionsVersion {
		return def
	}
	if doc.Favorites == nil {
		doc.Favorites = []string{}
	}
	if doc.Collections == nil {
		doc.Collections = map[string]Collection{}
	}
	return doc
}

func (c *Collections) save() {
	c.doc.Version = CollectionsVersion
	if err := atomicfile.SaveJSON(c.path, &c.doc); err != nil {
		zim.Errorf(nil, "Could not save collections: %v", err)
	}
}

// Favorites returns a copy of the favorites list.
func (c *Collections) Favorites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.doc.Favorites...)
}

// ToggleFavorite adds name if absent and removes it if present. It
// returns the action taken ("added" or "removed") and the new list.
// Adding beyond MaxFavorites changes nothing and returns "full".
func (c *Collections) ToggleFavorite(name string) (status string, favorites []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, f := range c.doc.Favorites {
		if f == name {
			found = true
			break
		}
	}
	if !found && len(c.doc.Favorites) >= MaxFavorites {
		return "full", append([]string(nil), c.doc.Favorites...)
	}
	if found {
		kept := c.doc.Favorites[:0]
		for _, f := range c.doc.Favorites {
			if f != name {
				kept = append(kept, f)
			}
		}
		c.doc.Favorites = kept
		status = "removed"
	} else {
		c.doc.Favorites = append(c.doc.Favorites, name)
		status = "added"
	}
	c.save()
	return status, append([]string(nil), c.doc.Favorites...)
}

// Get returns the collection stored under name.
func (c *Collections) Get(name string) (Collection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.doc.Collections[name]
	return col, ok
}

// All returns a copy of the collections map.
func (c *Collections) All() map[string]Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Collection, len(c.doc.Collections))
	for k, v := range c.doc.Collections {
		out[k] = Collection{Label: v.Label, Zims: append([]string(nil), v.Zims...)}
	}
	return out
}

// Set stores a collection under name, replacing any existing one.
func (c *Collections) Set(name string, col Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc.Collections[name] = col
	c.save()
}

// Delete removes the named collection, reporting whether it existed.
func (c *Collections) Delete(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.doc.Collections[name]
	delete(c.doc.Collections, name)
	if ok {
		c.save()
	}
	return ok
}

// slugRe matches runs of characters that cannot appear in a collection
// name.
var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a collection name from its label: lowercased, with every
// run of non-alphanumerics collapsed to a single dash.
func Slug(label string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(label), "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxCollectionName {
		s = s[:MaxCollectionName]
	}
	return s
}
