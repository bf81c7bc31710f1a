package titleindex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	bolt "go.etcd.io/bbolt"

	"github.com/zimi/zimi/zim"
)

// assetExts are entry path extensions that never carry article titles
// worth indexing.
var assetExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".webp": true, ".ico": true, ".avif": true,
	".css": true, ".js": true, ".json": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".mp3": true, ".mp4": true, ".ogg": true, ".wav": true, ".webm": true,
}

func isAssetPath(path string) bool {
	if dot := strings.LastIndexByte(path, '.'); dot >= 0 {
		return assetExts[strings.ToLower(path[dot:])]
	}
	return false
}

// Build indexes all titles of the named archive into a fresh database,
// replacing any existing one atomically. It opens a dedicated reader so
// a multi-hour build never blocks the pooled handles.
func (m *Manager) Build(name string) error {
	arc, ok := m.lib.Archive(name)
	if !ok {
		return fmt.Errorf("archive %q not installed", name)
	}
	if err := os.MkdirAll(m.dir, 0777); err != nil {
		return err
	}
	reader, err := m.lib.OpenDedicated(name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = reader.Close() }()

	dbPath := m.Path(name)
	tmpPath := dbPath + ".tmp"
	_ = os.Remove(tmpPath) // leftover from an interrupted build
	start := time.Now()

	db, err := bolt.Open(tmpPath, 0644, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}
	count, err := m.fillIndex(db, reader)
	if err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("build index for %s: %w", name, err)
	}
	if count == 0 {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		zim.Logf(nil, "Title index: %s has 0 indexable entries, skipping", name)
		return nil
	}

	hasWords := "0"
	if count <= invertedThreshold {
		if err := buildWords(db); err != nil {
			_ = db.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("build inverted index for %s: %w", name, err)
		}
		hasWords = "1"
	} else {
		zim.Infof(nil, "Title index: %s has %d entries, skipping inverted index (above %d threshold)", name, count, invertedThreshold)
	}

	// Meta goes in last so a crashed build is never mistaken for current.
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		puts := [][2]string{
			{"schema_version", schemaVersion},
			{"zim_mtime", formatMtime(arc.ModTime)},
			{"built_at", formatMtime(float64(time.Now().UnixNano()) / 1e9)},
			{"entry_count", strconv.Itoa(count)},
			{"has_fts", hasWords},
		}
		for _, kv := range puts {
			if err := meta.Put([]byte(kv[0]), []byte(kv[1])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write meta for %s: %w", name, err)
	}
	if err := db.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	// Evict before and after the rename: before, so the replaced file has
	// no pooled handle; after, to drop any handle a query raced in on the
	// old file.
	m.evict(name)
	if err := os.Rename(tmpPath, dbPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	m.evict(name)

	suffix := ""
	if hasWords == "0" {
		suffix = ", no inverted index"
	}
	zim.Infof(nil, "Title index: built %s (%d entries%s, %.1fs)", name, count, suffix, time.Since(start).Seconds())
	return nil
}

// fillIndex iterates every entry of reader into db in batches, skipping
// redirects, untitled entries and asset paths. It returns the number of
// rows written.
func (m *Manager) fillIndex(db *bolt.DB, reader zim.Reader) (int, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTitles, bucketPrefix, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	type row struct {
		path, title string
	}
	count := 0
	flush := func(batch []row) error {
		if len(batch) == 0 {
			return nil
		}
		return db.Update(func(tx *bolt.Tx) error {
			titles := tx.Bucket(bucketTitles)
			prefix := tx.Bucket(bucketPrefix)
			for _, r := range batch {
				lower := strings.ToLower(r.title)
				val, err := json.Marshal(titleRow{Title: r.title, Lower: lower})
				if err != nil {
					return err
				}
				if err := titles.Put([]byte(r.path), val); err != nil {
					return err
				}
				key := append(append([]byte(lower), 0), r.path...)
				if err := prefix.Put(key, []byte(r.path)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var batch []row
	total := reader.AllEntryCount()
	for i := 0; i < total; i++ {
		entry, err := reader.EntryAt(i)
		if err != nil {
			continue
		}
		if entry.IsRedirect() {
			continue
		}
		path := entry.Path()
		if isAssetPath(path) {
			continue
		}
		title := entry.Title()
		if title == "" {
			continue
		}
		batch = append(batch, row{path: path, title: title})
		if len(batch) >= buildBatch {
			if err := flush(batch); err != nil {
				return count, err
			}
			count += len(batch)
			batch = batch[:0]
		}
	}
	if err := flush(batch); err != nil {
		return count, err
	}
	count += len(batch)
	return count, nil
}

// buildWords fills the inverted words bucket from the titles bucket in
// buildBatch-sized transactions.
func buildWords(db *bolt.DB) error {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWords)
		return err
	})
	if err != nil {
		return err
	}
	// Collect rows per batch outside the write transaction, bbolt allows
	// only one writer. after tracks the last key already handled.
	var after []byte
	for {
		type pair struct{ path, lower string }
		var batch []pair
		err := db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketTitles).Cursor()
			var k, v []byte
			if after == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(batch) < buildBatch; k, v = c.Next() {
				after = append(after[:0], k...)
				var row titleRow
				if json.Unmarshal(v, &row) != nil {
					continue
				}
				batch = append(batch, pair{path: string(k), lower: row.Lower})
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		err = db.Update(func(tx *bolt.Tx) error {
			words := tx.Bucket(bucketWords)
			for _, p := range batch {
				for _, tok := range tokenize(p.lower) {
					key := append(append([]byte(tok), 0), p.path...)
					if err := words.Put(key, nil); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(batch) < buildBatch {
			return nil
		}
	}
}

// tokenize splits a lowercased title into letter/digit runs, deduped.
func tokenize(lower string) []string {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// InvertedResult reports what BuildInverted did.
type InvertedResult struct {
	Status  string  `json:"status"`
	Entries int     `json:"entries,omitempty"`
	Elapsed float64 `json:"elapsed,omitempty"`
}

// BuildInverted adds the words bucket to an existing index without
// rescanning the archive.
func (m *Manager) BuildInverted(name string) (*InvertedResult, error) {
	if _, err := os.Stat(m.Path(name)); err != nil {
		return nil, fmt.Errorf("%w for %s", ErrNoIndex, name)
	}
	db := m.db(name)
	if db == nil {
		return nil, fmt.Errorf("open index for %s failed", name)
	}
	start := time.Now()

	exists := false
	count := 0
	err := db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketWords) != nil
		if titles := tx.Bucket(bucketTitles); titles != nil {
			count = titles.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		m.evict(name)
		return nil, err
	}
	if exists {
		return &InvertedResult{Status: "already_exists"}, nil
	}

	if err := buildWords(db); err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte("has_fts"), []byte("1"))
	})
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Seconds()
	zim.Infof(nil, "Title index: built inverted index for %s (%d entries, %.1fs)", name, count, elapsed)
	return &InvertedResult{Status: "built", Entries: count, Elapsed: round1(elapsed)}, nil
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

// Remove deletes name's index file and pooled handle.
func (m *Manager) Remove(name string) {
	m.evict(name)
	if err := os.Remove(m.Path(name)); err == nil {
		zim.Infof(nil, "Removed stale title index: %s", filepath.Base(m.Path(name)))
	}
}
