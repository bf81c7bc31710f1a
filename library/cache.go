package library

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zimi/zimi/lib/atomicfile"
	"github.com/zimi/zimi/zim"
)

// cacheVersion is the schema version of cache.json. A mismatch discards
// the whole cache and rescans everything.
const cacheVersion = 1

// cacheRow is the persisted metadata for one archive file. A row is
// valid for a file iff the file's current (mtime, size) equal ModTime
// and Size; anything else means the file changed and must be rescanned.
type cacheRow struct {
	Name        string  `json:"name"`
	ModTime     float64 `json:"mtime"` // unix seconds with fraction
	Size        int64   `json:"size"`
	SizeGB      float64 `json:"size_gb"`
	Entries     int     `json:"entries"` // -1 when the archive could not be opened
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Date        string  `json:"date"`
	HasIcon     bool    `json:"has_icon"`
	MainPath    string  `json:"main_path"`
}

// cacheDoc is the on-disk shape of cache.json.
type cacheDoc struct {
	Version   int                 `json:"version"`
	Generated string              `json:"generated"`
	Files     map[string]cacheRow `json:"files"`
}

func (l *Library) cachePath() string {
	return filepath.Join(l.dataDir, "cache.json")
}

// loadDiskCache reads cache.json, returning nil when it is missing,
// unreadable or has the wrong version. nil means scan everything.
func (l *Library) loadDiskCache() map[string]cacheRow {
	var doc cacheDoc
	if err := atomicfile.LoadJSON(l.cachePath(), &doc); err != nil {
		if !os.IsNotExist(err) {
			zim.Debugf(nil, "Ignoring metadata cache: %v", err)
		}
		return nil
	}
	if doc.Version != cacheVersion {
		zim.Infof(nil, "Metadata cache version %d != %d, rescanning", doc.Version, cacheVersion)
		return nil
	}
	return doc.Files
}

// saveDiskCache writes cache.json atomically.
func (l *Library) saveDiskCache(files map[string]cacheRow) {
	doc := cacheDoc{
		Version:   cacheVersion,
		Generated: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Files:     files,
	}
	if err := atomicfile.SaveJSON(l.cachePath(), &doc); err != nil {
		zim.Errorf(nil, "Could not save metadata cache: %v", err)
	}
}

// modTimeSeconds returns the file mtime as fractional unix seconds, the
// form stored in cache rows and title index metadata.
func modTimeSeconds(fi os.FileInfo) float64 {
	return float64(fi.ModTime().UnixNano()) / 1e9
}

// round3 rounds to three decimal places, for the size_gb fields.
func round3(f float64) float64 {
	return float64(int64(f*1000+0.5)) / 1000
}

// extractMetadata opens the archive at path and reads its metadata. On
// open failure a stub archive with Entries == -1 is returned so the
// library still lists the file. The opened reader is returned for the
// caller to pool; it is nil when opening failed.
func (l *Library) extractMetadata(name, path string, fi os.FileInfo) (*Archive, zim.Reader) {
	arc := &Archive{
		Name:     name,
		Filename: filepath.Base(path),
		Path:     path,
		Size:     fi.Size(),
		SizeGB:   round3(float64(fi.Size()) / (1 << 30)),
		ModTime:  modTimeSeconds(fi),
		Entries:  -1,
		Title:    name,
		Category: zim.Categorize(name),
	}
	reader, err := l.open(path)
	if err != nil {
		zim.Errorf(nil, "Failed to open %s: %v", arc.Filename, err)
	} else {
		arc.Entries = reader.EntryCount()
		for _, key := range reader.MetadataKeys() {
			val, err := reader.Metadata(key)
			if err != nil {
				continue
			}
			switch {
			case key == "Title":
				if title := strings.TrimSpace(string(val)); title != "" {
					arc.Title = title
				}
			case key == "Description":
				arc.Description = strings.TrimSpace(string(val))
			case key == "Date":
				arc.Date = strings.TrimSpace(string(val))
			case strings.HasPrefix(key, "Illustration_48x48"):
				arc.HasIcon = true
			}
		}
		if mainPath, err := reader.MainPath(); err == nil {
			arc.MainPath = mainPath
		}
	}
	// Fall back to the date embedded in the filename
	if arc.Date == "" {
		if _, fileDate := zim.SplitDate(arc.Filename); fileDate != "" {
			arc.Date = fileDate
		}
	}
	return arc, reader
}

// archiveFromRow builds an Archive from a valid cache row without
// opening the file.
func archiveFromRow(name, path string, fi os.FileInfo, row cacheRow) *Archive {
	title := row.Title
	if title == "" {
		title = name
	}
	return &Archive{
		Name:        name,
		Filename:    filepath.Base(path),
		Path:        path,
		Size:        fi.Size(),
		SizeGB:      row.SizeGB,
		ModTime:     row.ModTime,
		Entries:     row.Entries,
		Title:       title,
		Description: row.Description,
		Date:        row.Date,
		HasIcon:     row.HasIcon,
		MainPath:    row.MainPath,
		Category:    zim.Categorize(name),
	}
}

// rowFromArchive converts an Archive back to its cache row.
func rowFromArchive(arc *Archive) cacheRow {
	return cacheRow{
		Name:        arc.Name,
		ModTime:     arc.ModTime,
		Size:        arc.Size,
		SizeGB:      arc.SizeGB,
		Entries:     arc.Entries,
		Title:       arc.Title,
		Description: arc.Description,
		Date:        arc.Date,
		HasIcon:     arc.HasIcon,
		MainPath:    arc.MainPath,
	}
}
