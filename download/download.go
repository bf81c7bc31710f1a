// Package download manages background archive downloads into the
// library directory. Transfers write to a .zim.tmp sidecar and rename
// into place on completion, so readers never see a partial file and an
// interrupted transfer resumes from where it stopped via a Range
// request.
package download

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zimi/zimi/zim"
)

// kiwixDownloadPrefix is the only origin catalog downloads may come
// from. Imports accept any HTTPS URL.
const kiwixDownloadPrefix = "https://download.kiwix.org/"

const chunkSize = 64 * 1024

// doneTTL is how long finished records stay listed before they are
// collected.
const doneTTL = time.Hour

// staleTmpAge is the age after which an orphaned .zim.tmp is swept at
// startup instead of being kept for resume.
const staleTmpAge = 24 * time.Hour

var (
	// ErrNotFound reports an unknown download id.
	ErrNotFound = errors.New("Download not found")
	// ErrFinished reports a cancel against a completed download.
	ErrFinished = errors.New("Download already finished")
)

// filenameRe is the allowed shape of a downloaded filename.
var filenameRe = regexp.MustCompile(`^[\w.\-]+$`)

// dateSuffixRe matches the _YYYY-MM.zim tail kiwix stamps on editions.
var dateSuffixRe = regexp.MustCompile(`_\d{4}-\d{2}\.zim$`)

// versionBaseRe splits an edition filename into its base, used to find
// older editions to delete after an update lands.
var versionBaseRe = regexp.MustCompile(`^(.+?)_\d{4}-\d{2}\.zim$`)

// Status is one row of the downloads listing.
type Status struct {
	ID              string  `json:"id"`
	Filename        string  `json:"filename"`
	URL             string  `json:"url"`
	SizeBytes       int64   `json:"size_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	Percent         float64 `json:"percent"`
	Done            bool    `json:"done"`
	Error           string  `json:"error"`
	Elapsed         float64 `json:"elapsed"`
	IsUpdate        bool    `json:"is_update"`
}

// Hooks receive terminal download events, called outside manager locks.
// Both are optional.
type Hooks struct {
	// Installed runs after a file landed in the library directory.
	Installed func(filename string, isUpdate bool, sizeBytes int64)
	// Failed runs after a download errored out. Cancels do not count.
	Failed func(filename, errMsg string)
}

// download is the mutable state of one transfer. The mutex guards every
// field below it; the rest are set once at enqueue.
type download struct {
	id       string
	url      string
	filename string
	dest     string
	isUpdate bool

	mu         sync.Mutex
	started    time.Time
	total      int64
	downloaded int64
	done       bool
	err        string
	cancelled  bool
}

func (d *download) isCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// finish marks the download done with an optional error message.
func (d *download) finish(errMsg string) {
	d.mu.Lock()
	d.done = true
	d.err = errMsg
	d.mu.Unlock()
}

// Manager owns the download registry and the library directory the
// files land in.
type Manager struct {
	dir    string
	client *http.Client
	hooks  Hooks

	mu      sync.Mutex
	counter int
	active  map[string]*download
}

// New creates a Manager downloading into dir with client. The client
// should not carry a whole-request timeout, multi-gigabyte transfers
// need to outlive any sane value.
func New(dir string, client *http.Client, hooks Hooks) *Manager {
	return &Manager{
		dir:    dir,
		client: client,
		hooks:  hooks,
		active: map[string]*download{},
	}
}

// Start begins a catalog download. Only the official kiwix download
// host is accepted; the OPDS catalog hands out .meta4 metalink URLs
// which are stripped to the direct file.
func (m *Manager) Start(rawURL string) (string, error) {
	rawURL, filename, err := parseStartURL(rawURL)
	if err != nil {
		return "", err
	}
	return m.enqueue(rawURL, filename, m.isUpdate(filename)), nil
}

// StartImport begins a download from an arbitrary HTTPS URL.
func (m *Manager) StartImport(rawURL string) (string, error) {
	rawURL, filename, err := parseImportURL(rawURL)
	if err != nil {
		return "", err
	}
	return m.enqueue(rawURL, filename, false), nil
}

// parseStartURL validates a catalog download URL and derives the
// destination filename.
func parseStartURL(rawURL string) (string, string, error) {
	if !strings.HasPrefix(rawURL, kiwixDownloadPrefix) {
		return "", "", errors.New("URL must be from download.kiwix.org")
	}
	rawURL = strings.TrimSuffix(rawURL, ".meta4")
	filename := rawURL[strings.LastIndex(rawURL, "/")+1:]
	if err := checkFilename(filename, "downloaded"); err != nil {
		return "", "", err
	}
	return rawURL, filename, nil
}

// parseImportURL validates an import URL, dropping any query string and
// fragment before deriving the filename.
func parseImportURL(rawURL string) (string, string, error) {
	if !strings.HasPrefix(rawURL, "https://") {
		return "", "", errors.New("URL must use HTTPS")
	}
	clean := strings.SplitN(rawURL, "?", 2)[0]
	clean = strings.SplitN(clean, "#", 2)[0]
	filename := clean[strings.LastIndex(clean, "/")+1:]
	if err := checkFilename(filename, "imported"); err != nil {
		return "", "", err
	}
	return rawURL, filename, nil
}

// checkFilename validates a filename extracted from a URL. verb names
// the operation for the error text.
func checkFilename(filename, verb string) error {
	if filename == "" || strings.Contains(filename, "..") {
		return errors.New("Invalid filename in URL")
	}
	if !strings.HasSuffix(filename, ".zim") {
		return fmt.Errorf("Only .zim files can be %s", verb)
	}
	if !filenameRe.MatchString(filename) {
		return errors.New("Invalid characters in filename")
	}
	return nil
}

// isUpdate reports whether another edition of the same archive is
// already installed, which turns the download into an update.
func (m *Manager) isUpdate(filename string) bool {
	prefix := dateSuffixRe.ReplaceAllString(filename, "")
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		f := e.Name()
		if f == filename || e.IsDir() || !strings.HasSuffix(f, ".zim") {
			continue
		}
		if dateSuffixRe.ReplaceAllString(f, "") == prefix {
			return true
		}
	}
	return false
}

// enqueue registers the download and starts the transfer goroutine.
func (m *Manager) enqueue(rawURL, filename string, isUpdate bool) string {
	m.mu.Lock()
	m.counter++
	d := &download{
		id:       strconv.Itoa(m.counter),
		url:      rawURL,
		filename: filename,
		dest:     filepath.Join(m.dir, filename),
		isUpdate: isUpdate,
		started:  time.Now(),
	}
	m.active[d.id] = d
	m.mu.Unlock()
	go m.run(d)
	return d.id
}

// run drives one transfer to a terminal state.
func (m *Manager) run(d *download) {
	tmp := d.dest + ".tmp"

	// Resume from an existing partial file if there is one.
	var existing int64
	if fi, err := os.Stat(tmp); err == nil {
		existing = fi.Size()
	}

	req, err := http.NewRequest("GET", d.url, nil)
	if err != nil {
		m.fail(d, err.Error())
		return
	}
	if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
		zim.Infof(nil, "Resuming download of %s from %d bytes", d.filename, existing)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.fail(d, err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	var total int64
	var flags int
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && existing > 0:
		// Range past the end, the partial file is already complete.
		if err := os.Rename(tmp, d.dest); err != nil {
			m.fail(d, err.Error())
			return
		}
		d.finish("")
		return
	case resp.StatusCode == http.StatusPartialContent:
		total = totalFromContentRange(resp, existing)
		d.mu.Lock()
		d.total = total
		d.downloaded = existing
		d.mu.Unlock()
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
		d.mu.Lock()
		d.total = total
		d.mu.Unlock()
		// No range support, start over.
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	default:
		m.fail(d, fmt.Sprintf("HTTP error: %s", resp.Status))
		return
	}

	f, err := os.OpenFile(tmp, flags, 0666)
	if err != nil {
		m.fail(d, err.Error())
		return
	}
	copyErr := m.copyChunks(d, f, resp.Body)
	if cerr := f.Close(); copyErr == nil && cerr != nil {
		copyErr = cerr
	}
	if copyErr != nil {
		// Keep the tmp file, network errors resume next attempt.
		m.fail(d, copyErr.Error())
		return
	}
	if d.isCancelled() {
		// Keep the tmp file for resume.
		d.finish("Cancelled")
		return
	}
	if total > 0 {
		actual := int64(0)
		if fi, err := os.Stat(tmp); err == nil {
			actual = fi.Size()
		}
		if actual != total {
			_ = os.Remove(tmp)
			m.fail(d, fmt.Sprintf("Size mismatch: expected %d, got %d", total, actual))
			return
		}
	}
	if err := os.Rename(tmp, d.dest); err != nil {
		m.fail(d, err.Error())
		return
	}
	zim.Infof(nil, "Download complete: %s", d.filename)
	m.removeOldVersions(d.filename)
	d.finish("")
	if m.hooks.Installed != nil {
		m.hooks.Installed(d.filename, d.isUpdate, total)
	}
}

// copyChunks copies the body in fixed chunks, stopping early when the
// download is cancelled.
func (m *Manager) copyChunks(d *download, f *os.File, body io.Reader) error {
	buf := make([]byte, chunkSize)
	for !d.isCancelled() {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			d.mu.Lock()
			d.downloaded += int64(n)
			d.mu.Unlock()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// fail finishes the download with an error and reports it, unless the
// transfer was cancelled in flight.
func (m *Manager) fail(d *download, errMsg string) {
	cancelled := d.isCancelled()
	d.finish(errMsg)
	if cancelled {
		return
	}
	zim.Errorf(nil, "Download of %s failed: %s", d.filename, errMsg)
	if m.hooks.Failed != nil {
		m.hooks.Failed(d.filename, errMsg)
	}
}

// totalFromContentRange extracts the full size from a 206 response,
// "bytes 1234-5678/9999" carries it after the slash. Servers that omit
// it fall back to existing plus this response's length.
func totalFromContentRange(resp *http.Response, existing int64) int64 {
	cr := resp.Header.Get("Content-Range")
	if i := strings.LastIndex(cr, "/"); i >= 0 {
		if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
			return total
		}
	}
	if resp.ContentLength > 0 {
		return existing + resp.ContentLength
	}
	return existing
}

// removeOldVersions deletes other editions of the archive that just
// landed, matched by the date-stripped filename base.
func (m *Manager) removeOldVersions(filename string) {
	mb := versionBaseRe.FindStringSubmatch(filename)
	if mb == nil {
		return
	}
	prefix := mb[1]
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		f := e.Name()
		if f == filename || !strings.HasSuffix(f, ".zim") || !strings.HasPrefix(f, prefix+"_") {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, f)); err == nil {
			zim.Infof(nil, "Removed old version: %s", f)
		}
	}
}

// Cancel flags a running download to stop. The partial file is kept so
// a later attempt resumes it.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	d, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return ErrFinished
	}
	d.cancelled = true
	return nil
}

// ClearDone drops finished downloads from the listing and returns how
// many were removed.
func (m *Manager) ClearDone() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, d := range m.active {
		d.mu.Lock()
		done := d.done
		d.mu.Unlock()
		if done {
			delete(m.active, id)
			removed++
		}
	}
	return removed
}

// Downloading reports whether filename has a transfer in flight.
func (m *Manager) Downloading(filename string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.active {
		d.mu.Lock()
		match := d.filename == filename && !d.done
		d.mu.Unlock()
		if match {
			return true
		}
	}
	return false
}

// List returns the status of every registered download, oldest first.
// Finished records past their keep time are collected after appearing
// in this listing one last time.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		d := m.active[id]
		var size int64
		if fi, err := os.Stat(d.dest); err == nil {
			size = fi.Size()
		}
		d.mu.Lock()
		st := Status{
			ID:              d.id,
			Filename:        d.filename,
			URL:             d.url,
			SizeBytes:       size,
			TotalBytes:      d.total,
			DownloadedBytes: d.downloaded,
			Done:            d.done,
			Error:           d.err,
			Elapsed:         round1(time.Since(d.started).Seconds()),
			IsUpdate:        d.isUpdate,
		}
		if d.total > 0 {
			st.Percent = round1(float64(d.downloaded) / float64(d.total) * 100)
		}
		expired := d.done && time.Since(d.started) > doneTTL
		d.mu.Unlock()
		out = append(out, st)
		if expired {
			delete(m.active, id)
		}
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// SweepStale removes partial downloads old enough to be abandoned and
// logs the ones still worth resuming. Called once at startup.
func (m *Manager) SweepStale() {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.zim.tmp"))
	if err != nil {
		return
	}
	for _, tmp := range matches {
		fi, err := os.Stat(tmp)
		if err != nil {
			continue
		}
		if time.Since(fi.ModTime()) > staleTmpAge {
			if err := os.Remove(tmp); err == nil {
				zim.Infof(nil, "Cleaned up stale partial download: %s", filepath.Base(tmp))
			}
		} else {
			zim.Infof(nil, "Partial download found (resumable): %s", filepath.Base(tmp))
		}
	}
}
