package download

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, hooks Hooks) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	return New(dir, &http.Client{}, hooks), dir
}

// waitDone polls the listing until download id reaches a terminal
// state and returns its final status.
func waitDone(t *testing.T, m *Manager, id string) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		for _, s := range m.List() {
			if s.ID == id {
				st = s
				return s.Done
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestParseStartURL(t *testing.T) {
	for _, tc := range []struct {
		url     string
		wantErr string
	}{
		{"http://download.kiwix.org/zim/a.zim", "URL must be from download.kiwix.org"},
		{"https://example.com/zim/a.zim", "URL must be from download.kiwix.org"},
		{"https://download.kiwix.org/zim/", "Invalid filename in URL"},
		{"https://download.kiwix.org/zim/..a.zim", "Invalid filename in URL"},
		{"https://download.kiwix.org/zim/notes.txt", "Only .zim files can be downloaded"},
		{"https://download.kiwix.org/zim/bad name.zim", "Invalid characters in filename"},
	} {
		_, _, err := parseStartURL(tc.url)
		require.Error(t, err, tc.url)
		assert.Equal(t, tc.wantErr, err.Error(), tc.url)
	}

	url, filename, err := parseStartURL("https://download.kiwix.org/zim/other/wikipedia_en_all_2024-03.zim.meta4")
	require.NoError(t, err)
	assert.Equal(t, "https://download.kiwix.org/zim/other/wikipedia_en_all_2024-03.zim", url)
	assert.Equal(t, "wikipedia_en_all_2024-03.zim", filename)
}

func TestParseImportURL(t *testing.T) {
	_, _, err := parseImportURL("http://example.com/a.zim")
	require.Error(t, err)
	assert.Equal(t, "URL must use HTTPS", err.Error())

	_, _, err = parseImportURL("https://example.com/readme.md")
	require.Error(t, err)
	assert.Equal(t, "Only .zim files can be imported", err.Error())

	// Query string and fragment do not leak into the filename but stay
	// on the fetched URL.
	url, filename, err := parseImportURL("https://example.com/dl/xkcd_en_all.zim?token=abc#frag")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/dl/xkcd_en_all.zim?token=abc#frag", url)
	assert.Equal(t, "xkcd_en_all.zim", filename)
}

func TestDownloadSuccess(t *testing.T) {
	payload := []byte("zim archive payload, forty bytes exactly")
	require.Len(t, payload, 40)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "40")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	installed := make(chan string, 1)
	m, dir := newManager(t, Hooks{
		Installed: func(filename string, isUpdate bool, sizeBytes int64) {
			assert.False(t, isUpdate)
			assert.Equal(t, int64(40), sizeBytes)
			installed <- filename
		},
	})

	id := m.enqueue(srv.URL+"/wiki_2024-01.zim", "wiki_2024-01.zim", false)
	st := waitDone(t, m, id)
	assert.Empty(t, st.Error)
	assert.Equal(t, int64(40), st.TotalBytes)
	assert.Equal(t, int64(40), st.DownloadedBytes)
	assert.Equal(t, 100.0, st.Percent)
	assert.Equal(t, int64(40), st.SizeBytes)

	data, err := os.ReadFile(filepath.Join(dir, "wiki_2024-01.zim"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	select {
	case fn := <-installed:
		assert.Equal(t, "wiki_2024-01.zim", fn)
	case <-time.After(2 * time.Second):
		t.Fatal("Installed hook never ran")
	}
}

func TestDownloadResume(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=37-", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 37-99/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[37:])
	}))
	defer srv.Close()

	m, dir := newManager(t, Hooks{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wiki.zim.tmp"), payload[:37], 0666))

	id := m.enqueue(srv.URL+"/wiki.zim", "wiki.zim", false)
	st := waitDone(t, m, id)
	assert.Empty(t, st.Error)
	assert.Equal(t, int64(100), st.TotalBytes)
	assert.Equal(t, int64(100), st.DownloadedBytes)

	data, err := os.ReadFile(filepath.Join(dir, "wiki.zim"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadAlreadyComplete(t *testing.T) {
	payload := []byte("complete payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	hookRan := false
	m, dir := newManager(t, Hooks{
		Installed: func(string, bool, int64) { hookRan = true },
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "done.zim.tmp"), payload, 0666))

	id := m.enqueue(srv.URL+"/done.zim", "done.zim", false)
	st := waitDone(t, m, id)
	assert.Empty(t, st.Error)

	data, err := os.ReadFile(filepath.Join(dir, "done.zim"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	_, err = os.Stat(filepath.Join(dir, "done.zim.tmp"))
	assert.True(t, os.IsNotExist(err))
	// A rename of an already finished transfer installs nothing new.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, hookRan)
}

func TestDownloadRestartsWithoutRangeSupport(t *testing.T) {
	payload := []byte("fresh full body from a server without ranges")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Range header ignored, plain 200 with the whole file.
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	m, dir := newManager(t, Hooks{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.zim.tmp"), []byte("stale partial data"), 0666))

	id := m.enqueue(srv.URL+"/w.zim", "w.zim", false)
	st := waitDone(t, m, id)
	assert.Empty(t, st.Error)
	assert.Equal(t, int64(len(payload)), st.DownloadedBytes)

	data, err := os.ReadFile(filepath.Join(dir, "w.zim"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadSizeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 10-59/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 50))
	}))
	defer srv.Close()

	failed := make(chan string, 1)
	m, dir := newManager(t, Hooks{
		Failed: func(filename, errMsg string) { failed <- errMsg },
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.zim.tmp"), make([]byte, 10), 0666))

	id := m.enqueue(srv.URL+"/s.zim", "s.zim", false)
	st := waitDone(t, m, id)
	assert.Equal(t, "Size mismatch: expected 100, got 60", st.Error)

	// Mismatched partials are not worth resuming.
	_, err := os.Stat(filepath.Join(dir, "s.zim.tmp"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "s.zim"))
	assert.True(t, os.IsNotExist(err))
	select {
	case msg := <-failed:
		assert.Contains(t, msg, "Size mismatch")
	case <-time.After(2 * time.Second):
		t.Fatal("Failed hook never ran")
	}
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m, _ := newManager(t, Hooks{})
	id := m.enqueue(srv.URL+"/missing.zim", "missing.zim", false)
	st := waitDone(t, m, id)
	assert.Contains(t, st.Error, "HTTP error")
	assert.Contains(t, st.Error, "404")
}

func TestDownloadCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, chunkSize))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write(make([]byte, chunkSize))
	}))
	defer srv.Close()

	m, dir := newManager(t, Hooks{})
	id := m.enqueue(srv.URL+"/big.zim", "big.zim", false)

	require.Eventually(t, func() bool {
		for _, s := range m.List() {
			if s.ID == id {
				return s.DownloadedBytes >= chunkSize
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, m.Downloading("big.zim"))
	assert.False(t, m.Downloading("other.zim"))

	require.NoError(t, m.Cancel(id))
	close(release)

	st := waitDone(t, m, id)
	assert.Equal(t, "Cancelled", st.Error)
	assert.False(t, m.Downloading("big.zim"))

	// The partial file stays for a later resume.
	_, err := os.Stat(filepath.Join(dir, "big.zim.tmp"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "big.zim"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, ErrFinished, m.Cancel(id))
	assert.Equal(t, ErrNotFound, m.Cancel("999"))
}

func TestUpdateReplacesOldVersions(t *testing.T) {
	payload := []byte("new edition bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	installed := make(chan bool, 1)
	m, dir := newManager(t, Hooks{
		Installed: func(filename string, isUpdate bool, sizeBytes int64) { installed <- isUpdate },
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wikihow_2023-01.zim"), []byte("old"), 0666))

	assert.True(t, m.isUpdate("wikihow_2024-05.zim"))
	assert.False(t, m.isUpdate("other_2024-05.zim"))
	assert.False(t, m.isUpdate("wikihow_2023-01.zim")) // same file does not count

	id := m.enqueue(srv.URL+"/wikihow_2024-05.zim", "wikihow_2024-05.zim", true)
	st := waitDone(t, m, id)
	assert.Empty(t, st.Error)
	assert.True(t, st.IsUpdate)

	_, err := os.Stat(filepath.Join(dir, "wikihow_2023-01.zim"))
	assert.True(t, os.IsNotExist(err), "older edition should be deleted")
	_, err = os.Stat(filepath.Join(dir, "wikihow_2024-05.zim"))
	assert.NoError(t, err)
	select {
	case isUpdate := <-installed:
		assert.True(t, isUpdate)
	case <-time.After(2 * time.Second):
		t.Fatal("Installed hook never ran")
	}
}

func TestListCollectsExpiredRecords(t *testing.T) {
	m, dir := newManager(t, Hooks{})
	d := &download{
		id:       "1",
		filename: "x.zim",
		dest:     filepath.Join(dir, "x.zim"),
		started:  time.Now().Add(-2 * time.Hour),
		done:     true,
	}
	m.mu.Lock()
	m.active["1"] = d
	m.mu.Unlock()

	// Expired records appear one last time, then disappear.
	require.Len(t, m.List(), 1)
	assert.Len(t, m.List(), 0)
}

func TestClearDone(t *testing.T) {
	m, dir := newManager(t, Hooks{})
	m.mu.Lock()
	m.active["1"] = &download{id: "1", filename: "a.zim", dest: filepath.Join(dir, "a.zim"), started: time.Now(), done: true}
	m.active["2"] = &download{id: "2", filename: "b.zim", dest: filepath.Join(dir, "b.zim"), started: time.Now()}
	m.mu.Unlock()

	assert.Equal(t, 1, m.ClearDone())
	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, "2", list[0].ID)
}

func TestSweepStale(t *testing.T) {
	m, dir := newManager(t, Hooks{})
	old := filepath.Join(dir, "old.zim.tmp")
	fresh := filepath.Join(dir, "fresh.zim.tmp")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0666))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0666))
	stale := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	m.SweepStale()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
