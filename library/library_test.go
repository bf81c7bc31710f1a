package library

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimi/zimi/zim"
	"github.com/zimi/zimi/zim/zimtest"
)

// newTestLibrary builds a library over tmpdir with two stub archives.
func newTestLibrary(t *testing.T) (*Library, *zimtest.Driver, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, ".zimi")
	require.NoError(t, os.MkdirAll(dataDir, 0777))

	drv := zimtest.NewDriver()

	wiki := zimtest.NewArchive("Wikipedia").
		SetMetadata("Description", "The free encyclopedia").
		SetMetadata("Date", "2024-03-01").
		SetMetadata("Illustration_48x48@1", "PNGDATA").
		SetMain("A/index").
		SetFulltext(true).
		AddHTML("A/index", "Main Page", "<html><body>welcome</body></html>").
		AddHTML("A/Go", "Go (programming language)", "<html><body>golang</body></html>")
	drv.Add(zimtest.WriteStub(t, dir, "wikipedia_en_all_2024-03.zim"), wiki)

	cook := zimtest.NewArchive("Cooking Stack Exchange").
		SetMetadata("Date", "2023-11-12").
		AddHTML("A/home", "Cookbook", "<html><body>recipes</body></html>")
	drv.Add(zimtest.WriteStub(t, dir, "cooking.stackexchange.com_en_all.zim"), cook)

	return New(dir, dataDir, drv), drv, dir
}

func TestLoadCacheScan(t *testing.T) {
	l, _, _ := newTestLibrary(t)
	scanned, err := l.LoadCache(false)
	require.NoError(t, err)
	assert.Equal(t, 2, scanned)
	assert.Equal(t, 2, l.Count())

	arc, ok := l.Archive("wikipedia")
	require.True(t, ok)
	assert.Equal(t, "Wikipedia", arc.Title)
	assert.Equal(t, "The free encyclopedia", arc.Description)
	assert.Equal(t, "2024-03-01", arc.Date)
	assert.True(t, arc.HasIcon)
	assert.Equal(t, "A/index", arc.MainPath)
	assert.Equal(t, 2, arc.Entries)
	assert.Equal(t, "wikipedia_en_all_2024-03.zim", arc.Filename)
	assert.Equal(t, "Wikimedia", arc.Category)

	cook, ok := l.Archive("cooking.stackexchange")
	require.True(t, ok)
	assert.Equal(t, "Stack Exchange", cook.Category)
}

func TestLoadCacheReusesRows(t *testing.T) {
	l, drv, dir := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)
	path := filepath.Join(dir, "wikipedia_en_all_2024-03.zim")
	opensAfterFirst := drv.Opens(path)

	// A second library over the same dirs must serve metadata from the
	// disk cache without reopening anything.
	l2 := New(dir, l.DataDir(), drv)
	scanned, err := l2.LoadCache(false)
	require.NoError(t, err)
	assert.Equal(t, 0, scanned)
	assert.Equal(t, 2, l2.Count())
	assert.Equal(t, opensAfterFirst, drv.Opens(path))

	arc, ok := l2.Archive("wikipedia")
	require.True(t, ok)
	assert.Equal(t, "Wikipedia", arc.Title)
	assert.Equal(t, "A/index", arc.MainPath)
}

func TestLoadCacheForce(t *testing.T) {
	l, _, _ := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)
	scanned, err := l.LoadCache(true)
	require.NoError(t, err)
	assert.Equal(t, 2, scanned, "force must rescan everything")
}

func TestLoadCacheInvalidatesOnChange(t *testing.T) {
	l, _, dir := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)

	// Grow the file and push its mtime forward: the row must be rescanned.
	path := filepath.Join(dir, "cooking.stackexchange.com_en_all.zim")
	require.NoError(t, os.WriteFile(path, []byte("zimtest stub: longer content than before"), 0600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	scanned, err := l.LoadCache(false)
	require.NoError(t, err)
	assert.Equal(t, 1, scanned)
}

func TestLoadCacheRemovedArchive(t *testing.T) {
	l, _, dir := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)

	r, mu := l.ContentArchive("cooking.stackexchange")
	require.NotNil(t, r)
	mu.Lock()
	mu.Unlock()

	require.NoError(t, os.Remove(filepath.Join(dir, "cooking.stackexchange.com_en_all.zim")))
	_, err = l.LoadCache(false)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Count())

	_, ok := l.Archive("cooking.stackexchange")
	assert.False(t, ok)
	gone, _ := l.ContentArchive("cooking.stackexchange")
	assert.Nil(t, gone)
}

func TestMetadataFailureStub(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, ".zimi")
	require.NoError(t, os.MkdirAll(dataDir, 0777))
	drv := zimtest.NewDriver() // nothing registered: every open fails
	zimtest.WriteStub(t, dir, "broken_en_all_2020-01.zim")

	l := New(dir, dataDir, drv)
	_, err := l.LoadCache(false)
	require.NoError(t, err)

	arc, ok := l.Archive("broken")
	require.True(t, ok, "unreadable archives still get a stub row")
	assert.Equal(t, -1, arc.Entries)
	assert.Equal(t, "broken", arc.Title)
	assert.Equal(t, "2020-01", arc.Date, "date comes from the filename")
}

func TestPoolsAreIndependent(t *testing.T) {
	l, drv, dir := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)
	path := filepath.Join(dir, "wikipedia_en_all_2024-03.zim")
	base := drv.Opens(path) // 1 from the metadata scan, parked in content

	c, cmu := l.ContentArchive("wikipedia")
	require.NotNil(t, c)
	require.NotNil(t, cmu)
	assert.Equal(t, base, drv.Opens(path), "content reuses the scan handle")

	f, _ := l.FTSArchive("wikipedia")
	require.NotNil(t, f)
	s, _ := l.SuggestArchive("wikipedia")
	require.NotNil(t, s)
	assert.Equal(t, base+2, drv.Opens(path))

	// Same pool, same handle.
	c2, _ := l.ContentArchive("wikipedia")
	assert.Equal(t, c, c2)
	assert.Equal(t, base+2, drv.Opens(path))
}

func TestClearSearchPools(t *testing.T) {
	l, drv, dir := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)
	path := filepath.Join(dir, "wikipedia_en_all_2024-03.zim")

	l.FTSArchive("wikipedia")
	l.SuggestArchive("wikipedia")
	n := drv.Opens(path)

	l.ClearSearchPools()
	assert.Equal(t, map[string]int{"content": 2, "fts": 0, "suggest": 0}, l.OpenHandles())

	// Next use reopens.
	f, _ := l.FTSArchive("wikipedia")
	require.NotNil(t, f)
	assert.Equal(t, n+1, drv.Opens(path))
}

func TestOpenDedicated(t *testing.T) {
	l, drv, dir := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)
	path := filepath.Join(dir, "wikipedia_en_all_2024-03.zim")
	before := drv.Opens(path)

	r, err := l.OpenDedicated("wikipedia")
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	assert.Equal(t, before+1, drv.Opens(path), "dedicated handle bypasses the pools")

	_, err = l.OpenDedicated("no_such_archive")
	assert.Error(t, err)
}

func TestUnknownArchive(t *testing.T) {
	l, _, _ := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)

	r, mu := l.ContentArchive("nope")
	assert.Nil(t, r)
	assert.Nil(t, mu)
}

func TestTotalSizeGB(t *testing.T) {
	l, _, _ := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)
	total := l.TotalSizeGB()
	assert.GreaterOrEqual(t, total, 0.0)

	var sum float64
	for _, arc := range l.Archives() {
		sum += arc.SizeGB
	}
	assert.InDelta(t, sum, total, 0.001)
}

func TestNamesSorted(t *testing.T) {
	l, _, _ := newTestLibrary(t)
	_, err := l.LoadCache(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"cooking.stackexchange", "wikipedia"}, l.Names())
}

func TestOpenFallsBackToRegisteredDriver(t *testing.T) {
	// With a nil driver the library goes through zim.Open, which needs a
	// registered global driver.
	drv := zimtest.NewDriver()
	arc := zimtest.NewArchive("Solo").AddHTML("A/x", "X", "<p>x</p>")

	dir := t.TempDir()
	path := zimtest.WriteStub(t, dir, "solo_en_all.zim")
	drv.Add(path, arc)

	zim.RegisterDriver(drv)
	defer zim.RegisterDriver(nil)

	l := New(dir, filepath.Join(dir, ".zimi"), nil)
	require.NoError(t, os.MkdirAll(l.DataDir(), 0777))
	_, err := l.LoadCache(false)
	require.NoError(t, err)
	a, ok := l.Archive("solo")
	require.True(t, ok)
	assert.Equal(t, "Solo", a.Title)
}
