package titleindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/zim/zimtest"
)

func newTestManager(t *testing.T) (*Manager, *library.Library) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, ".zimi")
	require.NoError(t, os.MkdirAll(dataDir, 0777))

	drv := zimtest.NewDriver()
	arc := zimtest.NewArchive("Wikipedia").
		AddHTML("A/Go", "Go (programming language)", "<p>go</p>").
		AddHTML("A/Go_fish", "Go fish", "<p>cards</p>").
		AddHTML("A/Golang", "Golang history", "<p>history</p>").
		AddHTML("A/Python", "Python (programming language)", "<p>py</p>").
		AddHTML("A/Untitled", "", "<p>skip me</p>").
		AddAsset("I/logo.png", "image/png", []byte{1, 2, 3}).
		AddRedirect("A/Golang_redirect", "Redirect to Go", "A/Go")
	drv.Add(zimtest.WriteStub(t, dir, "wikipedia_en_all_2024-03.zim"), arc)

	lib := library.New(dir, dataDir, drv)
	_, err := lib.LoadCache(false)
	require.NoError(t, err)

	m := New(filepath.Join(dataDir, "titles"), lib)
	t.Cleanup(m.Close)
	return m, lib
}

func TestBuildAndQuerySingleWord(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Build("wikipedia"))

	hits := m.Query("wikipedia", "go", 10)
	require.NotNil(t, hits)
	require.Len(t, hits, 3)
	assert.Equal(t, "Go (programming language)", hits[0].Title)
	assert.Equal(t, "A/Go", hits[0].Path)

	// Case folding
	hits = m.Query("wikipedia", "GO F", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "Go fish", hits[0].Title)
}

func TestQueryLimit(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Build("wikipedia"))
	hits := m.Query("wikipedia", "go", 2)
	assert.Len(t, hits, 2)
}

func TestQueryMultiWord(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Build("wikipedia"))

	hits := m.Query("wikipedia", "go programming", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "Go (programming language)", hits[0].Title)

	// First word matches rows but the second never does: nil tells the
	// caller to fall back.
	assert.Nil(t, m.Query("wikipedia", "go zzzz", 10))
}

func TestQueryEmptyAndMissing(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Build("wikipedia"))

	empty := m.Query("wikipedia", "   ", 10)
	require.NotNil(t, empty)
	assert.Len(t, empty, 0)

	assert.Nil(t, m.Query("no_such_archive", "go", 10), "no index means fallback")
}

func TestBuildSkipsNonArticles(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Build("wikipedia"))

	// Redirect, untitled entry and the png asset never show up.
	assert.Empty(t, m.Query("wikipedia", "redirect to", 10))
	assert.Empty(t, m.Query("wikipedia", "logo", 10))

	stats := m.Stats()
	require.Len(t, stats.Indexes, 1)
	assert.Equal(t, 4, stats.Indexes[0].Entries)
	assert.True(t, stats.Indexes[0].HasFTS)
}

func TestIsCurrent(t *testing.T) {
	m, lib := newTestManager(t)
	arc, _ := lib.Archive("wikipedia")

	assert.False(t, m.IsCurrent("wikipedia", arc.ModTime), "no index yet")
	require.NoError(t, m.Build("wikipedia"))
	assert.True(t, m.IsCurrent("wikipedia", arc.ModTime))
	assert.False(t, m.IsCurrent("wikipedia", arc.ModTime+1), "mtime change invalidates")
}

func TestBuildInverted(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Build("wikipedia"))

	// Build already added it below the threshold.
	res, err := m.BuildInverted("wikipedia")
	require.NoError(t, err)
	assert.Equal(t, "already_exists", res.Status)

	_, err = m.BuildInverted("no_such_archive")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoIndex)
}

func TestPrune(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Build("wikipedia"))

	// Drop in an index for an archive that does not exist.
	stale := m.Path("ghost")
	require.NoError(t, os.WriteFile(stale, []byte("not a real db"), 0644))

	m.Prune()
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(m.Path("wikipedia"))
	assert.NoError(t, err)
}

func TestBuildAll(t *testing.T) {
	m, _ := newTestManager(t)
	m.BuildAll()

	st := m.Status()
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, 1, st.Built)
	assert.Equal(t, 1, st.Ready)
	assert.Equal(t, 1, st.Total)
	assert.Empty(t, st.Errors)
	assert.Empty(t, st.BuildingNow)

	// Second run finds everything current.
	m.BuildAll()
	st = m.Status()
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, 1, st.Built, "nothing rebuilt")

	hits := m.Query("wikipedia", "python", 5)
	require.Len(t, hits, 1)
	assert.Equal(t, "Python (programming language)", hits[0].Title)
}

func TestBuildReplacesExisting(t *testing.T) {
	m, lib := newTestManager(t)
	require.NoError(t, m.Build("wikipedia"))
	require.NotNil(t, m.Query("wikipedia", "go", 5))

	// Rebuild over the warm handle.
	require.NoError(t, m.Build("wikipedia"))
	hits := m.Query("wikipedia", "go", 5)
	require.NotNil(t, hits)
	assert.Len(t, hits, 3)

	arc, _ := lib.Archive("wikipedia")
	assert.True(t, m.IsCurrent("wikipedia", arc.ModTime))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"go", "programming", "language"}, tokenize("go (programming language)"))
	assert.Equal(t, []string{"c", "14"}, tokenize("c++ 14"))
	assert.Equal(t, []string{"go"}, tokenize("go go go"), "tokens are deduped")
	assert.Empty(t, tokenize("..."))
}

func TestStatsEmptyDir(t *testing.T) {
	dir := t.TempDir()
	drv := zimtest.NewDriver()
	lib := library.New(dir, filepath.Join(dir, ".zimi"), drv)
	m := New(filepath.Join(dir, ".zimi", "titles"), lib)
	st := m.Stats()
	assert.Equal(t, 0, st.IndexCount)
	assert.Equal(t, 0.0, st.TotalSizeGB)
	assert.Empty(t, st.Indexes)
}
