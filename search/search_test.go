package search

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/titleindex"
	"github.com/zimi/zimi/zim/zimtest"
)

func newTestEngine(t *testing.T) (*Engine, *library.Library, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, ".zimi")
	require.NoError(t, os.MkdirAll(dataDir, 0777))

	drv := zimtest.NewDriver()

	wiki := zimtest.NewArchive("Wikipedia").
		SetFulltext(true).
		AddHTML("A/Gravity", "Gravity", "<p>Gravity is a fundamental interaction.</p>").
		AddHTML("A/Gravity_wave", "Gravity wave", "<p>Waves in fluids under gravity.</p>").
		AddHTML("A/Apple", "Apple", "<p>The apple is a fruit with gravity history.</p>")
	drv.Add(zimtest.WriteStub(t, dir, "wikipedia_en_all_2024-03.zim"), wiki)

	so := zimtest.NewArchive("Stack Overflow").
		SetFulltext(true).
		AddHTML("A/questions/1/orbit-sim", "Simulating orbits in code", "<p>gravity simulation code</p>").
		AddHTML("A/questions/tagged/gravity", "Questions tagged gravity", "<p>tag index</p>")
	drv.Add(zimtest.WriteStub(t, dir, "stackoverflow.com_en_all.zim"), so)

	lib := library.New(dir, dataDir, drv)
	_, err := lib.LoadCache(false)
	require.NoError(t, err)

	idx := titleindex.New(filepath.Join(dataDir, "titles"), lib)
	t.Cleanup(idx.Close)
	return New(lib, idx, dataDir), lib, dataDir
}

func TestSearchFullRanksTitleMatchesFirst(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.Search(context.Background(), "gravity", 5, nil, false)

	require.NotEmpty(t, res.Results)
	assert.False(t, res.Partial)
	assert.Equal(t, res.Total, len(res.Results))
	assert.Equal(t, "Gravity", res.Results[0].Title, "exact title match wins")
	assert.GreaterOrEqual(t, res.Results[0].Score, 100.0)

	// Both archives contributed.
	assert.Contains(t, res.BySource, "wikipedia")
	assert.Contains(t, res.BySource, "stackoverflow")
}

func TestSearchJunkFilter(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.Search(context.Background(), "gravity", 5, nil, false)
	for _, item := range res.Results {
		assert.NotContains(t, item.Path, "questions/tagged/")
	}
	// The junk hit does not count toward by_source either.
	assert.Equal(t, 1, res.BySource["stackoverflow"])
}

func TestSearchFastIsPartial(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.Search(context.Background(), "grav", 5, nil, true)
	assert.True(t, res.Partial)
	require.NotEmpty(t, res.Results)
	for _, item := range res.Results {
		assert.Empty(t, item.Snippet, "fast phase never reads bodies")
	}
}

func TestSearchScopeValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.Search(context.Background(), "gravity", 5, []string{"wikipedia", "nope", "alsonope"}, false)
	assert.Equal(t, "ZIM(s) not found: nope, alsonope", res.Error)
	assert.Empty(t, res.Results)
	assert.Equal(t, 0, res.Total)
}

func TestSearchSingleScopeSnippets(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.Search(context.Background(), "gravity", 5, []string{"wikipedia"}, false)
	require.NotEmpty(t, res.Results)
	found := false
	for _, item := range res.Results {
		if item.Snippet != "" {
			found = true
			assert.NotContains(t, item.Snippet, "<p>", "snippets are stripped")
		}
	}
	assert.True(t, found, "single-archive scope reads snippets")

	multi := e.Search(context.Background(), "gravity", 5, []string{"wikipedia", "stackoverflow"}, false)
	for _, item := range multi.Results {
		assert.Empty(t, item.Snippet, "multi-archive scope skips snippets")
	}
}

func TestSearchDedupesTitles(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.Search(context.Background(), "gravity", 5, nil, false)
	seen := map[string]bool{}
	for _, item := range res.Results {
		k := strings.ToLower(strings.TrimSpace(item.Title))
		assert.False(t, seen[k], "title %q appears twice", item.Title)
		seen[k] = true
	}
}

func TestSearchCaching(t *testing.T) {
	e, _, _ := newTestEngine(t)
	a := e.Search(context.Background(), "gravity", 5, nil, false)
	b := e.Search(context.Background(), "gravity", 5, nil, false)
	assert.Same(t, a, b, "second identical query is served from cache")

	c := e.Search(context.Background(), "gravity", 5, nil, true)
	assert.NotSame(t, a, c, "fast flag is part of the cache key")

	e.ClearCaches()
	d := e.Search(context.Background(), "gravity", 5, nil, false)
	assert.NotSame(t, a, d)
}

func TestSuggestCachePersistence(t *testing.T) {
	e, _, dataDir := newTestEngine(t)
	e.Search(context.Background(), "grav", 5, nil, true)
	require.Greater(t, e.SuggestCacheLen(), 0)
	e.PersistSuggestCache()

	_, err := os.Stat(filepath.Join(dataDir, "suggest_cache.json"))
	require.NoError(t, err)

	// A fresh engine restores the entries.
	e2 := New(e.lib, e.idx, dataDir)
	loaded := e2.RestoreSuggestCache()
	assert.Equal(t, e.SuggestCacheLen(), loaded)
}

func TestSuggestCacheClearRemovesFile(t *testing.T) {
	e, _, dataDir := newTestEngine(t)
	e.Search(context.Background(), "grav", 5, nil, true)
	e.PersistSuggestCache()
	e.ClearCaches()
	_, err := os.Stat(filepath.Join(dataDir, "suggest_cache.json"))
	assert.True(t, os.IsNotExist(err), "clearing persists the empty state")
	assert.Equal(t, 0, e.SuggestCacheLen())
}

func TestCleanQuery(t *testing.T) {
	assert.Equal(t, "capital France", CleanQuery("what is the capital of France"))
	assert.Equal(t, `"the big bang" theory`, CleanQuery(`"the big bang" theory`), "quoted phrases survive")
	assert.Equal(t, "the of a", CleanQuery("the of a"), "all stop words returns the raw query")
	assert.Equal(t, "go", CleanQuery("go"))
}

func TestQueryWords(t *testing.T) {
	assert.Equal(t, []string{"capital", "france"}, queryWords("capital France", "what is the capital of France"))
	assert.Equal(t, []string{"the", "of"}, queryWords("the of", "the of"), "falls back to raw words")
}

func TestScore(t *testing.T) {
	words := []string{"go", "language"}

	// Contiguous phrase: 100 + 20 (rank 0) + auth.
	s := Score("The Go language guide", words, 0, 1000)
	assert.InDelta(t, 100+20+1.5, s, 0.01)

	// All words, not contiguous: 80.
	s = Score("language of Go", words, 0, 1)
	assert.InDelta(t, 80+20+0, s, 0.01)

	// Half the words: 25.
	s = Score("Go fishing", words, 0, 1)
	assert.InDelta(t, 25+20, s, 0.01)

	// No title match: rank score capped at 5.
	s = Score("Unrelated", words, 0, 1)
	assert.InDelta(t, 5, s, 0.01)

	// Deep rank decays.
	s = Score("The Go language guide", words, 9, 1)
	assert.InDelta(t, 100+2, s, 0.01)

	// Authority caps at 5.
	s = Score("Unrelated", words, 50, 1e20)
	assert.InDelta(t, 20.0/51+5, s, 0.01)
}

func TestSearchTargetsSmallestFirst(t *testing.T) {
	e, _, _ := newTestEngine(t)
	targets, errMsg := e.selectTargets(nil)
	require.Empty(t, errMsg)
	require.Equal(t, []string{"stackoverflow", "wikipedia"}, targets, "fewer entries searches first")

	single, _ := e.selectTargets([]string{"wikipedia"})
	assert.Equal(t, []string{"wikipedia"}, single)
}
