package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/zim/zimtest"
)

// buildResolver assembles a library from archives keyed by filename and
// returns a resolver with the domain table already built.
func buildResolver(t *testing.T, archives map[string]*zimtest.Archive) *Resolver {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, ".zimi")
	require.NoError(t, os.MkdirAll(dataDir, 0777))

	drv := zimtest.NewDriver()
	for filename, arc := range archives {
		drv.Add(zimtest.WriteStub(t, dir, filename), arc)
	}
	lib := library.New(dir, dataDir, drv)
	_, err := lib.LoadCache(false)
	require.NoError(t, err)
	t.Cleanup(lib.Close)

	r := New(lib)
	r.Rebuild()
	return r
}

func TestRebuildFilenameDomains(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"stackoverflow.com_en_all_2023-05.zim": zimtest.NewArchive("Stack Overflow").
			AddHTML("A/questions/123/how", "How", "<p>x</p>"),
	})

	d := r.Domains()
	assert.Equal(t, "stackoverflow", d["stackoverflow.com"])
	assert.Equal(t, "stackoverflow", d["www.stackoverflow.com"])
	assert.Equal(t, "stackoverflow", d["m.stackoverflow.com"])
}

func TestRebuildSourceMetadata(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"wikipedia_en_all_maxi_2024-03.zim": zimtest.NewArchive("Wikipedia").
			SetMetadata("Source", "https://en.wikipedia.org/").
			AddHTML("A/Cat", "Cat", "<p>cat</p>"),
		"appropedia_2023-06.zim": zimtest.NewArchive("Appropedia").
			SetMetadata("Source", "www.appropedia.org").
			AddHTML("Main_Page", "Main Page", "<p>hi</p>"),
	})

	d := r.Domains()
	assert.Equal(t, "wikipedia", d["en.wikipedia.org"])
	assert.Equal(t, "wikipedia", d["www.en.wikipedia.org"])
	// Language-prefixed Wikimedia domains get a mobile alias.
	assert.Equal(t, "wikipedia", d["en.m.wikipedia.org"])
	// Bare-host Source values register both forms.
	assert.Equal(t, "appropedia", d["www.appropedia.org"])
	assert.Equal(t, "appropedia", d["appropedia.org"])
}

func TestRebuildSkipsSourceWhenFilenameMapped(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"apod.nasa.gov_en_all.zim": zimtest.NewArchive("APOD").
			SetMetadata("Source", "https://unrelated.example.com").
			AddHTML("A/index.html", "APOD", "<p>stars</p>"),
	})

	d := r.Domains()
	assert.Equal(t, "apod.nasa.gov", d["apod.nasa.gov"])
	_, ok := d["unrelated.example.com"]
	assert.False(t, ok, "Source pass must skip archives the filename already mapped")
}

func TestRebuildSpeculative(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"wikihow_maxi_2023-01.zim": zimtest.NewArchive("wikiHow").
			AddHTML("A/Build-a-Shed", "Build a Shed", "<p>x</p>"),
		"zimgit-water_2023-01.zim": zimtest.NewArchive("Water").
			AddHTML("A/index", "Water", "<p>x</p>"),
		"devdocs_en_python_2024-01.zim": zimtest.NewArchive("DevDocs").
			AddHTML("A/index", "Python", "<p>x</p>"),
	})

	d := r.Domains()
	for _, tld := range []string{".com", ".org", ".io", ".net"} {
		assert.Equal(t, "wikihow", d["wikihow"+tld])
	}
	assert.Equal(t, "wikihow", d["www.wikihow.com"])
	for domain := range d {
		assert.NotContains(t, domain, "zimgit")
		assert.NotContains(t, domain, "devdocs")
	}
}

func TestRebuildFirstWins(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"xkcd.com_en_all_2023-01.zim": zimtest.NewArchive("xkcd").
			AddHTML("A/1", "1", "<p>x</p>"),
		"xkcd.com_fr_all_2023-01.zim": zimtest.NewArchive("xkcd fr").
			AddHTML("A/1", "1", "<p>x</p>"),
	})

	// Scan order is sorted filenames, so the en edition registers first.
	assert.Equal(t, "xkcd", r.Domains()["xkcd.com"])
}

func TestResolveWikimedia(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"wikipedia_en_all_maxi_2024-03.zim": zimtest.NewArchive("Wikipedia").
			SetMetadata("Source", "https://en.wikipedia.org/").
			AddHTML("A/Cat", "Cat", "<p>cat</p>").
			AddHTML("A/Felines", "Felines", "<p>felines</p>"),
	})

	res, ok := r.Resolve("https://en.wikipedia.org/wiki/Cat")
	require.True(t, ok)
	assert.Equal(t, Result{Zim: "wikipedia", Path: "A/Cat"}, res)

	// Mobile host alias.
	res, ok = r.Resolve("https://en.m.wikipedia.org/wiki/Cat")
	require.True(t, ok)
	assert.Equal(t, "A/Cat", res.Path)

	// Namespace prefixes are stripped as a fallback.
	res, ok = r.Resolve("https://en.wikipedia.org/wiki/Category:Felines")
	require.True(t, ok)
	assert.Equal(t, "A/Felines", res.Path)
}

func TestResolveStackExchange(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"stackoverflow.com_en_all_2023-05.zim": zimtest.NewArchive("Stack Overflow").
			AddHTML("A/questions/123/how", "How", "<p>x</p>").
			AddHTML("A/questions/9/a b", "Spaces", "<p>x</p>"),
	})

	res, ok := r.Resolve("https://stackoverflow.com/questions/123/how")
	require.True(t, ok)
	assert.Equal(t, Result{Zim: "stackoverflow", Path: "A/questions/123/how"}, res)

	// Percent-encoded paths are decoded before probing.
	res, ok = r.Resolve("https://m.stackoverflow.com/questions/9/a%20b")
	require.True(t, ok)
	assert.Equal(t, "A/questions/9/a b", res.Path)
}

func TestResolveBarePathFirst(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"rationalwiki_en_all_2023-11.zim": zimtest.NewArchive("RationalWiki").
			AddHTML("Water", "Water", "<p>bare</p>").
			AddHTML("A/Water", "Water", "<p>prefixed</p>"),
	})

	// MediaWiki scrapes are probed bare path first.
	res, ok := r.Resolve("https://rationalwiki.org/wiki/Water")
	require.True(t, ok)
	assert.Equal(t, "Water", res.Path)
}

func TestResolveExplainXkcd(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"explainxkcd_en_all_2024-01.zim": zimtest.NewArchive("explain xkcd").
			AddHTML("1234", "1234: Title", "<p>x</p>"),
	})

	res, ok := r.Resolve("https://www.explainxkcd.com/wiki/index.php/1234")
	require.True(t, ok)
	assert.Equal(t, Result{Zim: "explainxkcd", Path: "1234"}, res)
}

func TestResolveWikihow(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"wikihow_maxi_2023-01.zim": zimtest.NewArchive("wikiHow").
			AddHTML("A/Build-a-Shed", "Build a Shed", "<p>x</p>"),
	})

	res, ok := r.Resolve("https://www.wikihow.com/Build-a-Shed")
	require.True(t, ok)
	assert.Equal(t, Result{Zim: "wikihow", Path: "A/Build-a-Shed"}, res)
}

func TestResolveHostPrefixedPath(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"apod.nasa.gov_en_all.zim": zimtest.NewArchive("APOD").
			AddHTML("apod.nasa.gov/apod/ap240101.html", "APOD 2024-01-01", "<p>x</p>"),
	})

	res, ok := r.Resolve("https://apod.nasa.gov/apod/ap240101.html")
	require.True(t, ok)
	assert.Equal(t, "apod.nasa.gov/apod/ap240101.html", res.Path)
}

func TestResolveMisses(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"wikihow_maxi_2023-01.zim": zimtest.NewArchive("wikiHow").
			AddHTML("A/Build-a-Shed", "Build a Shed", "<p>x</p>"),
	})

	_, ok := r.Resolve("https://unknown.example.com/page")
	assert.False(t, ok)
	_, ok = r.Resolve("https://wikihow.com/No-Such-Page")
	assert.False(t, ok)
	_, ok = r.Resolve("/relative/path")
	assert.False(t, ok)
	_, ok = r.Resolve(":")
	assert.False(t, ok)
}

func TestRecordRefs(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{})

	r.Record("wikipedia", "wiktionary")
	r.Record("wikipedia", "wiktionary")
	r.Record("xkcd", "explainxkcd")
	r.Record("", "wikipedia")
	r.Record("wikipedia", "wikipedia")

	refs := r.Refs()
	require.Len(t, refs, 2)
	assert.Equal(t, Ref{From: "wikipedia", To: "wiktionary", Count: 2}, refs[0])
	assert.Equal(t, Ref{From: "xkcd", To: "explainxkcd", Count: 1}, refs[1])
}

func TestCounts(t *testing.T) {
	r := buildResolver(t, map[string]*zimtest.Archive{
		"wikihow_maxi_2023-01.zim": zimtest.NewArchive("wikiHow").
			AddHTML("A/x", "X", "<p>x</p>"),
		"zimgit-water_2023-01.zim": zimtest.NewArchive("Water").
			AddHTML("A/index", "Water", "<p>x</p>"),
	})

	assert.Equal(t, len(r.Domains()), r.DomainCount())
	assert.Equal(t, 1, r.LinkedCount())
}
