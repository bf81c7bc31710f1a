package article

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/zim/zimtest"
)

func newSnippetLibrary(t *testing.T) *library.Library {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, ".zimi")
	require.NoError(t, os.MkdirAll(dataDir, 0777))

	arc := zimtest.NewArchive("Wikipedia").
		AddHTML("A/Meta", "Meta",
			`<html><head><meta name="description" content="A concise summary of the whole topic."></head>`+
				`<body><p>Body text that should not win.</p></body></html>`).
		AddHTML("A/Card", "Card",
			`<html><head><meta content="Reversed attribute order still counts here." property="og:description"></head>`+
				`<body></body></html>`).
		AddHTML("A/Main", "Main",
			`<html><body><nav>Skip these navigation links</nav>`+
				`<main><p>The real content starts here and keeps going.</p></main></body></html>`).
		AddHTML("A/Plain", "Plain",
			"<html><body><p>"+strings.Repeat("alpha ", 100)+"</p></body></html>").
		AddHTML("A/Pic", "Pic",
			`<html><head><meta property="og:image" content="../I/pic.jpg"></head><body></body></html>`).
		AddHTML("A/External", "External",
			`<html><head><meta property="og:image" content="https://cdn.example.com/x.jpg"></head>`+
				`<body><img src="../I/pic.jpg" width="320" height="240" alt="a photograph"></body></html>`).
		AddHTML("A/Imgs", "Imgs",
			`<html><body>`+
				`<img src="../I/tiny.png" width="32" height="32">`+
				`<img src="../I/logo.png" width="400" height="300">`+
				`<img src="../I/pic.jpg" width="300" height="250">`+
				`</body></html>`).
		AddAsset("I/pic.jpg", "image/jpeg", []byte("jpegdata")).
		AddAsset("I/tiny.png", "image/png", []byte("png")).
		AddAsset("I/logo.png", "image/png", []byte("png")).
		AddAsset("I/my pic.jpg", "image/jpeg", []byte("jpegdata")).
		AddAsset("img.png", "image/png", []byte("png"))

	big := zimtest.NewArchive("Big").
		AddEntry("A/huge", "Huge", "text/html", make([]byte, MaxContentBytes+1))

	drv := zimtest.NewDriver()
	drv.Add(zimtest.WriteStub(t, dir, "wikipedia_en_all_2024-03.zim"), arc)
	drv.Add(zimtest.WriteStub(t, dir, "big_en_all.zim"), big)

	lib := library.New(dir, dataDir, drv)
	_, err := lib.LoadCache(false)
	require.NoError(t, err)
	t.Cleanup(lib.Close)
	return lib
}

func TestSnippetMetaDescription(t *testing.T) {
	lib := newSnippetLibrary(t)
	s, err := ExtractSnippet(lib, "wikipedia", "A/Meta")
	require.NoError(t, err)
	assert.Equal(t, "A concise summary of the whole topic.", s.Snippet)
}

func TestSnippetMetaAttributeOrder(t *testing.T) {
	lib := newSnippetLibrary(t)
	s, err := ExtractSnippet(lib, "wikipedia", "A/Card")
	require.NoError(t, err)
	assert.Equal(t, "Reversed attribute order still counts here.", s.Snippet)
}

func TestSnippetMainFallback(t *testing.T) {
	lib := newSnippetLibrary(t)
	s, err := ExtractSnippet(lib, "wikipedia", "A/Main")
	require.NoError(t, err)
	assert.Equal(t, "The real content starts here and keeps going.", s.Snippet)
}

func TestSnippetFullTextFallback(t *testing.T) {
	lib := newSnippetLibrary(t)
	s, err := ExtractSnippet(lib, "wikipedia", "A/Plain")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.Snippet, "alpha alpha"))
	assert.LessOrEqual(t, len([]rune(s.Snippet)), snippetChars)
	assert.NotContains(t, s.Snippet, "...", "snippets are cut, not ellipsised")
}

func TestSnippetMetaImage(t *testing.T) {
	lib := newSnippetLibrary(t)
	s, err := ExtractSnippet(lib, "wikipedia", "A/Pic")
	require.NoError(t, err)
	assert.Equal(t, "/w/wikipedia/I/pic.jpg", s.Thumbnail)
}

func TestSnippetExternalMetaImageFallsBack(t *testing.T) {
	lib := newSnippetLibrary(t)
	s, err := ExtractSnippet(lib, "wikipedia", "A/External")
	require.NoError(t, err)
	assert.Equal(t, "/w/wikipedia/I/pic.jpg", s.Thumbnail, "external social card is ignored, content image wins")
}

func TestSnippetContentImageScoring(t *testing.T) {
	lib := newSnippetLibrary(t)
	s, err := ExtractSnippet(lib, "wikipedia", "A/Imgs")
	require.NoError(t, err)
	assert.Equal(t, "/w/wikipedia/I/pic.jpg", s.Thumbnail, "icons and logos are skipped")
}

func TestSnippetSoftFailures(t *testing.T) {
	lib := newSnippetLibrary(t)

	s, err := ExtractSnippet(lib, "wikipedia", "A/Missing")
	require.NoError(t, err)
	assert.Empty(t, s.Snippet)
	assert.Empty(t, s.Thumbnail)

	s, err = ExtractSnippet(lib, "big", "A/huge")
	require.NoError(t, err)
	assert.Empty(t, s.Snippet, "oversized entries are skipped")
}

func TestSnippetUnknownArchive(t *testing.T) {
	lib := newSnippetLibrary(t)
	_, err := ExtractSnippet(lib, "nope", "A/x")
	require.Error(t, err)
	assert.Equal(t, "ZIM 'nope' not found", err.Error())
}

func TestResolveImgPath(t *testing.T) {
	arc := zimtest.NewArchive("T").
		AddHTML("A/page", "Page", "<html></html>").
		AddHTML("A/sub/page", "Sub", "<html></html>").
		AddAsset("I/pic.jpg", "image/jpeg", []byte("x")).
		AddAsset("I/my pic.jpg", "image/jpeg", []byte("x")).
		AddAsset("img.png", "image/png", []byte("x"))
	drv := zimtest.NewDriver()
	drv.Add("t.zim", arc)
	r, err := drv.Open("t.zim")
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	for _, tc := range []struct {
		entry, src, want string
	}{
		{"A/page", "../I/pic.jpg", "I/pic.jpg"},
		{"A/sub/page", "../../I/pic.jpg", "I/pic.jpg"},
		{"A/page", "/I/pic.jpg", "I/pic.jpg"},
		{"A/page", "/A/img.png", "img.png"}, // A/ prefix retried bare
		{"A/page", `..\I\pic.jpg`, "I/pic.jpg"},
		{"A/page", "../I/my%20pic.jpg", "I/my pic.jpg"},
		{"A/page", "../I/my%2520pic.jpg", "I/my pic.jpg"}, // double-encoded
		{"A/page", "./../I/./pic.jpg", "I/pic.jpg"},
		{"A/page", "../I/missing.jpg", ""},
	} {
		got := resolveImgPath(r, tc.entry, tc.src)
		assert.Equal(t, tc.want, got, "entry %q src %q", tc.entry, tc.src)
	}
}
