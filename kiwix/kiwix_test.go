package kiwix

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimi/zimi/download"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/state"
	"github.com/zimi/zimi/zim/zimtest"
)

const catalogFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"
      xmlns:dc="http://purl.org/dc/terms/"
      xmlns:opds="http://opds-spec.org/2010/catalog">
  <id>randomid</id>
  <title>All zims</title>
  <updated>2024-05-20T00:00:00Z</updated>
  <totalResults>2</totalResults>
  <entry>
    <id>uuid:1</id>
    <name>wikipedia_en_all_maxi</name>
    <title>Wikipedia</title>
    <updated>2024-05-14T00:00:00Z</updated>
    <summary>The free encyclopedia</summary>
    <language>eng</language>
    <category>wikipedia</category>
    <articleCount>6500000</articleCount>
    <mediaCount>40</mediaCount>
    <author><name>Kiwix</name></author>
    <dc:issued>2024-05-14T00:00:00Z</dc:issued>
    <link rel="http://opds-spec.org/acquisition/open-access" type="application/x-zim"
          href="https://download.kiwix.org/zim/wikipedia/wikipedia_en_all_maxi_2024-05.zim.meta4" length="109000000000"/>
    <link rel="http://opds-spec.org/image/thumbnail" type="image/png"
          href="/catalog/v2/illustration/abc/?size=48"/>
  </entry>
  <entry>
    <id>uuid:2</id>
    <name>xkcd_en_all</name>
    <title>xkcd</title>
    <summary>Comics</summary>
    <language>eng</language>
    <category>other</category>
    <articleCount>3000</articleCount>
    <mediaCount>3000</mediaCount>
    <author><name>-</name></author>
    <dc:issued>2024-01-02T00:00:00Z</dc:issued>
    <link rel="http://opds-spec.org/acquisition/open-access" type="application/x-zim"
          href="https://download.kiwix.org/zim/other/xkcd_en_all_2024-01.zim.meta4" length="130000000"/>
  </entry>
</feed>`

// newTestClient serves feed from a local server and points the client
// at it.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(&http.Client{})
	c.rc.SetRoot(srv.URL)
	return c
}

func TestCatalog(t *testing.T) {
	var gotQuery map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/atom+xml;charset=utf-8")
		_, _ = w.Write([]byte(catalogFeed))
	})

	total, items, err := c.Catalog(context.Background(), CatalogOptions{
		Query: "wiki",
		Lang:  "eng",
		Count: 20,
		InstalledBases: map[string]bool{
			"wikipedia_en_all_maxi": true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)

	assert.Equal(t, []string{"20"}, gotQuery["count"])
	assert.Equal(t, []string{"0"}, gotQuery["start"])
	assert.Equal(t, []string{"wiki"}, gotQuery["q"])
	assert.Equal(t, []string{"eng"}, gotQuery["lang"])

	wp := items[0]
	assert.Equal(t, "wikipedia_en_all_maxi", wp.Name)
	assert.Equal(t, "Wikipedia", wp.Title)
	assert.Equal(t, "The free encyclopedia", wp.Summary)
	assert.Equal(t, "eng", wp.Language)
	assert.Equal(t, "wikipedia", wp.Category)
	assert.Equal(t, "Kiwix", wp.Author)
	assert.Equal(t, "2024-05-14", wp.Date)
	assert.Equal(t, 6500000, wp.ArticleCount)
	assert.Equal(t, 40, wp.MediaCount)
	assert.Equal(t, int64(109000000000), wp.SizeBytes)
	assert.Equal(t, "https://download.kiwix.org/zim/wikipedia/wikipedia_en_all_maxi_2024-05.zim.meta4", wp.DownloadURL)
	assert.Equal(t, "https://library.kiwix.org/catalog/v2/illustration/abc/?size=48", wp.IconURL)
	assert.True(t, wp.Installed)

	xk := items[1]
	assert.Equal(t, "xkcd_en_all", xk.Name)
	assert.Empty(t, xk.Author, "placeholder author should be dropped")
	assert.False(t, xk.Installed)
}

func TestCatalogOmitsEmptyParams(t *testing.T) {
	var gotQuery map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(catalogFeed))
	})

	_, _, err := c.Catalog(context.Background(), CatalogOptions{Count: 20})
	require.NoError(t, err)
	_, hasQ := gotQuery["q"]
	_, hasLang := gotQuery["lang"]
	assert.False(t, hasQ)
	assert.False(t, hasLang)
}

func TestCatalogServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "catalog down", http.StatusInternalServerError)
	})

	_, _, err := c.Catalog(context.Background(), CatalogOptions{Count: 20})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

const updateFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:dc="http://purl.org/dc/terms/">
  <totalResults>3</totalResults>
  <entry>
    <name>wikipedia_en_all</name>
    <title>Wikipedia (all)</title>
    <dc:issued>2024-06-01T00:00:00Z</dc:issued>
    <link rel="http://opds-spec.org/acquisition/open-access" type="application/x-zim"
          href="https://download.kiwix.org/zim/wikipedia/wikipedia_en_all_2024-06.zim.meta4" length="1"/>
  </entry>
  <entry>
    <name>wikipedia_en_all_maxi</name>
    <title>Wikipedia</title>
    <dc:issued>2024-05-14T00:00:00Z</dc:issued>
    <link rel="http://opds-spec.org/acquisition/open-access" type="application/x-zim"
          href="https://download.kiwix.org/zim/wikipedia/wikipedia_en_all_maxi_2024-05.zim.meta4" length="109000000000"/>
  </entry>
  <entry>
    <name>xkcd_en_all</name>
    <title>xkcd</title>
    <dc:issued>2024-01-02T00:00:00Z</dc:issued>
    <link rel="http://opds-spec.org/acquisition/open-access" type="application/x-zim"
          href="https://download.kiwix.org/zim/other/xkcd_en_all_2024-01.zim.meta4" length="130000000"/>
  </entry>
</feed>`

func TestCheckUpdates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eng", r.URL.Query().Get("lang"))
		_, _ = w.Write([]byte(updateFeed))
	})

	updates, err := c.CheckUpdates(context.Background(), []Installed{
		{Name: "wikipedia", Filename: "wikipedia_en_all_maxi_2024-03.zim", Date: "2024-03"},
		{Name: "xkcd", Filename: "xkcd_en_all_2024-01.zim", Date: "2024-01"},
	})
	require.NoError(t, err)
	require.Len(t, updates, 1)

	// The longest catalog name wins, so the maxi flavor is not offered
	// the plain wikipedia_en_all edition from June.
	upd := updates[0]
	assert.Equal(t, "wikipedia", upd.Name)
	assert.Equal(t, "wikipedia_en_all_maxi_2024-03.zim", upd.InstalledFile)
	assert.Equal(t, "2024-03", upd.InstalledDate)
	assert.Equal(t, "2024-05", upd.LatestDate)
	assert.Equal(t, "https://download.kiwix.org/zim/wikipedia/wikipedia_en_all_maxi_2024-05.zim.meta4", upd.DownloadURL)
	assert.Equal(t, "Wikipedia", upd.Title)
	assert.Equal(t, int64(109000000000), upd.SizeBytes)
}

func TestCheckUpdatesPaginates(t *testing.T) {
	page1 := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:dc="http://purl.org/dc/terms/">
  <totalResults>2</totalResults>
  <entry>
    <name>alpha</name><title>Alpha</title>
    <dc:issued>2024-06-01T00:00:00Z</dc:issued>
    <link rel="http://opds-spec.org/acquisition/open-access" type="application/x-zim"
          href="https://download.kiwix.org/zim/alpha_2024-06.zim" length="1"/>
  </entry>
</feed>`
	page2 := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:dc="http://purl.org/dc/terms/">
  <totalResults>2</totalResults>
  <entry>
    <name>beta</name><title>Beta</title>
    <dc:issued>2024-06-01T00:00:00Z</dc:issued>
    <link rel="http://opds-spec.org/acquisition/open-access" type="application/x-zim"
          href="https://download.kiwix.org/zim/beta_2024-06.zim" length="1"/>
  </entry>
</feed>`
	var starts []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		starts = append(starts, start)
		if start == "0" {
			_, _ = w.Write([]byte(page1))
		} else {
			_, _ = w.Write([]byte(page2))
		}
	})

	updates, err := c.CheckUpdates(context.Background(), []Installed{
		{Name: "beta", Filename: "beta_2024-01.zim", Date: "2024-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, starts)
	require.Len(t, updates, 1)
	assert.Equal(t, "beta", updates[0].Name)
}

func TestCheckUpdatesNothingDated(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	updates, err := c.CheckUpdates(context.Background(), []Installed{
		{Name: "undated", Filename: "undated.zim"},
	})
	require.NoError(t, err)
	assert.Nil(t, updates)
	assert.False(t, called, "no dated archives means no catalog fetch")
}

// buildLibrary assembles a library from archives keyed by filename.
func buildLibrary(t *testing.T, archives map[string]*zimtest.Archive) *library.Library {
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
	return lib
}

func TestInstalledArchives(t *testing.T) {
	lib := buildLibrary(t, map[string]*zimtest.Archive{
		"wikipedia_en_all_maxi_2024-03.zim": zimtest.NewArchive("Wikipedia").
			AddHTML("A/x", "X", "<p>x</p>"),
		"zimgit-water.zim": zimtest.NewArchive("Water").
			AddHTML("A/y", "Y", "<p>y</p>"),
	})

	rows := InstalledArchives(lib)
	require.Len(t, rows, 1)
	assert.Equal(t, Installed{
		Name:     "wikipedia",
		Filename: "wikipedia_en_all_maxi_2024-03.zim",
		Date:     "2024-03",
	}, rows[0])
}

// deadTransport refuses every request, keeping update downloads off the
// network while still letting them register.
type deadTransport struct{}

func (deadTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("no network in tests")
}

func TestUpdaterCheckOnce(t *testing.T) {
	feed := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:dc="http://purl.org/dc/terms/">
  <totalResults>1</totalResults>
  <entry>
    <name>wikipedia_en_all_maxi</name><title>Wikipedia</title>
    <dc:issued>2099-01-15T00:00:00Z</dc:issued>
    <link rel="http://opds-spec.org/acquisition/open-access" type="application/x-zim"
          href="https://download.kiwix.org/zim/wikipedia/wikipedia_en_all_maxi_2099-01.zim.meta4" length="9"/>
  </entry>
</feed>`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	})

	lib := buildLibrary(t, map[string]*zimtest.Archive{
		"wikipedia_en_all_maxi_2024-03.zim": zimtest.NewArchive("Wikipedia").
			AddHTML("A/x", "X", "<p>x</p>"),
	})
	settings := state.NewAutoUpdate(t.TempDir(), false, false, "weekly")
	downloads := download.New(lib.Dir(), &http.Client{Transport: deadTransport{}}, download.Hooks{})

	u := &Updater{Client: c, Library: lib, Settings: settings, Downloads: downloads}
	u.checkOnce(context.Background())

	assert.WithinDuration(t, time.Now(), settings.LastCheck(), 5*time.Second)
	list := downloads.List()
	require.Len(t, list, 1)
	assert.Equal(t, "wikipedia_en_all_maxi_2099-01.zim", list[0].Filename)
	assert.True(t, list[0].IsUpdate)
}
