// Package kiwix talks to the kiwix OPDS library catalog: browsing and
// searching remote archives, and comparing installed editions against
// the catalog to find updates.
package kiwix

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zimi/zimi/lib/rest"
	"github.com/zimi/zimi/zim"
)

const (
	// opdsHost is the catalog origin, also used to absolute-ize the
	// relative thumbnail links the feed carries.
	opdsHost   = "https://library.kiwix.org"
	searchPath = "/catalog/search"

	acquisitionRel = "http://opds-spec.org/acquisition/open-access"
	thumbnailRel   = "http://opds-spec.org/image/thumbnail"
	zimMediaType   = "application/x-zim"

	// updatePageSize is the page size used when walking the whole
	// catalog for an update check.
	updatePageSize = 500
)

// CatalogTimeout bounds one catalog page fetch.
const CatalogTimeout = 15 * time.Second

// Item is one catalog row.
type Item struct {
	Name         string `json:"name"`
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	Language     string `json:"language"`
	Category     string `json:"category"`
	Author       string `json:"author"`
	Date         string `json:"date"`
	ArticleCount int    `json:"article_count"`
	MediaCount   int    `json:"media_count"`
	SizeBytes    int64  `json:"size_bytes"`
	DownloadURL  string `json:"download_url"`
	IconURL      string `json:"icon_url"`
	Installed    bool   `json:"installed"`
}

// Update describes an installed archive with a newer catalog edition.
type Update struct {
	Name          string `json:"name"`
	InstalledFile string `json:"installed_file"`
	InstalledDate string `json:"installed_date"`
	LatestDate    string `json:"latest_date"`
	DownloadURL   string `json:"download_url"`
	Title         string `json:"title"`
	SizeBytes     int64  `json:"size_bytes"`
}

// Installed is one locally installed archive, input to CheckUpdates.
// Date is the YYYY-MM edition stamp from the filename; undated files
// cannot be matched and are skipped.
type Installed struct {
	Name     string
	Filename string
	Date     string
}

// CatalogOptions are the query parameters for one catalog page.
type CatalogOptions struct {
	Query string
	Lang  string // empty sends no language filter
	Count int
	Start int
	// InstalledBases holds date-stripped lowercased filename bases of
	// the local archives, used to flag catalog rows already installed.
	InstalledBases map[string]bool
}

// Client fetches the OPDS catalog.
type Client struct {
	rc *rest.Client
}

// NewClient builds a catalog client on hc, which should carry the
// catalog timeout.
func NewClient(hc *http.Client) *Client {
	return &Client{rc: rest.NewClient(hc).SetRoot(opdsHost)}
}

// SetRoot points the client at a different catalog origin, for mirrors
// and tests.
func (c *Client) SetRoot(origin string) *Client {
	c.rc.SetRoot(origin)
	return c
}

// Atom feed shapes. The catalog mixes namespaces (totalResults lives in
// the Atom namespace on kiwix, OpenSearch elsewhere), so elements are
// matched by local name only.
type opdsFeed struct {
	TotalResults string      `xml:"totalResults"`
	Entries      []opdsEntry `xml:"entry"`
}

type opdsEntry struct {
	Name         string `xml:"name"`
	Title        string `xml:"title"`
	Summary      string `xml:"summary"`
	Language     string `xml:"language"`
	Category     string `xml:"category"`
	ArticleCount string `xml:"articleCount"`
	MediaCount   string `xml:"mediaCount"`
	Author       struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Issued string     `xml:"issued"`
	Links  []opdsLink `xml:"link"`
}

type opdsLink struct {
	Rel    string `xml:"rel,attr"`
	Href   string `xml:"href,attr"`
	Type   string `xml:"type,attr"`
	Length string `xml:"length,attr"`
}

// Catalog fetches one page of the catalog.
func (c *Client) Catalog(ctx context.Context, opts CatalogOptions) (total int, items []Item, err error) {
	params := url.Values{
		"count": {strconv.Itoa(opts.Count)},
		"start": {strconv.Itoa(opts.Start)},
	}
	if opts.Query != "" {
		params.Set("q", opts.Query)
	}
	if opts.Lang != "" {
		params.Set("lang", opts.Lang)
	}

	var feed opdsFeed
	_, err = c.rc.CallXML(ctx, &rest.Opts{
		Method:     "GET",
		Path:       searchPath,
		Parameters: params,
	}, &feed)
	if err != nil {
		return 0, nil, err
	}

	total, _ = strconv.Atoi(strings.TrimSpace(feed.TotalResults))
	items = make([]Item, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		items = append(items, itemFromEntry(e, opts.InstalledBases))
	}
	return total, items, nil
}

// itemFromEntry flattens one Atom entry into a catalog row.
func itemFromEntry(e opdsEntry, installedBases map[string]bool) Item {
	item := Item{
		Name:     e.Name,
		Title:    e.Title,
		Summary:  e.Summary,
		Language: e.Language,
		Category: e.Category,
	}
	item.ArticleCount, _ = strconv.Atoi(e.ArticleCount)
	item.MediaCount, _ = strconv.Atoi(e.MediaCount)
	if e.Author.Name != "" && e.Author.Name != "-" {
		item.Author = e.Author.Name
	}
	if len(e.Issued) >= 10 {
		item.Date = e.Issued[:10]
	} else {
		item.Date = e.Issued
	}
	for _, link := range e.Links {
		switch {
		case link.Rel == acquisitionRel && link.Type == zimMediaType:
			item.DownloadURL = link.Href
			item.SizeBytes, _ = strconv.ParseInt(link.Length, 10, 64)
		case link.Rel == thumbnailRel:
			if strings.HasPrefix(link.Href, "/") {
				item.IconURL = opdsHost + link.Href
			} else {
				item.IconURL = link.Href
			}
		}
	}
	if item.DownloadURL != "" && len(installedBases) > 0 {
		filename := item.DownloadURL[strings.LastIndex(item.DownloadURL, "/")+1:]
		filename = strings.TrimSuffix(filename, ".meta4")
		base, _ := zim.SplitDate(filename)
		item.Installed = installedBases[strings.ToLower(base)]
	}
	return item
}

// CheckUpdates walks the whole catalog and reports newer editions of
// the installed archives. The longest catalog name wins when several
// prefix-match the same file, so "wikipedia_en_all_maxi" is not
// mistaken for a "wikipedia_en_all" edition.
func (c *Client) CheckUpdates(ctx context.Context, installed []Installed) ([]Update, error) {
	dated := make([]Installed, 0, len(installed))
	for _, inst := range installed {
		if inst.Date != "" {
			dated = append(dated, inst)
		}
	}
	if len(dated) == 0 {
		return nil, nil
	}

	total, all, err := c.Catalog(ctx, CatalogOptions{Lang: "eng", Count: updatePageSize})
	if err != nil {
		return nil, err
	}
	for len(all) < total {
		_, more, err := c.Catalog(ctx, CatalogOptions{Lang: "eng", Count: updatePageSize, Start: len(all)})
		if err != nil || len(more) == 0 {
			break
		}
		all = append(all, more...)
	}

	type catRow struct {
		name string
		date string
		item Item
	}
	index := make([]catRow, 0, len(all))
	for _, item := range all {
		if item.DownloadURL == "" || item.Name == "" || item.Date == "" {
			continue
		}
		date := item.Date
		if len(date) > 7 {
			date = date[:7]
		}
		index = append(index, catRow{name: item.Name, date: date, item: item})
	}

	var updates []Update
	for _, inst := range dated {
		filebase := strings.ReplaceAll(inst.Filename, ".zim", "")
		var best *catRow
		bestLen := 0
		for i := range index {
			row := &index[i]
			if strings.HasPrefix(filebase, row.name+"_") && row.date > inst.Date && len(row.name) > bestLen {
				best = row
				bestLen = len(row.name)
			}
		}
		if best == nil {
			continue
		}
		updates = append(updates, Update{
			Name:          inst.Name,
			InstalledFile: inst.Filename,
			InstalledDate: inst.Date,
			LatestDate:    best.date,
			DownloadURL:   best.item.DownloadURL,
			Title:         best.item.Title,
			SizeBytes:     best.item.SizeBytes,
		})
	}
	return updates, nil
}
