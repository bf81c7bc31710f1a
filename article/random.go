package article

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/zim"
)

// metaTitleRe matches portal, index and housekeeping pages that make
// poor random picks.
var metaTitleRe = regexp.MustCompile(`(?i)^(Portal:|Category:|Wikipedia:|Template:|Help:|File:|Special:|List of |Index of |Outline of )`)

// Service answers random article requests over a library. It keeps two
// small per-archive caches that are expensive to rebuild: the sorted
// factbook country list and the xkcd comic number to date map.
type Service struct {
	lib *library.Library

	mu        sync.Mutex
	factbook  map[string][]countryPage
	xkcdDates map[string]map[string]string
}

type countryPage struct {
	Path  string
	Title string
}

// NewService creates a Service over lib.
func NewService(lib *library.Library) *Service {
	return &Service{
		lib:       lib,
		factbook:  map[string][]countryPage{},
		xkcdDates: map[string]map[string]string{},
	}
}

// ClearCaches drops the per-archive caches. Called after library
// refreshes since the backing archives may have been replaced.
func (s *Service) ClearCaches() {
	s.mu.Lock()
	s.factbook = map[string][]countryPage{}
	s.xkcdDates = map[string]map[string]string{}
	s.mu.Unlock()
}

// RandomOptions tunes a random article pick.
type RandomOptions struct {
	// Date, as MMDD, makes the first attempt a dated pick: the
	// astronomy picture for that day, an event from a Wikipedia date
	// page, the factbook country of the day.
	Date string
	// Seed derives a deterministic generator from the archive name, so
	// repeated calls within a day land on the same article.
	Seed string
	// WithPreview enriches the result with a thumbnail, blurb and
	// related fields extracted from the article body.
	WithPreview bool
	// RequireThumb retries until a pick has a thumbnail, within limits.
	RequireThumb bool
	// WithDate resolves the publication date for xkcd comics.
	WithDate bool
}

// RandomResult is a randomly picked article, optionally enriched by the
// preview extractor.
type RandomResult struct {
	Zim          string `json:"zim"`
	Path         string `json:"path"`
	Title        string `json:"title"`
	Thumbnail    string `json:"thumbnail,omitempty"`
	Blurb        string `json:"blurb,omitempty"`
	Attribution  string `json:"attribution,omitempty"`
	Speaker      string `json:"speaker,omitempty"`
	Author       string `json:"author,omitempty"`
	PartOfSpeech string `json:"part_of_speech,omitempty"`
	Date         string `json:"date,omitempty"`
}

type pick struct {
	Path  string
	Title string
}

// PickArchive chooses a random archive with more than 100 entries, so
// unscoped random picks skip stub archives.
func (s *Service) PickArchive() (string, bool) {
	var eligible []string
	for _, arc := range s.lib.Archives() {
		if arc.Entries > 100 {
			eligible = append(eligible, arc.Name)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}
	return eligible[rand.Intn(len(eligible))], true
}

// Random picks a random article from the named archive. Wiktionaries
// retry up to 50 times hunting for an interesting English entry;
// RequireThumb retries up to 5 times; otherwise one attempt is made and
// the result, preview or not, is returned.
func (s *Service) Random(name string, opts RandomOptions) (*RandomResult, error) {
	reader, lock := s.lib.ContentArchive(name)
	if reader == nil {
		return nil, errors.New("archive not available")
	}

	rng := rand.New(rand.NewSource(rand.Int63()))
	if opts.Seed != "" {
		rng = seededRand(name, opts.Seed)
	}

	lower := strings.ToLower(name)
	isWiktionary := strings.Contains(lower, "wiktionary")
	maxTries := 1
	switch {
	case isWiktionary:
		maxTries = 50
	case opts.RequireThumb:
		maxTries = 5
	}

	var best *pick
	var bestPrev *Preview
	for attempt := 0; attempt < maxTries; attempt++ {
		lock.Lock()
		var cur *pick
		if len(opts.Date) == 4 && attempt == 0 {
			cur = s.datedEntry(reader, name, opts.Date, rng)
		}
		if cur == nil {
			cur = randomEntry(reader, rng, 8)
		}
		var prev *Preview
		if cur != nil && opts.WithPreview {
			prev = extractPreview(reader, name, cur.Path)
		}
		lock.Unlock()
		if cur == nil {
			continue
		}
		// Boring or non-English wiktionary entries are kept only as a
		// fallback while the hunt continues
		if isWiktionary && prev != nil && (prev.NonEnglish || prev.Boring) {
			if best == nil {
				best, bestPrev = cur, prev
			}
			continue
		}
		if isWiktionary && prev != nil {
			best, bestPrev = cur, prev
			break
		}
		if !opts.RequireThumb || (prev != nil && prev.Thumbnail != "") {
			best, bestPrev = cur, prev
			break
		}
		if best == nil {
			best, bestPrev = cur, prev
		}
	}
	if best == nil {
		return nil, errors.New("no articles found")
	}

	out := &RandomResult{Zim: name, Path: best.Path, Title: best.Title}
	if bestPrev != nil {
		if bestPrev.Title != "" {
			out.Title = bestPrev.Title
		}
		out.Thumbnail = bestPrev.Thumbnail
		out.Blurb = bestPrev.Blurb
		out.Attribution = bestPrev.Attribution
		out.Speaker = bestPrev.Speaker
		out.Author = bestPrev.Author
		out.PartOfSpeech = bestPrev.PartOfSpeech
	}
	if opts.WithDate && strings.Contains(lower, "xkcd") {
		lock.Lock()
		out.Date = s.xkcdDate(reader, name, best.Path)
		lock.Unlock()
	}
	return out, nil
}

// seededRand derives a generator from the archive name and the client
// seed. The same (name, seed) pair always yields the same article.
func seededRand(name, seed string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(name + seed))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// randomEntry probes random entry indexes for an HTML or PDF article,
// falling back to suggestion lookups with random two-letter prefixes.
// Caller holds the archive lock.
func randomEntry(r zim.Reader, rng *rand.Rand, maxAttempts int) *pick {
	if total := r.EntryCount(); total > 0 {
		for i := 0; i < maxAttempts; i++ {
			entry, err := r.EntryAt(rng.Intn(total))
			if err != nil {
				continue
			}
			if entry.IsRedirect() {
				if entry, err = entry.Redirect(); err != nil {
					continue
				}
			}
			mt := entry.MimeType()
			if !strings.HasPrefix(mt, "text/html") && mt != "application/pdf" {
				continue
			}
			if strings.HasPrefix(entry.Path(), "_") || strings.HasPrefix(entry.Path(), "-/") {
				continue
			}
			title := entry.Title()
			if metaTitleRe.MatchString(title) {
				continue
			}
			return &pick{Path: entry.Path(), Title: title}
		}
	}

	for i := 0; i < maxAttempts; i++ {
		prefix := string([]byte{randLetter(rng), randLetter(rng)})
		hits, err := r.Suggest(prefix, 30)
		if err != nil || len(hits) == 0 {
			continue
		}
		if p := pickHTMLEntry(r, hits, rng); p != nil {
			return p
		}
	}
	return nil
}

func randLetter(rng *rand.Rand) byte {
	return byte('a' + rng.Intn(26))
}

// pickHTMLEntry returns the first hit, in shuffled order, that resolves
// to an HTML or PDF article. Caller holds the archive lock.
func pickHTMLEntry(r zim.Reader, hits []zim.Hit, rng *rand.Rand) *pick {
	paths := make([]string, len(hits))
	for i, h := range hits {
		paths[i] = h.Path
	}
	rng.Shuffle(len(paths), func(i, j int) { paths[i], paths[j] = paths[j], paths[i] })
	for _, path := range paths {
		entry, err := r.EntryByPath(path)
		if err != nil {
			continue
		}
		if entry.IsRedirect() {
			if entry, err = entry.Redirect(); err != nil {
				continue
			}
		}
		mt := entry.MimeType()
		if mt != "" && !strings.HasPrefix(mt, "text/html") && mt != "application/pdf" {
			continue
		}
		return &pick{Path: entry.Path(), Title: entry.Title()}
	}
	return nil
}

var monthNames = [...]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var (
	dateLinkRe   = regexp.MustCompile(`href=["'](?:\./|A/)([^"'#]+)["']`)
	digitsOnlyRe = regexp.MustCompile(`^\d+$`)

	factbookSuffixRe = regexp.MustCompile(`\s*[–—]\s*The World Factbook.*$`)
	factbookRegionRe = regexp.MustCompile(`^[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s*::\s*`)
)

var linkNamespaces = []string{"Category:", "Wikipedia:", "Template:", "Help:", "Portal:", "File:", "Special:"}

// datedEntry finds an article tied to the date mmdd. Archive families
// store dates differently, so each gets its own strategy, with a full
// text search for "Month day" as the catch-all. Caller holds the
// archive lock.
func (s *Service) datedEntry(r zim.Reader, name, mmdd string, rng *rand.Rand) *pick {
	mm, err := strconv.Atoi(mmdd[:2])
	if err != nil || mm < 1 || mm > 12 {
		return nil
	}
	dd, err := strconv.Atoi(mmdd[2:])
	if err != nil || dd < 1 || dd > 31 {
		return nil
	}
	monthName := monthNames[mm-1]
	dayNum := strconv.Itoa(dd)
	lower := strings.ToLower(name)

	// The astronomy picture of the day keeps one page per date; probe
	// recent years until one exists
	if strings.Contains(lower, "apod") {
		year := time.Now().Year()
		for off := 0; off < 30; off++ {
			path := fmt.Sprintf("apod.nasa.gov/apod/ap%02d%s.html", (year-off)%100, mmdd)
			if entry, err := r.EntryByPath(path); err == nil {
				return &pick{Path: path, Title: entry.Title()}
			}
		}
	}

	// Wikipedia date pages are event lists; follow a random article
	// link off the page instead of returning the list itself
	if strings.Contains(lower, "wikipedia") {
		if p := wikipediaDatedPick(r, monthName, dayNum, rng); p != nil {
			return p
		}
	}

	// The factbook rotates through countries by day of year
	if strings.Contains(lower, "theworldfactbook") {
		if countries := s.factbookCountries(r, name); len(countries) > 0 {
			c := countries[time.Now().YearDay()%len(countries)]
			return &pick{Path: c.Path, Title: cleanFactbookTitle(c.Title)}
		}
	}

	if hits, err := r.Search(monthName+" "+dayNum, 10); err == nil && len(hits) > 0 {
		if p := pickHTMLEntry(r, hits, rng); p != nil {
			return p
		}
	}
	return nil
}

func wikipediaDatedPick(r zim.Reader, monthName, dayNum string, rng *rand.Rand) *pick {
	var pageHTML string
	for _, prefix := range []string{"A/", ""} {
		entry, err := r.EntryByPath(prefix + monthName + "_" + dayNum)
		if err != nil {
			continue
		}
		if entry.IsRedirect() {
			if entry, err = entry.Redirect(); err != nil {
				continue
			}
		}
		raw, err := entry.Content()
		if err != nil {
			continue
		}
		pageHTML = head(string(raw), 100000)
		break
	}
	if pageHTML == "" {
		return nil
	}

	// Harvest article links, dropping year pages, namespaces and dups
	seen := map[string]bool{}
	var candidates []string
	for _, m := range dateLinkRe.FindAllStringSubmatch(pageHTML, -1) {
		link := m[1]
		clean := strings.ReplaceAll(urlUnquote(link), "_", " ")
		if seen[clean] || digitsOnlyRe.MatchString(clean) {
			continue
		}
		if hasNamespacePrefix(clean) {
			continue
		}
		seen[clean] = true
		candidates = append(candidates, link)
	}
	rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > 30 {
		candidates = candidates[:30]
	}
	for _, link := range candidates {
		for _, prefix := range []string{"A/", ""} {
			entry, err := r.EntryByPath(prefix + link)
			if err != nil {
				continue
			}
			if entry.IsRedirect() {
				if entry, err = entry.Redirect(); err != nil {
					continue
				}
			}
			if !strings.HasPrefix(entry.MimeType(), "text/html") {
				continue
			}
			title := entry.Title()
			if metaTitleRe.MatchString(title) || len(title) < 3 {
				continue
			}
			return &pick{Path: entry.Path(), Title: title}
		}
	}
	return nil
}

func hasNamespacePrefix(title string) bool {
	for _, ns := range linkNamespaces {
		if strings.HasPrefix(title, ns) {
			return true
		}
	}
	return false
}

// factbookCountries scans the archive for country pages, sorted by
// title. The scan walks every entry so the result is cached per
// archive. Caller holds the archive lock.
func (s *Service) factbookCountries(r zim.Reader, name string) []countryPage {
	s.mu.Lock()
	if pages, ok := s.factbook[name]; ok {
		s.mu.Unlock()
		return pages
	}
	s.mu.Unlock()

	var pages []countryPage
	total := r.EntryCount()
	// Country pages live under countries/xx.html or geos/xx.html
	for _, prefix := range []string{"countries", "geos"} {
		for i := 0; i < total; i++ {
			entry, err := r.EntryAt(i)
			if err != nil {
				continue
			}
			p := entry.Path()
			if strings.HasPrefix(p, prefix+"/") && strings.HasSuffix(p, ".html") && len(p) == len(prefix)+8 {
				pages = append(pages, countryPage{Path: p, Title: entry.Title()})
			}
		}
		if len(pages) > 0 {
			break
		}
	}
	if len(pages) == 0 {
		// Older layouts: any two-segment HTML page that is not a field
		// listing
		for i := 0; i < total; i++ {
			entry, err := r.EntryAt(i)
			if err != nil {
				continue
			}
			p := entry.Path()
			if strings.HasSuffix(p, ".html") && strings.Count(p, "/") == 1 &&
				!strings.HasPrefix(p, "fields/") && p != "index.html" && !strings.HasPrefix(p, "print_") {
				pages = append(pages, countryPage{Path: p, Title: entry.Title()})
			}
		}
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Title < pages[j].Title })
	zim.Infof(nil, "Factbook countries: %d entries", len(pages))

	s.mu.Lock()
	s.factbook[name] = pages
	s.mu.Unlock()
	return pages
}

func cleanFactbookTitle(title string) string {
	title = factbookSuffixRe.ReplaceAllString(title, "")
	title = factbookRegionRe.ReplaceAllString(title, "")
	return strings.TrimSpace(title)
}

var (
	xkcdArchiveRe = regexp.MustCompile(`href="[^"]*?/(\d+)/?"[^>]*?title="(\d{4}-\d{1,2}-\d{1,2})"`)
	comicNumRe    = regexp.MustCompile(`/(\d+)/?$`)
)

// xkcdDate returns the publication date for the comic at path. The
// number to date map is parsed from the bundled archive page on first
// use. Caller holds the archive lock.
func (s *Service) xkcdDate(r zim.Reader, name, path string) string {
	s.mu.Lock()
	dates, built := s.xkcdDates[name]
	s.mu.Unlock()
	if !built {
		dates = map[string]string{}
		entry, err := r.EntryByPath("xkcd.com/archive/")
		if err == nil {
			var raw []byte
			if raw, err = entry.Content(); err == nil {
				for _, m := range xkcdArchiveRe.FindAllStringSubmatch(string(raw), -1) {
					parts := strings.Split(m[2], "-")
					mo, _ := strconv.Atoi(parts[1])
					da, _ := strconv.Atoi(parts[2])
					dates[m[1]] = fmt.Sprintf("%s-%02d-%02d", parts[0], mo, da)
				}
				zim.Infof(nil, "xkcd date cache: %d comics", len(dates))
			}
		}
		if err != nil {
			zim.Logf(nil, "xkcd date cache failed: %v", err)
		}
		s.mu.Lock()
		s.xkcdDates[name] = dates
		s.mu.Unlock()
	}
	if m := comicNumRe.FindStringSubmatch(path); m != nil {
		return dates[m[1]]
	}
	return ""
}
