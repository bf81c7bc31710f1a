// Package search runs the two-phase cross-archive search: a fast
// title-only phase answering from caches and title indexes in tens of
// milliseconds, and a full text phase fanning Xapian-style queries out
// over per-archive reader handles.
//
// Both phases produce the same ranked result shape, so clients fire the
// fast query for instant feedback and replace it when the full one
// lands.
package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zimi/zimi/article"
	"github.com/zimi/zimi/lib/ttlcache"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/titleindex"
	"github.com/zimi/zimi/zim"
)

const (
	// resultCacheTTL is the base lifetime of a cached search;
	// re-accessed entries live resultCacheTTLActive.
	resultCacheTTL       = 900 * time.Second
	resultCacheTTLActive = 1800 * time.Second
	resultCacheMax       = 100

	// ftsDeadline bounds the full text phase; archives that have not
	// answered by then are dropped from the merge.
	ftsDeadline = 30 * time.Second

	// snippetMaxBytes skips snippet extraction for entries larger than
	// this, one random seek per oversized body is bad enough.
	snippetMaxBytes = 10 * 1024 * 1024

	snippetLen = 300
)

// junkRe matches index-page paths that pollute results, such as Stack
// Exchange tag listings.
var junkRe = regexp.MustCompile(`questions/tagged/|/tags$|/tags/page`)

// Item is one ranked hit.
type Item struct {
	Zim     string  `json:"zim"`
	Path    string  `json:"path"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Result is a completed search across one or more archives.
type Result struct {
	Results  []Item         `json:"results"`
	BySource map[string]int `json:"by_source"`
	Total    int            `json:"total"`
	Elapsed  float64        `json:"elapsed"`
	Partial  bool           `json:"partial"`
	Error    string         `json:"error,omitempty"`
}

// Engine owns the search caches and fans queries out over the library.
type Engine struct {
	lib     *library.Library
	idx     *titleindex.Manager
	results *ttlcache.Cache
	suggest *suggestCache
}

// New creates an Engine persisting its suggest cache under dataDir.
func New(lib *library.Library, idx *titleindex.Manager, dataDir string) *Engine {
	return &Engine{
		lib:     lib,
		idx:     idx,
		results: ttlcache.New(resultCacheTTL, resultCacheTTLActive, resultCacheMax),
		suggest: newSuggestCache(dataDir),
	}
}

// RestoreSuggestCache loads the persisted suggest cache. Call once at
// startup; returns the number of restored entries.
func (e *Engine) RestoreSuggestCache() int {
	return e.suggest.restore()
}

// PersistSuggestCache writes the suggest cache out, for shutdown.
func (e *Engine) PersistSuggestCache() {
	e.suggest.persist()
}

// ClearCaches drops both caches, persisting the now-empty suggest cache.
// Call after the library changes.
func (e *Engine) ClearCaches() {
	e.results.Clear()
	e.suggest.clear()
}

func cacheKey(query string, scope []string, limit int, fast bool) string {
	sorted := append([]string(nil), scope...)
	sort.Strings(sorted)
	f := "0"
	if fast {
		f = "1"
	}
	return strings.ToLower(strings.TrimSpace(query)) + "|" + strings.Join(sorted, ",") + "|" + fmt.Sprint(limit) + "|" + f
}

// Search queries the archives in scope (nil or empty means all) and
// merges the per-archive hits into one ranked list. fast answers from
// title lookups only and marks the result partial.
func (e *Engine) Search(ctx context.Context, query string, limit int, scope []string, fast bool) *Result {
	key := cacheKey(query, scope, limit, fast)
	if v, ok := e.results.Get(key); ok {
		return v.(*Result)
	}
	result := e.search(ctx, query, limit, scope, fast)
	e.results.Put(key, result)
	return result
}

func (e *Engine) search(ctx context.Context, query string, limit int, scope []string, fast bool) *Result {
	start := time.Now()
	targets, errMsg := e.selectTargets(scope)
	if errMsg != "" {
		return &Result{Results: []Item{}, BySource: map[string]int{}, Partial: fast, Error: errMsg}
	}
	single := len(scope) == 1

	// The raw query goes to a single archive untouched; cross-archive
	// queries lose their stop words first.
	cleaned := query
	if !single {
		cleaned = CleanQuery(query)
	}
	words := queryWords(cleaned, query)

	var perTarget [][]suggestHit
	if fast {
		perTarget = e.fastPhase(targets, query, limit)
	} else {
		perTarget = e.fullPhase(ctx, targets, cleaned, limit, single)
	}

	raw := make([]Item, 0, limit*len(targets))
	bySource := map[string]int{}
	for i, name := range targets {
		valid := perTarget[i][:0:0]
		for _, hit := range perTarget[i] {
			if !junkRe.MatchString(hit.Path) {
				valid = append(valid, hit)
			}
		}
		if len(valid) == 0 {
			continue
		}
		entries := e.entryCount(name)
		for rank, hit := range valid {
			raw = append(raw, Item{
				Zim:     name,
				Path:    hit.Path,
				Title:   hit.Title,
				Snippet: hit.Snippet,
				Score:   round1(Score(hit.Title, words, rank, entries)),
			})
		}
		bySource[name] = len(valid)
	}

	// Highest score first; equal scores keep per-archive order.
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Score > raw[j].Score })

	seen := map[string]bool{}
	deduped := make([]Item, 0, len(raw))
	for _, item := range raw {
		k := strings.TrimSpace(strings.ToLower(item.Title))
		if !seen[k] {
			seen[k] = true
			deduped = append(deduped, item)
		}
	}

	return &Result{
		Results:  deduped,
		BySource: bySource,
		Total:    len(deduped),
		Elapsed:  round2(time.Since(start).Seconds()),
		Partial:  fast,
	}
}

// selectTargets validates scope against the library and orders targets
// smallest archive first so quick answers land early. A single-name
// scope keeps its order.
func (e *Engine) selectTargets(scope []string) ([]string, string) {
	if len(scope) == 0 {
		targets := e.lib.Names()
		sort.SliceStable(targets, func(i, j int) bool {
			return e.entryCount(targets[i]) < e.entryCount(targets[j])
		})
		return targets, ""
	}
	var missing []string
	for _, name := range scope {
		if _, ok := e.lib.Archive(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, "ZIM(s) not found: " + strings.Join(missing, ", ")
	}
	targets := append([]string(nil), scope...)
	if len(targets) > 1 {
		sort.SliceStable(targets, func(i, j int) bool {
			return e.entryCount(targets[i]) < e.entryCount(targets[j])
		})
	}
	return targets, ""
}

func (e *Engine) entryCount(name string) int {
	if arc, ok := e.lib.Archive(name); ok && arc.Entries > 0 {
		return arc.Entries
	}
	return 0
}

// fastPhase answers from the suggest cache, then the title index, then
// the archive's suggestion tree, caching whatever the slower sources
// return.
func (e *Engine) fastPhase(targets []string, query string, limit int) [][]suggestHit {
	qLower := strings.ToLower(strings.TrimSpace(query))
	out := make([][]suggestHit, len(targets))
	g := new(errgroup.Group)
	for i, name := range targets {
		i, name := i, name
		g.Go(func() error {
			if hits, ok := e.suggest.get(qLower, name); ok {
				out[i] = hits
				return nil
			}
			if hits := e.idx.Query(name, query, limit); hits != nil {
				out[i] = toSuggestHits(hits)
				e.suggest.put(qLower, name, out[i])
				return nil
			}
			reader, lock := e.lib.SuggestArchive(name)
			if reader == nil {
				return nil
			}
			lock.Lock()
			hits, err := reader.Suggest(query, limit)
			lock.Unlock()
			if err != nil {
				zim.Debugf(nil, "Suggest failed for %s: %v", name, err)
				return nil
			}
			out[i] = toSuggestHits(hits)
			e.suggest.put(qLower, name, out[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fullPhase fans the full text query out, one goroutine per archive,
// and drops archives that miss the deadline. Snippets are read only for
// a single-archive scope.
func (e *Engine) fullPhase(ctx context.Context, targets []string, cleaned string, limit int, single bool) [][]suggestHit {
	tctx, cancel := context.WithTimeout(ctx, ftsDeadline)
	defer cancel()

	out := make([][]suggestHit, len(targets))
	g := new(errgroup.Group)
	for i, name := range targets {
		i, name := i, name
		g.Go(func() error {
			done := make(chan []suggestHit, 1)
			go func() {
				done <- e.ftsOne(name, cleaned, limit, single)
			}()
			select {
			case hits := <-done:
				out[i] = hits
			case <-tctx.Done():
				zim.Logf(nil, "Search timed out on %s, dropping from merge", name)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ftsOne runs the full text query on one archive under its lock.
func (e *Engine) ftsOne(name, query string, limit int, snippets bool) []suggestHit {
	reader, lock := e.lib.FTSArchive(name)
	if reader == nil {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()
	hits, err := reader.Search(query, limit)
	if err != nil {
		zim.Debugf(nil, "FTS failed for %s: %v", name, err)
		return nil
	}
	out := make([]suggestHit, 0, len(hits))
	for _, hit := range hits {
		sh := suggestHit{Path: hit.Path, Title: hit.Title}
		if snippets {
			sh.Snippet = e.snippetFor(reader, hit.Path)
		}
		out = append(out, sh)
	}
	return out
}

// snippetFor reads the entry body and strips it down to a short plain
// text extract. Oversized entries get a size marker instead of a read.
func (e *Engine) snippetFor(reader zim.Reader, path string) string {
	entry, err := reader.EntryByPath(path)
	if err != nil {
		return ""
	}
	if entry.Size() > snippetMaxBytes {
		return fmt.Sprintf("[Large entry: %dKB]", entry.Size()/1024)
	}
	content, err := entry.Content()
	if err != nil {
		return ""
	}
	return article.Clip(article.StripHTML(string(content)), snippetLen)
}

func toSuggestHits(hits []zim.Hit) []suggestHit {
	out := make([]suggestHit, 0, len(hits))
	for _, h := range hits {
		title := h.Title
		if title == "" {
			title = h.Path
		}
		out = append(out, suggestHit{Path: h.Path, Title: title})
	}
	return out
}

// SuggestCacheLen reports the live suggest cache size, for stats.
func (e *Engine) SuggestCacheLen() int {
	return e.suggest.len()
}

// ResultCacheLen reports the live search cache size, for stats.
func (e *Engine) ResultCacheLen() int {
	return e.results.Len()
}
