// Package resolver maps external URLs onto installed archives. The
// domain table is discovered entirely from archive metadata, nothing is
// hardcoded: filenames carry domains for mirrored sites
// ("stackoverflow.com_en_all_..." → stackoverflow.com), the Source
// metadata names the upstream for the rest, and bare project names get
// a speculative <name>.<tld> guess as a last pass.
//
// Resolution turns a URL into candidate entry paths per site family and
// returns the first path the mapped archive actually contains, so a
// reader following an external link can be bounced into local content
// instead of a dead end.
package resolver

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/zim"
)

var (
	// fileDomainRe pulls a leading domain out of an archive filename,
	// such as "apod.nasa.gov" from "apod.nasa.gov_en_all_2024-05".
	fileDomainRe = regexp.MustCompile(`^([a-zA-Z0-9.-]+\.[a-z]{2,})_`)

	// mobileWikiRe matches language-prefixed Wikimedia domains, which
	// get an XX.m. mobile variant registered alongside.
	mobileWikiRe = regexp.MustCompile(`^(\w{2,3})\.(wiki\w+\.org)$`)

	wwwRe = regexp.MustCompile(`^www\.`)

	// nsRe strips a Wikimedia namespace prefix (Topic:, Category:, ...)
	// from an article path.
	nsRe = regexp.MustCompile(`^[A-Z][a-z]+:`)
)

// speculativeTLDs are tried, in order, for archives whose name looks
// like a bare site name ("wikihow" → wikihow.com).
var speculativeTLDs = []string{".com", ".org", ".io", ".net"}

// Result is a successful resolution.
type Result struct {
	Zim  string `json:"zim"`
	Path string `json:"path"`
}

// Ref counts resolutions from one archive into another. The counters
// feed the stats endpoint so an operator can see which archives
// cross-link in practice.
type Ref struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// Resolver owns the domain table and the cross-archive counters. The
// table is immutable between Rebuild calls; Rebuild swaps it whole.
type Resolver struct {
	lib *library.Library

	mu      sync.RWMutex
	domains map[string]string // domain → archive name

	refMu sync.Mutex
	refs  map[[2]string]int // (from, to) → count
}

// New creates a Resolver over lib with an empty domain table. Call
// Rebuild after the library loads.
func New(lib *library.Library) *Resolver {
	return &Resolver{
		lib:     lib,
		domains: map[string]string{},
		refs:    map[[2]string]int{},
	}
}

// Rebuild rediscovers the domain table from the installed archives.
// Call it after every library refresh; resolution against archives that
// were removed fails cleanly in the meantime.
func (r *Resolver) Rebuild() {
	archives := r.lib.Archives()
	dmap := make(map[string]string)

	add := func(domain, name string) {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" || !strings.Contains(domain, ".") {
			return
		}
		if _, dup := dmap[domain]; !dup {
			dmap[domain] = name
		}
		// www. and bare forms alias each other.
		if strings.HasPrefix(domain, "www.") {
			bare := domain[4:]
			if _, dup := dmap[bare]; !dup {
				dmap[bare] = name
			}
		} else if _, dup := dmap["www."+domain]; !dup {
			dmap["www."+domain] = name
		}
		if m := mobileWikiRe.FindStringSubmatch(domain); m != nil {
			mobile := m[1] + ".m." + m[2]
			if _, dup := dmap[mobile]; !dup {
				dmap[mobile] = name
			}
		}
		if domain == "stackoverflow.com" || domain == "stackexchange.com" {
			if _, dup := dmap["m."+domain]; !dup {
				dmap["m."+domain] = name
			}
		}
	}

	// Pass 1: domains embedded in filenames.
	for _, a := range archives {
		base := strings.SplitN(a.Filename, ".zim", 2)[0]
		if m := fileDomainRe.FindStringSubmatch(base); m != nil {
			add(m[1], a.Name)
		}
	}

	// Pass 2: Source metadata for archives still unmapped.
	mapped := mappedNames(dmap)
	for _, a := range archives {
		if mapped[a.Name] {
			continue
		}
		domain := r.sourceDomain(a.Name)
		if domain != "" {
			add(domain, a.Name)
		}
	}

	// Pass 3: speculative <name>.<tld> for the rest. Names that are
	// clearly not domains (zimgit-*, *_en_*) are left unmapped.
	mapped = mappedNames(dmap)
	for _, a := range archives {
		if mapped[a.Name] {
			continue
		}
		if strings.HasPrefix(a.Name, "zimgit") || strings.Contains(a.Name, "_en_") {
			continue
		}
		for _, tld := range speculativeTLDs {
			add(a.Name+tld, a.Name)
		}
	}

	r.mu.Lock()
	r.domains = dmap
	r.mu.Unlock()
	zim.Infof(nil, "Domain map: %d domains -> %d archives", len(dmap), countDistinct(dmap))
}

// sourceDomain reads the archive's Source metadata and reduces it to a
// hostname. Source is free text in the wild, sometimes a URL, sometimes
// a bare host, sometimes a host with a path glued on.
func (r *Resolver) sourceDomain(name string) string {
	reader, lock := r.lib.ContentArchive(name)
	if reader == nil {
		return ""
	}
	lock.Lock()
	src, err := reader.Metadata("Source")
	lock.Unlock()
	if err != nil {
		return ""
	}
	source := strings.TrimSpace(string(src))
	if source == "" {
		return ""
	}
	if strings.Contains(source, "://") {
		u, err := url.Parse(source)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}
	return strings.SplitN(source, "/", 2)[0]
}

// Resolve maps an external URL to an installed archive entry. The
// second return is false when no archive claims the host or none of the
// candidate paths exist.
func (r *Resolver) Resolve(rawURL string) (Result, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Result{}, false
	}

	r.mu.RLock()
	name := r.domains[host]
	if name == "" {
		name = r.domains[wwwRe.ReplaceAllString(host, "")]
	}
	r.mu.RUnlock()
	if name == "" {
		return Result{}, false
	}

	reader, lock := r.lib.ContentArchive(name)
	if reader == nil {
		return Result{}, false
	}

	urlPath := strings.TrimLeft(u.Path, "/")
	for _, cpath := range candidates(host, urlPath) {
		if cpath == "" {
			continue
		}
		lock.Lock()
		_, err := reader.EntryByPath(cpath)
		lock.Unlock()
		if err == nil {
			return Result{Zim: name, Path: cpath}, true
		}
	}
	return Result{}, false
}

// hostIn reports whether host contains any of the given site suffixes.
func hostIn(host string, sites ...string) bool {
	for _, s := range sites {
		if strings.Contains(host, s) {
			return true
		}
	}
	return false
}

// candidates builds the entry paths to probe for a URL path, ordered
// most to least likely. Every family keeps both the A/-prefixed and the
// raw form because scraper versions differ on namespace layout.
func candidates(host, urlPath string) []string {
	switch {
	case hostIn(host, "wikipedia.org", "wiktionary.org", "wikivoyage.org",
		"wikibooks.org", "wikiversity.org", "wikiquote.org", "wikinews.org"):
		// /wiki/Article_Name → A/Article_Name
		rest := strings.TrimPrefix(urlPath, "wiki/")
		cands := []string{"A/" + rest, rest}
		if stripped := nsRe.ReplaceAllString(rest, ""); stripped != rest {
			cands = append(cands, stripped, "A/"+stripped)
		}
		return cands
	case hostIn(host, "stackexchange.com", "stackoverflow.com",
		"serverfault.com", "superuser.com", "askubuntu.com"):
		// /questions/12345/title → A/questions/12345/title
		return []string{"A/" + urlPath, urlPath}
	case hostIn(host, "rationalwiki.org", "appropedia.org"):
		// MediaWiki scrapes drop the A/ namespace.
		rest := strings.TrimPrefix(urlPath, "wiki/")
		return []string{rest, "A/" + rest}
	case hostIn(host, "explainxkcd.com"):
		rest := strings.TrimPrefix(urlPath, "wiki/index.php/")
		return []string{rest, "A/" + rest}
	case hostIn(host, "wikihow.com"):
		return []string{"A/" + urlPath, urlPath}
	default:
		// Some scrapes prefix entry paths with the domain itself.
		return []string{"A/" + urlPath, urlPath, host + "/" + urlPath}
	}
}

// Record counts a resolution that crossed from one archive into
// another. Self references and resolutions without a source are not
// interesting and are dropped.
func (r *Resolver) Record(from, to string) {
	if from == "" || from == to {
		return
	}
	r.refMu.Lock()
	r.refs[[2]string{from, to}]++
	r.refMu.Unlock()
}

// Refs returns the cross-archive counters, busiest pair first.
func (r *Resolver) Refs() []Ref {
	r.refMu.Lock()
	refs := make([]Ref, 0, len(r.refs))
	for k, v := range r.refs {
		refs = append(refs, Ref{From: k[0], To: k[1], Count: v})
	}
	r.refMu.Unlock()
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Count != refs[j].Count {
			return refs[i].Count > refs[j].Count
		}
		if refs[i].From != refs[j].From {
			return refs[i].From < refs[j].From
		}
		return refs[i].To < refs[j].To
	})
	return refs
}

// Domains returns a copy of the domain table.
func (r *Resolver) Domains() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.domains))
	for k, v := range r.domains {
		out[k] = v
	}
	return out
}

// DomainCount returns the number of registered domains.
func (r *Resolver) DomainCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.domains)
}

// LinkedCount returns how many distinct archives the table points at.
func (r *Resolver) LinkedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return countDistinct(r.domains)
}

func mappedNames(dmap map[string]string) map[string]bool {
	set := make(map[string]bool, len(dmap))
	for _, name := range dmap {
		set[name] = true
	}
	return set
}

func countDistinct(dmap map[string]string) int {
	return len(mappedNames(dmap))
}
