package article

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zimi/zimi/zim"
)

// previewReadChars caps how much of an article the preview extractor
// looks at.
const previewReadChars = 80000

// Preview is what the extractor could learn about an article body: a
// better title, a thumbnail, a blurb, plus archive family extras such
// as quote attributions, TED speakers and dictionary definitions.
type Preview struct {
	Title        string
	Thumbnail    string
	Blurb        string
	Attribution  string
	Speaker      string
	Author       string
	PartOfSpeech string

	// Boring marks wiktionary entries whose first definition is an
	// inflected form, NonEnglish ones without an English section.
	// The random picker retries past both.
	Boring     bool
	NonEnglish bool
}

// Title sources for slug-like entry titles, best first.
var titleRes = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<meta\s+property=["']og:title["']\s+content=["']([^"']+)["']`),
	regexp.MustCompile(`(?is)<meta\s+content=["']([^"']+)["']\s+property=["']og:title["']`),
	regexp.MustCompile(`(?is)<title[^>]*>([^<]+)</title>`),
	regexp.MustCompile(`(?is)<p\s+class=["']title\s+lang-default["'][^>]*>(.*?)</p>`),
	regexp.MustCompile(`(?is)<p\s+class=["']title["'][^>]*>(.*?)</p>`),
	regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`),
}

// titleSuffixRe strips site branding like " | TED Talk" off extracted
// titles.
var titleSuffixRe = regexp.MustCompile(`\s*[|–—]\s*(TED\s*Talk|TED|Wikipedia|The World Factbook).*$`)

var blurbMetaRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<meta\s+property=["']og:description["']\s+content=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<meta\s+content=["']([^"']+)["']\s+property=["']og:description["']`),
	regexp.MustCompile(`(?i)<meta\s+name=["']description["']\s+content=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<meta\s+content=["']([^"']+)["']\s+name=["']description["']`),
}

var (
	paraRe      = regexp.MustCompile(`(?is)<p\b[^>]*>(.*?)</p>`)
	skipBlurbRe = regexp.MustCompile(`(?i)(Creative Commons|This work is licensed|free to copy and share|All rights reserved|Copyright \d|DMCA)`)

	chromeOpenRe  = regexp.MustCompile(`<(header|nav|footer)\b`)
	chromeCloseRe = regexp.MustCompile(`</(header|nav|footer)>`)
)

// chromeImages are site furniture the factbook and similar archives
// repeat on every page.
var chromeImages = map[string]bool{
	"home_on.png":          true,
	"home_off.png":         true,
	"banner_ext2.png":      true,
	"photo_on.gif":         true,
	"one-page-summary.png": true,
	"travel-facts.png":     true,
}

// extractPreview pulls a thumbnail, a blurb and archive-specific extras
// out of the entry at path. Meta tags are tried first, the way chat
// apps build link previews, with content heuristics as fallback. Never
// fails: whatever could not be extracted stays empty. Caller holds the
// archive lock.
func extractPreview(r zim.Reader, name, path string) *Preview {
	p := &Preview{}
	entry, err := r.EntryByPath(path)
	if err != nil {
		return p
	}
	if entry.IsRedirect() {
		if entry, err = entry.Redirect(); err != nil {
			return p
		}
	}
	raw, err := entry.Content()
	if err != nil {
		return p
	}
	htmlStr := head(string(raw), previewReadChars)
	lowerName := strings.ToLower(name)

	// Slug-like titles get replaced from the page itself
	entryTitle := entry.Title()
	if strings.Contains(entryTitle, "-") && !strings.Contains(entryTitle, " ") {
		improveTitle(p, htmlStr, entryTitle)
	}

	if strings.Contains(lowerName, "wikiquote") {
		extractQuote(p, htmlStr, entryTitle)
	}
	if strings.Contains(lowerName, "ted") {
		extractTEDSpeaker(p, r, name, path, htmlStr)
	}
	if strings.Contains(lowerName, "theworldfactbook") && p.Thumbnail == "" {
		extractFactbookImage(p, r, name, path, htmlStr)
	}
	if strings.Contains(lowerName, "xkcd") && p.Blurb == "" {
		extractComicAlt(p, htmlStr)
	}
	if strings.Contains(lowerName, "gutenberg") {
		extractBookAuthor(p, htmlStr)
	}
	if strings.Contains(lowerName, "wiktionary") {
		extractDefinition(p, lowerName, htmlStr)
	}

	// Generic blurb: og:description, then meta description, then the
	// first substantial paragraph
	if p.Blurb == "" {
		for _, re := range blurbMetaRes {
			m := re.FindStringSubmatch(htmlStr)
			if m == nil {
				continue
			}
			text := strings.TrimSpace(m[1])
			if utf8.RuneCountInString(text) > 20 {
				p.Blurb = truncateRunes(html.UnescapeString(text), 200)
				break
			}
		}
	}
	if p.Blurb == "" {
		for _, m := range paraRe.FindAllStringSubmatch(htmlStr, -1) {
			text := StripHTML(m[1])
			if utf8.RuneCountInString(text) > 40 && !skipBlurbRe.MatchString(text) {
				p.Blurb = truncateRunes(text, 200)
				break
			}
		}
	}

	// Thumbnail, unless an archive-specific pass already found one
	if p.Thumbnail != "" {
		return p
	}
	for _, re := range metaImgRes {
		m := re.FindStringSubmatch(htmlStr)
		if m == nil {
			continue
		}
		src := m[1]
		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") || strings.HasPrefix(src, "//") {
			continue
		}
		if strings.HasSuffix(strings.ToLower(src), ".svg") {
			continue
		}
		if resolved := resolveImgPath(r, path, src); resolved != "" {
			p.Thumbnail = "/w/" + name + "/" + resolved
			return p
		}
	}
	p.Thumbnail = bestContentImage(r, name, path, htmlStr)
	return p
}

// improveTitle replaces a URL-slug entry title with one found in the
// page, or title-cases the slug when the page has none.
func improveTitle(p *Preview, htmlStr, entryTitle string) {
	for _, re := range titleRes {
		m := re.FindStringSubmatch(htmlStr)
		if m == nil {
			continue
		}
		clean := StripHTML(html.UnescapeString(strings.TrimSpace(m[1])))
		clean = titleSuffixRe.ReplaceAllString(clean, "")
		clean = factbookRegionRe.ReplaceAllString(clean, "")
		if utf8.RuneCountInString(clean) > 3 && clean != entryTitle {
			p.Title = truncateRunes(clean, 200)
			return
		}
	}
	slug := strings.NewReplacer("-", " ", "_", " ").Replace(entryTitle)
	p.Title = truncateRunes(titleCase(slug), 200)
}

// titleCase uppercases the first letter of every word and lowercases
// the rest.
func titleCase(s string) string {
	prevLetter := false
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			if prevLetter {
				r = unicode.ToLower(r)
			} else {
				r = unicode.ToUpper(r)
			}
			prevLetter = true
		} else {
			prevLetter = false
		}
		return r
	}, s)
}

var liOpenRe = regexp.MustCompile(`^\s*<li[^>]*>`)

// extractQuote finds the first quote block on a wikiquote page. Quotes
// are <ul> lists whose nested <ul> carries the attribution, so this
// walks balanced <ul> blocks and splits each into quote and source.
func extractQuote(p *Preview, htmlStr, fallbackTitle string) {
	cursor := 0
	for {
		rel := strings.Index(htmlStr[cursor:], "<ul>")
		if rel < 0 {
			return
		}
		start := cursor + rel
		cursor = start + 4

		block, ok := balancedUL(htmlStr, start)
		if !ok {
			continue
		}
		if strings.Count(block, "<ul") < 2 {
			continue
		}
		inner := strings.Index(block[4:], "<ul")
		if inner < 0 {
			continue
		}
		inner += 4
		quoteHTML := liOpenRe.ReplaceAllString(block[4:inner], "")
		text := strings.TrimSpace(StripHTML(quoteHTML))
		n := utf8.RuneCountInString(text)
		if n <= 20 || n >= 400 || len(strings.Fields(text)) <= 4 {
			continue
		}
		if strings.HasPrefix(text, "Category:") || strings.HasPrefix(text, "See also") ||
			strings.HasPrefix(text, "External links") || strings.HasPrefix(text, "Retrieved") {
			continue
		}
		p.Blurb = "“" + truncateRunes(text, 250) + "”"

		// Attribution: the page title is the person being quoted, but
		// the nested list often names the source more precisely
		author := p.Title
		if author == "" {
			author = fallbackTitle
		}
		if name := quoteAttribution(block[inner:]); name != "" {
			author = name
		}
		if author != "" {
			p.Attribution = truncateRunes(author, 100)
		}
		return
	}
}

// balancedUL returns the <ul> block opening at start, found by depth
// counting. Gives up 5000 bytes past the opening tag.
func balancedUL(htmlStr string, start int) (string, bool) {
	depth := 1
	pos := start + 4
	limit := start + 5000
	for depth > 0 && pos < len(htmlStr) && pos < limit {
		nextOpen := strings.Index(htmlStr[pos:], "<ul")
		nextClose := strings.Index(htmlStr[pos:], "</ul>")
		if nextClose < 0 {
			break
		}
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			pos += nextOpen + 3
		} else {
			depth--
			pos += nextClose + 5
		}
	}
	if depth != 0 {
		return "", false
	}
	return htmlStr[start:pos], true
}

var (
	attrLeadRe    = regexp.MustCompile(`^[—–\-~]+\s*`)
	attrJunkRe    = regexp.MustCompile(`(?i)[\[\]{}]|https?:|www\.|^\d`)
	attrSkipRe    = regexp.MustCompile(`(?i)^(p\.|ch\.|vol\.|see |ibid)`)
	lastFirstRe   = regexp.MustCompile(`^[A-Z][a-z]+$`)
	nameStartRe   = regexp.MustCompile(`^(Jr\.|Sr\.|[A-Z])`)
	capWordRe     = regexp.MustCompile(`^[A-Z][a-z]`)
	upperStartRe  = regexp.MustCompile(`^[A-Z]`)
	nameSuffixSet = map[string]bool{"Jr.": true, "Sr.": true, "III": true, "II": true, "IV": true}
)

// quoteAttribution extracts the author from an attribution list like
// "Henry Adams, Mont Saint Michel and Chartres (1904)". Returns ""
// when no plausible name is found.
func quoteAttribution(innerBlock string) string {
	raw := strings.TrimSpace(StripHTML(innerBlock))
	raw = strings.TrimSpace(attrLeadRe.ReplaceAllString(raw, ""))
	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	n := utf8.RuneCountInString(raw)
	if n <= 3 || n >= 200 {
		return ""
	}
	if attrJunkRe.MatchString(raw) {
		return ""
	}

	namePart := raw
	if i := strings.IndexAny(raw, ",("); i >= 0 {
		namePart = strings.TrimSpace(raw[:i])
	}
	// "Last, First" and "Last, Jr., First" get rejoined in speaking
	// order
	if namePart != "" && strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && lastFirstRe.MatchString(parts[0]) && nameStartRe.MatchString(parts[1]) {
			if nameSuffixSet[parts[1]] && len(parts) >= 3 {
				namePart = parts[2] + " " + parts[0] + ", " + parts[1]
			} else if capWordRe.MatchString(parts[1]) && len(strings.Fields(parts[1])) <= 3 {
				namePart = parts[1] + " " + parts[0]
			}
		}
	}
	np := utf8.RuneCountInString(namePart)
	if np <= 2 || np >= 60 || !upperStartRe.MatchString(namePart) || attrSkipRe.MatchString(namePart) {
		return ""
	}
	return namePart
}

var (
	speakerRe     = regexp.MustCompile(`(?is)<p\s+id=["']speaker["'][^>]*>(.*?)</p>`)
	speakerDescRe = regexp.MustCompile(`(?is)<p\s+id=["']speaker_desc["'][^>]*>(.*?)</p>`)
	speakerImgRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<img\s+id=["']speaker_img["'][^>]*src=["']([^"']+)["']`),
		regexp.MustCompile(`(?i)<img[^>]*id=["']speaker_img["'][^>]*src=["']([^"']+)["']`),
	}
)

// extractTEDSpeaker finds the talk's speaker. Talk pages carry only the
// last name in #speaker; the full name has to be fished out of the
// #speaker_desc prose around it.
func extractTEDSpeaker(p *Preview, r zim.Reader, name, path, htmlStr string) {
	speaker, lastName := "", ""
	if m := speakerRe.FindStringSubmatch(htmlStr); m != nil {
		lastName = strings.TrimSpace(StripHTML(m[1]))
		if strings.Contains(lastName, " ") {
			// Playlist archives store the full name directly
			speaker = lastName
		}
	}
	if speaker == "" && lastName != "" {
		if m := speakerDescRe.FindStringSubmatch(htmlStr); m != nil {
			descText := strings.TrimSpace(StripHTML(m[1]))
			nameRe, err := regexp.Compile(`((?:(?:[A-Z][\p{L}\p{N}.'’_-]*|el|de|van|von|al)\s+){0,3})` + regexp.QuoteMeta(lastName) + `\b`)
			if err == nil {
				if nm := nameRe.FindStringSubmatch(descText); nm != nil {
					if prefix := strings.TrimSpace(nm[1]); prefix != "" {
						speaker = prefix + " " + lastName
					} else {
						speaker = lastName
					}
				}
			}
		}
	}
	if speaker == "" {
		speaker = lastName
	}
	if utf8.RuneCountInString(speaker) > 1 {
		p.Speaker = truncateRunes(speaker, 100)
	}
	for _, re := range speakerImgRes {
		m := re.FindStringSubmatch(htmlStr)
		if m == nil {
			continue
		}
		if src := m[1]; !externalSrc(src) {
			if resolved := resolveImgPath(r, path, src); resolved != "" {
				p.Thumbnail = "/w/" + name + "/" + resolved
			}
		}
		break
	}
}

// extractFactbookImage prefers the country flag, then the locator map.
func extractFactbookImage(p *Preview, r zim.Reader, name, path, htmlStr string) {
	zone := head(htmlStr, 60000)
	for _, m := range imgTagRe.FindAllStringSubmatch(zone, -1) {
		attrs := m[1]
		srcM := imgSrcRe.FindStringSubmatch(attrs)
		if srcM == nil {
			continue
		}
		src := srcM[1]
		isFlag := strings.Contains(strings.ToLower(src), "flag")
		if altM := imgAltRe.FindStringSubmatch(attrs); altM != nil && strings.Contains(strings.ToLower(altM[1]), "flag") {
			isFlag = true
		}
		if isFlag && !externalSrc(src) {
			if resolved := resolveImgPath(r, path, src); resolved != "" {
				p.Thumbnail = "/w/" + name + "/" + resolved
				return
			}
		}
	}
	for _, m := range imgTagRe.FindAllStringSubmatch(zone, -1) {
		srcM := imgSrcRe.FindStringSubmatch(m[1])
		if srcM == nil {
			continue
		}
		src := srcM[1]
		if strings.Contains(strings.ToLower(src), "locator-map") && !externalSrc(src) {
			if resolved := resolveImgPath(r, path, src); resolved != "" {
				p.Thumbnail = "/w/" + name + "/" + resolved
				return
			}
		}
	}
}

var imgTitleAttrRe = regexp.MustCompile(`title=["']([^"']+)["']`)

// extractComicAlt uses xkcd's alt text (the title attribute) as the
// blurb.
func extractComicAlt(p *Preview, htmlStr string) {
	for _, m := range imgTagRe.FindAllStringSubmatch(htmlStr, -1) {
		tm := imgTitleAttrRe.FindStringSubmatch(m[1])
		if tm == nil {
			continue
		}
		text := strings.TrimSpace(tm[1])
		if utf8.RuneCountInString(text) <= 20 {
			continue
		}
		text = html.UnescapeString(text)
		lower := strings.ToLower(text)
		if strings.Contains(lower, "license") || strings.Contains(lower, "creative commons") {
			continue
		}
		p.Blurb = truncateRunes(text, 200)
		return
	}
}

var bookCreatorRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<meta\s+content="([^"]+)"\s+name="dc\.creator"`),
	regexp.MustCompile(`(?i)<meta\s+name="dc\.creator"\s+content="([^"]+)"`),
}

// extractBookAuthor reads the dc.creator meta tag, turning catalog
// order ("Last, First, 1808-1889") into "First Last".
func extractBookAuthor(p *Preview, htmlStr string) {
	zone := head(htmlStr, 8000)
	var author string
	for _, re := range bookCreatorRes {
		if m := re.FindStringSubmatch(zone); m != nil {
			author = strings.TrimSpace(m[1])
			break
		}
	}
	if author == "" {
		return
	}
	if strings.Contains(author, ",") {
		parts := strings.Split(author, ",")
		last := strings.TrimSpace(parts[0])
		first := ""
		if len(parts) > 1 {
			first = strings.TrimSpace(parts[1])
		}
		if first != "" && !startsWithDigit(first) {
			author = first + " " + last
		} else {
			author = last
		}
	}
	if author != "" && strings.ToLower(author) != "various" {
		p.Author = truncateRunes(author, 100)
	}
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

var (
	englishH2Re = regexp.MustCompile(`(?i)<h2[^>]*id=["']English["']`)
	h2IDRe      = regexp.MustCompile(`(?i)<h2[^>]*id=`)
	posH34Re    = regexp.MustCompile(`(?is)<h[34][^>]*>(.*?)</h`)
	posH234Re   = regexp.MustCompile(`(?is)<h[234][^>]*>(.*?)</h`)
	inlinePOSRe = regexp.MustCompile(`\((\w+)\)`)
	defListRe   = regexp.MustCompile(`(?s)<ol[^>]*>\s*<li[^>]*>(.*?)</li>`)
	boringDefRe = regexp.MustCompile(`(?i)^(plural of |third-person |simple past |past participle |present participle |alternative |archaic |obsolete |misspelling |eye dialect |nonstandard )`)
)

var posWords = map[string]bool{
	"noun": true, "verb": true, "adjective": true, "adverb": true,
	"pronoun": true, "preposition": true, "conjunction": true,
	"interjection": true, "determiner": true, "particle": true,
	"prefix": true, "suffix": true,
}

// extractDefinition pulls the part of speech and first definition from
// a wiktionary page's English section. Full wiktionaries nest parts of
// speech under h2 language headers; the Simple English one is
// monolingual and uses h2 for the part of speech itself.
func extractDefinition(p *Preview, lowerName, htmlStr string) {
	zone := head(htmlStr, 30000)
	if loc := englishH2Re.FindStringIndex(zone); loc != nil {
		section := zone[loc[0]:]
		if from := loc[0] + 50; from < len(zone) {
			if next := h2IDRe.FindStringIndex(zone[from:]); next != nil {
				section = zone[loc[0] : from+next[0]]
			}
		}
		wiktionaryPOS(p, section, posH34Re)
		wiktionaryDefinition(p, section)
		return
	}
	if !strings.Contains(lowerName, "simple") {
		p.NonEnglish = true
		return
	}
	// Simple Wiktionary: the whole page is English
	wiktionaryPOS(p, zone, posH234Re)
	if p.PartOfSpeech == "" {
		if m := inlinePOSRe.FindStringSubmatch(head(zone, 3000)); m != nil {
			switch w := strings.ToLower(m[1]); w {
			case "noun", "verb", "adjective", "adverb":
				p.PartOfSpeech = strings.ToUpper(w[:1]) + w[1:]
			}
		}
	}
	wiktionaryDefinition(p, zone)
}

func wiktionaryPOS(p *Preview, section string, re *regexp.Regexp) {
	for _, m := range re.FindAllStringSubmatch(section, -1) {
		text := strings.TrimSpace(StripHTML(m[1]))
		if posWords[strings.ToLower(text)] {
			p.PartOfSpeech = text
			return
		}
	}
}

func wiktionaryDefinition(p *Preview, section string) {
	for _, m := range defListRe.FindAllStringSubmatch(section, -1) {
		text := strings.TrimSpace(StripHTML(m[1]))
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		if utf8.RuneCountInString(text) <= 5 || strings.HasPrefix(text, "Category:") || strings.HasPrefix(text, "See also") {
			continue
		}
		if boringDefRe.MatchString(text) {
			p.Boring = true
		} else {
			p.Blurb = truncateRunes(text, 200)
		}
		return
	}
}

// bestContentImage scores every inline image and returns the URL of the
// strongest candidate, or "". Banners score low, images with real alt
// text or no stated dimensions score high, chrome inside header, nav or
// footer is skipped.
func bestContentImage(r zim.Reader, name, path, htmlStr string) string {
	best := ""
	bestScore := 0.0
	for _, idx := range imgTagRe.FindAllStringSubmatchIndex(htmlStr, -1) {
		attrs := htmlStr[idx[2]:idx[3]]
		srcM := imgSrcRe.FindStringSubmatch(attrs)
		if srcM == nil {
			continue
		}
		src := srcM[1]
		if strings.HasPrefix(src, "data:") || strings.HasPrefix(src, "http") || strings.HasPrefix(src, "//") {
			continue
		}
		lowerSrc := strings.ToLower(src)
		if strings.HasSuffix(lowerSrc, ".svg") || strings.HasSuffix(lowerSrc, ".svg.png") {
			continue
		}
		base := lowerSrc
		if i := strings.LastIndex(base, "/"); i >= 0 {
			base = base[i+1:]
		}
		if chromeImages[base] {
			continue
		}
		w, h := imgDims(attrs)
		hasDims := w > 0 || h > 0
		if w == 0 {
			w = 400
		}
		if h == 0 {
			h = 300
		}
		if w < 50 || h < 50 {
			continue
		}
		ctxStart := idx[0] - 300
		if ctxStart < 0 {
			ctxStart = 0
		}
		ctx := strings.ToLower(htmlStr[ctxStart:idx[0]])
		if chromeOpenRe.MatchString(ctx) && !chromeCloseRe.MatchString(ctx) {
			continue
		}

		long, short := w, h
		if h > w {
			long, short = h, w
		}
		if short < 1 {
			short = 1
		}
		score := float64(w * h)
		if float64(long)/float64(short) > 4 {
			score *= 0.2
		}
		if altM := imgAltRe.FindStringSubmatch(attrs); altM != nil && utf8.RuneCountInString(altM[1]) > 3 {
			switch strings.ToLower(altM[1]) {
			case "logo", "icon", "banner", "spacer":
			default:
				score *= 1.5
			}
		}
		if !hasDims {
			score *= 1.3
		}
		if score > bestScore {
			if resolved := resolveImgPath(r, path, src); resolved != "" {
				best = "/w/" + name + "/" + resolved
				bestScore = score
			}
		}
	}
	return best
}
