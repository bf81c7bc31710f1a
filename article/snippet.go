package article

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/zim"
)

const (
	// MaxContentBytes skips snippet and preview extraction for entries
	// larger than this.
	MaxContentBytes = 10 * 1024 * 1024

	// snippetReadBytes is how much of an entry the snippet extractor
	// looks at, enough for head metadata plus the opening content.
	snippetReadBytes = 15360

	snippetChars = 300
)

// Meta description patterns, both attribute orders, og: optional. The
// content must be at least 20 characters to be worth showing.
var descRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<meta\s+(?:name|property)=["'](?:og:)?description["']\s+content=["']([^"']{20,})["']`),
	regexp.MustCompile(`(?i)<meta\s+content=["']([^"']{20,})["']\s+(?:name|property)=["'](?:og:)?description["']`),
}

// Social-card image patterns, both attribute orders.
var metaImgRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<meta\s+property=["']og:image["']\s+content=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<meta\s+content=["']([^"']+)["']\s+property=["']og:image["']`),
	regexp.MustCompile(`(?i)<meta\s+name=["']twitter:image["']\s+content=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<meta\s+content=["']([^"']+)["']\s+name=["']twitter:image["']`),
}

var (
	imgTagRe  = regexp.MustCompile(`(?i)<img\b([^>]*)>`)
	imgSrcRe  = regexp.MustCompile(`src=["']([^"']+)["']`)
	imgAltRe  = regexp.MustCompile(`(?i)alt=["']([^"']*)["']`)
	widthRe   = regexp.MustCompile(`width=["']?(\d+)`)
	heightRe  = regexp.MustCompile(`height=["']?(\d+)`)
	skipImgRe = regexp.MustCompile(`(?i)icon|badge|logo|arrow|button|sprite|spacer|1x1|pixel|emoji|flag.*\.svg`)

	// Body landmarks whose text beats header boilerplate
	mainTagRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<main[\s>]`),
		regexp.MustCompile(`(?i)<article[\s>]`),
	}
)

// Snippet is a short teaser for an article: the first meaningful text
// plus, when one can be found, a representative image.
type Snippet struct {
	Snippet   string `json:"snippet"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// ExtractSnippet builds a Snippet for the entry at path. Oversized or
// unreadable entries yield an empty snippet rather than an error; only
// an unknown archive fails.
func ExtractSnippet(lib *library.Library, name, path string) (*Snippet, error) {
	reader, lock := lib.ContentArchive(name)
	if reader == nil {
		return nil, fmt.Errorf("ZIM '%s' not found", name)
	}
	lock.Lock()
	defer lock.Unlock()

	out := &Snippet{}
	entry, err := reader.EntryByPath(path)
	if err != nil {
		return out, nil
	}
	if entry.Size() > MaxContentBytes {
		return out, nil
	}
	raw, err := entry.Content()
	if err != nil {
		return out, nil
	}
	if len(raw) > snippetReadBytes {
		raw = raw[:snippetReadBytes]
	}
	text := string(raw)

	// Meta description first, it skips nav and header boilerplate
	headText := head(text, 8000)
	for _, re := range descRes {
		if m := re.FindStringSubmatch(headText); m != nil {
			out.Snippet = strings.TrimSpace(truncateRunes(StripHTML(m[1]), snippetChars))
			break
		}
	}
	// Then text from <main> or <article>
	if out.Snippet == "" {
		for _, re := range mainTagRes {
			if loc := re.FindStringIndex(text); loc != nil {
				out.Snippet = strings.TrimSpace(truncateRunes(StripHTML(text[loc[0]:]), snippetChars))
				break
			}
		}
	}
	// Last resort, the full page text
	if out.Snippet == "" {
		out.Snippet = strings.TrimSpace(truncateRunes(StripHTML(text), snippetChars))
	}

	// Social-card image from the head
	for _, re := range metaImgRes {
		m := re.FindStringSubmatch(headText)
		if m == nil {
			continue
		}
		src := m[1]
		if externalSrc(src) || strings.HasSuffix(strings.ToLower(src), ".svg") {
			continue
		}
		if resolved := resolveImgPath(reader, path, src); resolved != "" {
			out.Thumbnail = "/w/" + name + "/" + resolved
			break
		}
	}
	// Otherwise the best content image: skip icons and badges, prefer
	// larger images, stop early once one is clearly big enough
	if out.Thumbnail == "" {
		bodyText := head(text, 15000)
		bestArea := 0
		for _, m := range imgTagRe.FindAllStringSubmatch(bodyText, -1) {
			attrs := m[1]
			srcM := imgSrcRe.FindStringSubmatch(attrs)
			if srcM == nil {
				continue
			}
			src := srcM[1]
			if externalSrc(src) || strings.HasSuffix(strings.ToLower(src), ".svg") {
				continue
			}
			if skipImgRe.MatchString(src) || skipImgRe.MatchString(attrs) {
				continue
			}
			w, h := imgDims(attrs)
			if (w > 0 && w < 60) || (h > 0 && h < 40) {
				continue
			}
			if w == 0 {
				w = 200
			}
			if h == 0 {
				h = 150
			}
			area := w * h
			if area <= bestArea {
				continue
			}
			if resolved := resolveImgPath(reader, path, src); resolved != "" {
				out.Thumbnail = "/w/" + name + "/" + resolved
				bestArea = area
				if area >= 200*150 {
					break
				}
			}
		}
	}
	return out, nil
}

// externalSrc reports whether an image src cannot be served from the
// archive itself.
func externalSrc(src string) bool {
	return strings.HasPrefix(src, "http") || strings.HasPrefix(src, "//") || strings.HasPrefix(src, "data:")
}

// imgDims pulls width and height attributes out of an img tag, 0 when
// absent.
func imgDims(attrs string) (w, h int) {
	if m := widthRe.FindStringSubmatch(attrs); m != nil {
		w, _ = strconv.Atoi(m[1])
	}
	if m := heightRe.FindStringSubmatch(attrs); m != nil {
		h, _ = strconv.Atoi(m[1])
	}
	return w, h
}

// resolveImgPath maps a (possibly relative, possibly percent-encoded)
// image src to an entry path the archive actually contains. Returns ""
// when nothing matches. Caller holds the archive lock.
func resolveImgPath(r zim.Reader, entryPath, src string) string {
	decoded := urlUnquote(urlUnquote(src))
	var imgPath string
	if strings.HasPrefix(decoded, "/") {
		imgPath = strings.TrimLeft(decoded, "/")
	} else {
		base := ""
		if i := strings.LastIndex(entryPath, "/"); i >= 0 {
			base = entryPath[:i]
		}
		if base != "" {
			imgPath = base + "/" + decoded
		} else {
			imgPath = decoded
		}
	}
	// Collapse .. and . segments without touching the filesystem
	var parts []string
	for _, seg := range strings.Split(strings.ReplaceAll(imgPath, `\`, "/"), "/") {
		switch seg {
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		case "", ".":
		default:
			parts = append(parts, seg)
		}
	}
	imgPath = strings.Join(parts, "/")
	if _, err := r.EntryByPath(imgPath); err == nil {
		return imgPath
	}
	if strings.HasPrefix(imgPath, "A/") {
		bare := imgPath[2:]
		if _, err := r.EntryByPath(bare); err == nil {
			return bare
		}
	}
	return ""
}

// urlUnquote percent-decodes s, returning it unchanged when the escapes
// are malformed.
func urlUnquote(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}
