// Package article reads entries out of archives as plain text and picks
// summaries, thumbnails and random articles from them.
package article

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	scriptRe = regexp.MustCompile(`(?s)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?s)<style[^>]*>.*?</style>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// StripHTML reduces an HTML document to plain text: script and style
// blocks dropped, tags replaced by spaces, entities decoded, whitespace
// collapsed.
func StripHTML(text string) string {
	text = scriptRe.ReplaceAllString(text, "")
	text = styleRe.ReplaceAllString(text, "")
	text = tagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// Clip returns at most n characters of s, appending "..." when it was
// longer. Cuts on runes so multibyte text never splits.
func Clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// truncateRunes returns at most n characters of s, no ellipsis.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// head returns the first n bytes of s, backing off so a multibyte rune
// never splits at the cut.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
