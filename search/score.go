package search

import (
	"math"
	"regexp"
	"strings"
)

// stopWords are dropped from queries before they reach the full text
// engine, which matches poorly on them.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"its": true, "my": true, "not": true, "of": true, "on": true, "or": true,
	"so": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "we": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "will": true, "with": true, "you": true,
}

var phraseRe = regexp.MustCompile(`"[^"]*"`)

// CleanQuery strips stop words from q while keeping quoted phrases
// intact. A query made entirely of stop words comes back unchanged.
func CleanQuery(q string) string {
	phrases := phraseRe.FindAllString(q, -1)
	rest := phraseRe.ReplaceAllString(q, "")
	var kept []string
	kept = append(kept, phrases...)
	for _, w := range strings.Fields(rest) {
		if !stopWords[strings.ToLower(w)] {
			kept = append(kept, w)
		}
	}
	if out := strings.TrimSpace(strings.Join(kept, " ")); out != "" {
		return out
	}
	return q
}

// queryWords lowercases and stop-filters cleaned, falling back to the
// raw query's words when filtering leaves nothing.
func queryWords(cleaned, raw string) []string {
	var words []string
	for _, w := range strings.Fields(cleaned) {
		lw := strings.ToLower(w)
		if !stopWords[lw] {
			words = append(words, lw)
		}
	}
	if len(words) > 0 {
		return words
	}
	for _, w := range strings.Fields(raw) {
		words = append(words, strings.ToLower(w))
	}
	return words
}

// Score ranks one hit for cross-archive merging. Title match dominates:
// 100 for the query as a contiguous substring, 80 for all words
// somewhere in the title, a fraction of 50 for some. Position in the
// source adds 20/(rank+1), capped at 5 without a title match, and large
// archives get a small authority boost.
func Score(title string, words []string, rank, entryCount int) float64 {
	tl := strings.ToLower(title)
	hits := 0
	for _, w := range words {
		if strings.Contains(tl, w) {
			hits++
		}
	}
	var titleScore float64
	switch {
	case hits == len(words):
		titleScore = 80
	case hits > 0:
		titleScore = 50 * float64(hits) / float64(len(words))
	}
	if strings.Contains(tl, strings.Join(words, " ")) {
		titleScore = 100
	}
	rankScore := 20 / float64(rank+1)
	if titleScore == 0 && rankScore > 5 {
		rankScore = 5
	}
	authScore := math.Log10(math.Max(float64(entryCount), 1)) / 2
	if authScore > 5 {
		authScore = 5
	}
	return titleScore + rankScore + authScore
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
