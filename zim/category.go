package zim

import "strings"

// Categorize assigns a library category to a ZIM by its short name.
// Ordered rules, first match wins, empty string when nothing matches.
func Categorize(name string) string {
	n := strings.ToLower(name)
	// Medical before Wikimedia so wikipedia_en_medicine lands here
	if strings.Contains(n, "medicine") || n == "wikem" || strings.Contains(n, "ready.gov") ||
		(strings.HasPrefix(n, "zimgit-") && containsAny(n, "water", "food", "disaster")) {
		return "Medical"
	}
	// Stack Exchange before Wikimedia, some SEs have wiki-adjacent names
	if oneOf(n, "stackoverflow", "askubuntu", "superuser", "serverfault") || strings.Contains(n, "stackexchange") {
		return "Stack Exchange"
	}
	if strings.HasPrefix(n, "devdocs_") || n == "freecodecamp" {
		return "Dev Docs"
	}
	if strings.HasPrefix(n, "ted_") || strings.HasPrefix(n, "phzh_") ||
		oneOf(n, "crashcourse", "phet", "appropedia", "artofproblemsolving", "edutechwiki", "explainxkcd", "coreeng1") {
		return "Education"
	}
	// How-To before Wikimedia so wikihow doesn't match wiki*
	if oneOf(n, "wikihow", "ifixit") || strings.Contains(n, "off-the-grid") || strings.Contains(n, "knots") {
		return "How-To"
	}
	if strings.HasPrefix(n, "wiki") || strings.HasPrefix(n, "wikt") || n == "openstreetmap-wiki" {
		return "Wikimedia"
	}
	if oneOf(n, "gutenberg", "rationalwiki", "theworldfactbook") {
		return "Books"
	}
	return ""
}

func oneOf(s string, choices ...string) bool {
	for _, c := range choices {
		if s == c {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
