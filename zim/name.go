package zim

import (
	"regexp"
	"strings"
)

// Short name simplification patterns, applied in order. These collapse the
// language and date decorations kiwix uses in filenames, so
// "stackoverflow.com_en_all_2023-11.zim" becomes "stackoverflow".
var shortNameStrips = []*regexp.Regexp{
	regexp.MustCompile(`\.com_en_all.*`),
	regexp.MustCompile(`\.stackexchange\.com_en_all.*`),
	regexp.MustCompile(`_en_all_maxi.*`),
	regexp.MustCompile(`_en_all.*`),
	regexp.MustCompile(`_en_maxi.*`),
	regexp.MustCompile(`_en_2\d{3}.*`),
	regexp.MustCompile(`_maxi_2\d{3}.*`),
	regexp.MustCompile(`_2\d{3}-\d{2}$`),
}

// ShortName derives the display name for a ZIM filename. Derivation is
// deterministic; when two files collapse to the same name the later scan
// entry wins.
func ShortName(filename string) string {
	name := filename
	if i := strings.Index(name, ".zim"); i >= 0 {
		name = name[:i]
	}
	for _, re := range shortNameStrips {
		name = re.ReplaceAllString(name, "")
	}
	return name
}

var fileDateRe = regexp.MustCompile(`_(\d{4}-\d{2})\.zim$`)

// SplitDate splits a ZIM filename into its base and YYYY-MM date suffix.
// Files without a date suffix return an empty date.
func SplitDate(filename string) (base, date string) {
	if m := fileDateRe.FindStringSubmatch(filename); m != nil {
		return strings.TrimSuffix(filename, "_"+m[1]+".zim"), m[1]
	}
	return strings.TrimSuffix(filename, ".zim"), ""
}
