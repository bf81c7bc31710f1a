package zim

import (
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// mimeFallback maps extensions to MIME types for entries whose stored type
// is empty or unusable. Kept explicit so serving does not depend on the
// host's mime database.
var mimeFallback = map[string]string{
	".html": "text/html", ".htm": "text/html", ".css": "text/css",
	".js": "application/javascript", ".mjs": "application/javascript", ".json": "application/json",
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".gif": "image/gif", ".svg": "image/svg+xml", ".webp": "image/webp",
	".ico": "image/x-icon", ".pdf": "application/pdf",
	".woff": "font/woff", ".woff2": "font/woff2", ".ttf": "font/ttf",
	".eot": "application/vnd.ms-fontobject", ".otf": "font/otf",
	".xml": "application/xml", ".txt": "text/plain",
	".wasm": "application/wasm", ".bcmap": "application/octet-stream",
	".properties": "text/plain",
	".mp4":        "video/mp4", ".webm": "video/webm", ".ogv": "video/ogg",
	".mp3": "audio/mpeg", ".ogg": "audio/ogg", ".wav": "audio/wav",
	".opus": "audio/opus", ".flac": "audio/flac",
	".vtt": "text/vtt", ".srt": "text/plain",
}

// MimeTypeFromName returns the MIME type implied by the entry path, or ""
// when the extension is unknown.
func MimeTypeFromName(p string) string {
	return mimeFallback[strings.ToLower(path.Ext(p))]
}

// FixMimeType reconciles the MIME type stored in the archive with the
// entry path:
//
//   - empty stored type falls back to the extension table
//   - bare tokens such as "mp4" resolve through the table as ".mp4"
//   - text/html claimed for a known non-HTML extension is overridden,
//     which repairs a packaging fault seen in some archives
//
// The result always contains a slash.
func FixMimeType(stored, entryPath string) string {
	mt := strings.TrimSpace(stored)
	ext := strings.ToLower(path.Ext(entryPath))
	if mt == "" {
		if fb, ok := mimeFallback[ext]; ok {
			mt = fb
		} else {
			mt = "application/octet-stream"
		}
	}
	if !strings.ContainsRune(mt, '/') {
		if fixed, ok := mimeFallback["."+strings.ToLower(mt)]; ok {
			mt = fixed
		} else {
			mt = "application/octet-stream"
		}
	}
	if extMime, ok := mimeFallback[ext]; ok && mt == "text/html" && ext != ".html" && ext != ".htm" {
		mt = extMime
	}
	return mt
}

// DetectMimeType is FixMimeType plus a content sniff: when neither the
// stored type nor the extension gave anything better than octet-stream,
// the payload itself is inspected.
func DetectMimeType(stored, entryPath string, content []byte) string {
	mt := FixMimeType(stored, entryPath)
	if mt == "application/octet-stream" && len(content) > 0 {
		if detected := mimetype.Detect(content); detected != nil {
			mt = detected.String()
			if i := strings.IndexByte(mt, ';'); i >= 0 {
				mt = mt[:i]
			}
		}
	}
	return mt
}

// compressibleTypes lists MIME prefixes that benefit from gzip. Already
// compressed formats are excluded.
var compressibleTypes = []string{"text/", "application/javascript", "application/json", "application/xml", "image/svg+xml"}

// IsCompressible reports whether responses of this MIME type should be
// gzipped.
func IsCompressible(mimeType string) bool {
	for _, t := range compressibleTypes {
		if strings.HasPrefix(mimeType, t) {
			return true
		}
	}
	return false
}

// IsStreamable reports whether the MIME type is served with Range support
// and no size cap.
func IsStreamable(mimeType string) bool {
	return strings.HasPrefix(mimeType, "video/") ||
		strings.HasPrefix(mimeType, "audio/") ||
		mimeType == "application/ogg"
}

var nsPrefixes = [...]string{"A/", "I/", "C/", "-/"}

// NamespaceFallbacks returns alternative paths bridging old and new ZIM
// namespace layouts. Old archives prefix paths with A/ (articles), I/
// (images), C/ (CSS) and -/ (metadata); new ones dropped the prefixes. A
// prefixed path yields only its stripped form, a bare path yields each
// prefixed form.
func NamespaceFallbacks(p string) []string {
	for _, pre := range nsPrefixes {
		if strings.HasPrefix(p, pre) {
			return []string{p[len(pre):]}
		}
	}
	out := make([]string, 0, len(nsPrefixes))
	for _, pre := range nsPrefixes {
		out = append(out, pre+p)
	}
	return out
}
