package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"

	"github.com/zimi/zimi/zim"
)

// maxPostBody caps request bodies. 64 KiB fits the largest legal batch
// resolve with room to spare.
const maxPostBody = 65536

const (
	gzipLevel = 4
	gzipMin   = 256 // bodies at or below this size are sent uncompressed
)

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// maybeGzip compresses body when the client accepts gzip, the MIME type
// is compressible and the payload is big enough to bother. The bool
// reports whether compression was applied.
func maybeGzip(r *http.Request, mimeType string, body []byte) ([]byte, bool) {
	if len(body) <= gzipMin || !zim.IsCompressible(mimeType) || !acceptsGzip(r) {
		return body, false
	}
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzipLevel)
	if err != nil {
		return body, false
	}
	if _, err := gz.Write(body); err != nil {
		return body, false
	}
	if err := gz.Close(); err != nil {
		return body, false
	}
	return buf.Bytes(), true
}

// writeBody sends body with Content-Length set, gzipped where worthwhile.
func writeBody(w http.ResponseWriter, r *http.Request, status int, contentType string, body []byte) {
	body, gzipped := maybeGzip(r, contentType, body)
	w.Header().Set("Content-Type", contentType)
	if gzipped {
		w.Header().Set("Content-Encoding", "gzip")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeJSON sends v as compact JSON.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeBody(w, r, status, "application/json", body)
}

// jsonError sends the standard {"error": msg} document.
func jsonError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

// unauthorized tells the client the manage password is required.
func unauthorized(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusUnauthorized, map[string]interface{}{
		"error":          "unauthorized",
		"needs_password": true,
	})
}

// tooManyRequests answers 429 with the retry hint in header and body.
func tooManyRequests(w http.ResponseWriter, r *http.Request, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, r, http.StatusTooManyRequests, map[string]interface{}{
		"error":       "rate limited",
		"retry_after": retryAfter,
	})
}

// decodeBody reads a JSON request body into v. A malformed body acts
// like an empty document, matching clients that POST with no body at
// all. Oversized bodies get a 413 and false back.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength > maxPostBody {
		jsonError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Request body too large (max %d bytes)", maxPostBody))
		return false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBody+1))
	if err != nil {
		jsonError(w, r, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > maxPostBody {
		jsonError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Request body too large (max %d bytes)", maxPostBody))
		return false
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, v)
	}
	return true
}

// trustedProxies may rewrite the client address via X-Forwarded-For.
var trustedProxies = map[string]bool{
	"127.0.0.1":  true,
	"::1":        true,
	"172.17.0.1": true,
	"172.18.0.1": true,
}

// clientIP returns the peer address, honouring X-Forwarded-For only when
// the direct peer is a trusted reverse proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if trustedProxies[host] {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		}
	}
	return host
}

// intParam parses an integer query parameter, returning def when the
// parameter is missing or malformed.
func intParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// splitList splits a comma separated parameter, dropping empty parts.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// truncateRunes caps s at n characters. The collection limits count
// characters, not bytes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
