package article

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/zim"
)

// CatalogDoc is one document in a zimgit-style PDF bundle.
type CatalogDoc struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Path        string `json:"path"`
}

// CatalogResult is the parsed catalog of a PDF bundle archive.
type CatalogResult struct {
	Zim       string       `json:"zim"`
	Documents []CatalogDoc `json:"documents"`
	Count     int          `json:"count"`
}

// Catalog returns the document catalog of a zimgit-style archive. Such
// archives ship a database.js entry listing every bundled PDF with its
// real title, description and author.
func Catalog(lib *library.Library, name string) (*CatalogResult, error) {
	reader, lock := lib.ContentArchive(name)
	if reader == nil {
		return nil, fmt.Errorf("ZIM '%s' not found. Available: %s", name, strings.Join(lib.Names(), ", "))
	}
	lock.Lock()
	docs := parseCatalog(reader)
	lock.Unlock()
	if docs == nil {
		return nil, fmt.Errorf("No catalog (database.js) found in %s — not a zimgit-style PDF collection", name)
	}

	out := make([]CatalogDoc, 0, len(docs))
	for _, doc := range docs {
		cd := CatalogDoc{
			Title:       doc.Title,
			Description: doc.Description,
			Author:      doc.Author,
		}
		if cd.Title == "" {
			cd.Title = "?"
		}
		if len(doc.Files) > 0 {
			cd.Path = "files/" + doc.Files[0]
		}
		out = append(out, cd)
	}
	return &CatalogResult{Zim: name, Documents: out, Count: len(out)}, nil
}

// catalogDoc is the subset of catalog fields zimi uses. The source keys
// are ti, dsc, aut and fp.
type catalogDoc struct {
	Title       string
	Description string
	Author      string
	Files       []string
}

// parseCatalog reads and parses database.js. Returns nil when the entry
// is missing or unparseable. Caller holds the archive lock.
func parseCatalog(r zim.Reader) []catalogDoc {
	entry, err := r.EntryByPath("database.js")
	if err != nil {
		return nil
	}
	raw, err := entry.Content()
	if err != nil {
		return nil
	}
	// database.js wraps a Python-style literal: var DATABASE = [...];
	src := strings.Replace(string(raw), "var DATABASE = ", "", 1)
	src = strings.TrimSpace(src)
	src = strings.TrimRight(src, ";")

	p := &pyLiteralParser{src: src}
	value, err := p.parseValue()
	if err != nil {
		return nil
	}
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}

	docs := make([]catalogDoc, 0, len(items))
	for _, item := range items {
		dict, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		doc := catalogDoc{
			Title:       pyString(dict["ti"]),
			Description: pyString(dict["dsc"]),
			Author:      pyString(dict["aut"]),
		}
		if files, ok := dict["fp"].([]interface{}); ok {
			for _, f := range files {
				if s := pyString(f); s != "" {
					doc.Files = append(doc.Files, s)
				}
			}
		}
		docs = append(docs, doc)
	}
	return docs
}

func pyString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// pyLiteralParser parses Python literal syntax: single- or double-quoted
// strings, lists, dicts, numbers, True, False and None. database.js is
// generated by a Python tool and uses repr()-style quoting, so it is not
// valid JSON.
type pyLiteralParser struct {
	src string
	pos int
}

func (p *pyLiteralParser) parseValue() (interface{}, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("unexpected end of input at %d", p.pos)
	}
	switch c := p.src[p.pos]; {
	case c == '[':
		return p.parseList()
	case c == '{':
		return p.parseDict()
	case c == '\'' || c == '"':
		return p.parseString()
	case c == 'T' && strings.HasPrefix(p.src[p.pos:], "True"):
		p.pos += 4
		return true, nil
	case c == 'F' && strings.HasPrefix(p.src[p.pos:], "False"):
		p.pos += 5
		return false, nil
	case c == 'N' && strings.HasPrefix(p.src[p.pos:], "None"):
		p.pos += 4
		return nil, nil
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return nil, fmt.Errorf("unexpected character %q at %d", c, p.pos)
	}
}

func (p *pyLiteralParser) parseList() (interface{}, error) {
	p.pos++ // consume [
	var out []interface{}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, fmt.Errorf("unterminated list at %d", p.pos)
		}
		if p.src[p.pos] == ']' {
			p.pos++
			return out, nil
		}
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == ',' {
			p.pos++
		}
	}
}

func (p *pyLiteralParser) parseDict() (interface{}, error) {
	p.pos++ // consume {
	out := map[string]interface{}{}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, fmt.Errorf("unterminated dict at %d", p.pos)
		}
		if p.src[p.pos] == '}' {
			p.pos++
			return out, nil
		}
		key, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ':' {
			return nil, fmt.Errorf("expected ':' at %d", p.pos)
		}
		p.pos++
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if ks, ok := key.(string); ok {
			out[ks] = value
		}
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == ',' {
			p.pos++
		}
	}
}

func (p *pyLiteralParser) parseString() (interface{}, error) {
	quote := p.src[p.pos]
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == quote:
			p.pos++
			return b.String(), nil
		case c == '\\' && p.pos+1 < len(p.src):
			p.pos++
			e := p.src[p.pos]
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(e)
			case 'x':
				if p.pos+2 < len(p.src) {
					if n, err := strconv.ParseUint(p.src[p.pos+1:p.pos+3], 16, 8); err == nil {
						b.WriteRune(rune(n))
						p.pos += 2
						break
					}
				}
				b.WriteByte('\\')
				b.WriteByte(e)
			case 'u':
				if p.pos+4 < len(p.src) {
					if n, err := strconv.ParseUint(p.src[p.pos+1:p.pos+5], 16, 32); err == nil {
						b.WriteRune(rune(n))
						p.pos += 4
						break
					}
				}
				b.WriteByte('\\')
				b.WriteByte(e)
			default:
				// Python keeps unknown escapes verbatim
				b.WriteByte('\\')
				b.WriteByte(e)
			}
			p.pos++
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return nil, fmt.Errorf("unterminated string at %d", p.pos)
}

func (p *pyLiteralParser) parseNumber() (interface{}, error) {
	start := p.pos
	for p.pos < len(p.src) && strings.ContainsRune("+-0123456789.eE", rune(p.src[p.pos])) {
		p.pos++
	}
	n, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("bad number at %d: %w", start, err)
	}
	return n, nil
}

func (p *pyLiteralParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}
