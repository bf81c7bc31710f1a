package article

import (
	"fmt"
	"strings"

	"github.com/zimi/zimi/library"
)

const (
	// MaxContentLength is the default number of characters returned per
	// article, keeps responses manageable for LLM clients.
	MaxContentLength = 8000
	// ReadMaxLength is the hard cap, used by the web reader.
	ReadMaxLength = 50000
)

// PDFExtractor converts a PDF byte stream to plain text, returning at
// most maxLength characters.
type PDFExtractor func(data []byte, maxLength int) (string, error)

var pdfExtractor PDFExtractor

// RegisterPDFExtractor installs the PDF text extractor. Builds without
// one return a placeholder for PDF entries.
func RegisterPDFExtractor(fn PDFExtractor) {
	pdfExtractor = fn
}

// HasPDFSupport reports whether a PDF text extractor is installed.
func HasPDFSupport() bool {
	return pdfExtractor != nil
}

// ReadResult is an article rendered to plain text.
type ReadResult struct {
	Zim        string `json:"zim"`
	Path       string `json:"path"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Truncated  bool   `json:"truncated"`
	FullLength int    `json:"full_length"`
	Mimetype   string `json:"mimetype"`
}

// Read loads the entry at path from the named archive and returns it as
// plain text, truncated to maxLength characters (0 means the default,
// anything above ReadMaxLength is clamped). HTML is stripped, PDFs go
// through the registered extractor.
func Read(lib *library.Library, name, path string, maxLength int) (*ReadResult, error) {
	if maxLength <= 0 {
		maxLength = MaxContentLength
	}
	if maxLength > ReadMaxLength {
		maxLength = ReadMaxLength
	}

	reader, lock := lib.ContentArchive(name)
	if reader == nil {
		return nil, fmt.Errorf("ZIM '%s' not found. Available: %s", name, strings.Join(lib.Names(), ", "))
	}
	lock.Lock()
	defer lock.Unlock()

	entry, err := reader.EntryByPath(path)
	if err != nil {
		return nil, fmt.Errorf("Article '%s' not found in %s", path, name)
	}
	raw, err := entry.Content()
	if err != nil {
		return nil, fmt.Errorf("Article '%s' not found in %s", path, name)
	}

	title := entry.Title()
	mimetype := entry.MimeType()
	var plain string
	if mimetype == "application/pdf" {
		plain = extractPDF(raw, maxLength)
		// PDF bundles keep real document titles in their catalog
		if docs := parseCatalog(reader); docs != nil {
			if better := catalogTitle(docs, path); better != "" {
				title = better
			}
		}
	} else {
		plain = StripHTML(string(raw))
	}

	runes := []rune(plain)
	truncated := len(runes) > maxLength
	if truncated {
		runes = runes[:maxLength]
	}
	return &ReadResult{
		Zim:        name,
		Path:       path,
		Title:      title,
		Content:    string(runes),
		Truncated:  truncated,
		FullLength: len([]rune(plain)),
		Mimetype:   mimetype,
	}, nil
}

// extractPDF runs the registered extractor, degrading to placeholders
// rather than failing the read.
func extractPDF(data []byte, maxLength int) string {
	if pdfExtractor == nil {
		return "[PDF content — no text extractor available]"
	}
	text, err := pdfExtractor(data, maxLength)
	if err != nil {
		return fmt.Sprintf("[PDF extraction error: %v]", err)
	}
	return truncateRunes(strings.TrimSpace(spaceRe.ReplaceAllString(text, " ")), maxLength)
}

// catalogTitle finds the catalog title for the document whose file path
// ends the entry path.
func catalogTitle(docs []catalogDoc, path string) string {
	for _, doc := range docs {
		for _, fp := range doc.Files {
			if fp != "" && strings.HasSuffix(path, fp) {
				return doc.Title
			}
		}
	}
	return ""
}
