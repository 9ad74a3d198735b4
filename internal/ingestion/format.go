package ingestion

import (
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format is a supported document format.
type Format string

const (
	FormatUnknown  Format = ""
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

const mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

var mimeFormats = map[string]Format{
	"application/pdf":       FormatPDF,
	mimeDOCX:                FormatDOCX,
	"text/plain":            FormatText,
	"text/markdown":         FormatMarkdown,
	"text/x-markdown":       FormatMarkdown,
	"text/html":             FormatHTML,
	"application/xhtml+xml": FormatHTML,
}

var extFormats = map[string]Format{
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".html":     FormatHTML,
	".htm":      FormatHTML,
}

// genericMIME hints say nothing about the content.
var genericMIME = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
	"application/unknown":      true,
}

// DetectFormat picks the format from the MIME hint, then the extension of
// sourceRef, then the content itself. A specific hint that is not a
// supported type yields FormatUnknown.
func DetectFormat(raw []byte, mimeHint, sourceRef string) Format {
	hint := baseMIME(mimeHint)
	if f, ok := mimeFormats[hint]; ok {
		return f
	}
	if !genericMIME[hint] {
		return FormatUnknown
	}
	if f, ok := extFormats[extension(sourceRef)]; ok {
		return f
	}
	return sniff(raw)
}

func sniff(raw []byte) Format {
	m := mimetype.Detect(raw)
	for ; m != nil; m = m.Parent() {
		switch {
		case m.Is("application/pdf"):
			return FormatPDF
		case m.Is(mimeDOCX):
			return FormatDOCX
		case m.Is("text/html"):
			return FormatHTML
		case m.Is("text/plain"):
			return FormatText
		}
	}
	return FormatUnknown
}

func baseMIME(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// extension handles both file names and URLs.
func extension(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Host != "" {
		ref = u.Path
	}
	return strings.ToLower(path.Ext(ref))
}
