// Package extract provides text extraction from uploaded document bytes.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned when no handler is registered for the
// declared content type. Terminal: the task is never retried.
var ErrUnsupportedFormat = errors.New("unsupported format")

// ErrCorruptFile is returned when the bytes cannot be parsed as the declared
// format. Terminal: the task is never retried.
var ErrCorruptFile = errors.New("corrupt file")

// MIME types accepted by the default registry.
const (
	MimePDF      = "application/pdf"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimePlain    = "text/plain"
	MimeMarkdown = "text/markdown"
)

// ExtractFunc converts raw document bytes into plain text.
type ExtractFunc func(content []byte) (string, error)

// Extractor converts document bytes into plain text, keyed by declared
// content type with a filename-extension fallback.
type Extractor struct {
	byMime map[string]ExtractFunc
	byExt  map[string]ExtractFunc
}

// NewExtractor returns an extractor with the default handlers registered:
// PDF, DOCX, XLSX, and plain text / markdown.
func NewExtractor() *Extractor {
	e := &Extractor{
		byMime: make(map[string]ExtractFunc),
		byExt:  make(map[string]ExtractFunc),
	}
	e.Register(MimePDF, ".pdf", extractPDF)
	e.Register(MimeDOCX, ".docx", extractDOCX)
	e.Register(MimeXLSX, ".xlsx", extractExcel)
	e.Register(MimePlain, ".txt", extractPlain)
	e.Register(MimeMarkdown, ".md", extractPlain)
	return e
}

// Register binds a handler to a MIME type and an extension (with leading dot).
// Either key may be empty to skip that lookup path.
func (e *Extractor) Register(mime, ext string, fn ExtractFunc) {
	if mime != "" {
		e.byMime[strings.ToLower(mime)] = fn
	}
	if ext != "" {
		e.byExt[strings.ToLower(ext)] = fn
	}
}

// Supported reports whether a handler is registered for the content type or
// the filename's extension.
func (e *Extractor) Supported(contentType, filename string) bool {
	_, err := e.resolve(contentType, filename)
	return err == nil
}

// Extract converts content into plain text. The handler is chosen by the
// declared content type first, then by the filename's extension. Returns
// ErrUnsupportedFormat when neither resolves, or ErrCorruptFile (wrapped) when
// the chosen handler cannot parse the bytes.
func (e *Extractor) Extract(content []byte, contentType, filename string) (string, error) {
	fn, err := e.resolve(contentType, filename)
	if err != nil {
		return "", err
	}
	return fn(content)
}

func (e *Extractor) resolve(contentType, filename string) (ExtractFunc, error) {
	// Strip parameters like "; charset=utf-8".
	mime := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if fn, ok := e.byMime[mime]; ok {
		return fn, nil
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if fn, ok := e.byExt[ext]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("%w: content type %q, extension %q", ErrUnsupportedFormat, contentType, ext)
}
