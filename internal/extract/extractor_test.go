package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestExtract_plain(t *testing.T) {
	e := NewExtractor()
	got, err := e.Extract([]byte("Hello world\nLine 2"), MimePlain, "notes.txt")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "Hello world\nLine 2" {
		t.Errorf("got %q", got)
	}
}

func TestExtract_plainInvalidUTF8(t *testing.T) {
	e := NewExtractor()
	got, err := e.Extract([]byte("hello\x80world"), MimePlain, "notes.txt")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "hello�world" {
		t.Errorf("got %q", got)
	}
}

func TestExtract_extensionFallback(t *testing.T) {
	// Unknown content type resolves via the filename extension.
	e := NewExtractor()
	got, err := e.Extract([]byte("markdown body"), "application/octet-stream", "readme.md")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "markdown body" {
		t.Errorf("got %q", got)
	}
}

func TestExtract_contentTypeParameters(t *testing.T) {
	e := NewExtractor()
	got, err := e.Extract([]byte("body"), "text/plain; charset=utf-8", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "body" {
		t.Errorf("got %q", got)
	}
}

func TestExtract_unsupportedFormat(t *testing.T) {
	e := NewExtractor()
	_, err := e.Extract([]byte("raw"), "application/octet-stream", "image.png")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
	if e.Supported("application/octet-stream", "image.png") {
		t.Error("Supported should be false for .png")
	}
	if !e.Supported(MimePDF, "") {
		t.Error("Supported should be true for PDF content type")
	}
}

func TestExtract_corruptPDF(t *testing.T) {
	e := NewExtractor()
	_, err := e.Extract([]byte("definitely not a pdf"), MimePDF, "broken.pdf")
	if !errors.Is(err, ErrCorruptFile) {
		t.Errorf("expected ErrCorruptFile, got %v", err)
	}
}

func TestExtract_corruptDOCX(t *testing.T) {
	e := NewExtractor()
	_, err := e.Extract([]byte("not a zip"), MimeDOCX, "broken.docx")
	if !errors.Is(err, ErrCorruptFile) {
		t.Errorf("expected ErrCorruptFile, got %v", err)
	}
}

func TestExtract_corruptXLSX(t *testing.T) {
	e := NewExtractor()
	_, err := e.Extract([]byte("not a workbook"), MimeXLSX, "broken.xlsx")
	if !errors.Is(err, ErrCorruptFile) {
		t.Errorf("expected ErrCorruptFile, got %v", err)
	}
}

func TestExtract_excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "Title")
	f.SetCellValue("Sheet1", "A2", "Value 1")
	f.SetCellValue("Sheet1", "B2", "Value 2")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	e := NewExtractor()
	got, err := e.Extract(buf.Bytes(), MimeXLSX, "data.xlsx")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "Title\nValue 1\tValue 2" {
		t.Errorf("got %q", got)
	}
}

// minimalDocx returns a minimal .docx zip bytes with word/document.xml containing the given text in <w:t> tags.
func minimalDocx(text string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, _ := w.Create("word/document.xml")
	_, _ = fw.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>` + text + `</w:t></w:r></w:p></w:body></w:document>`))
	_ = w.Close()
	return buf.Bytes()
}

func TestExtract_docx(t *testing.T) {
	e := NewExtractor()
	got, err := e.Extract(minimalDocx("Searchable docx content"), MimeDOCX, "report.docx")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "Searchable docx content" {
		t.Errorf("got %q", got)
	}
}

func TestExtract_docxWithContentTypes(t *testing.T) {
	// DOCX with [Content_Types].xml pointing at a non-default document path.
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	ct, _ := w.Create("[Content_Types].xml")
	_, _ = ct.Write([]byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Override PartName="/word/document2.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`))
	fw, _ := w.Create("word/document2.xml")
	_, _ = fw.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>Content from document2</w:t></w:r></w:p></w:body></w:document>`))
	_ = w.Close()

	e := NewExtractor()
	got, err := e.Extract(buf.Bytes(), MimeDOCX, "report.docx")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "Content from document2" {
		t.Errorf("got %q", got)
	}
}

func TestExtract_docxMissingDocumentXML(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	_, _ = w.Create("docProps/core.xml")
	_ = w.Close()

	e := NewExtractor()
	_, err := e.Extract(buf.Bytes(), MimeDOCX, "report.docx")
	if !errors.Is(err, ErrCorruptFile) {
		t.Errorf("expected ErrCorruptFile, got %v", err)
	}
}

func TestExtract_registerCustomHandler(t *testing.T) {
	e := NewExtractor()
	e.Register("application/x-custom", ".custom", func(content []byte) (string, error) {
		return "custom:" + string(content), nil
	})
	got, err := e.Extract([]byte("payload"), "application/x-custom", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "custom:payload" {
		t.Errorf("got %q", got)
	}
}
