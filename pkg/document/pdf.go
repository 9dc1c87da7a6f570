// Package document inspects uploaded summary documents.
package document

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// ContentTypePDF is the MIME type of summary documents.
const ContentTypePDF = "application/pdf"

var pdfMagic = []byte("%PDF-")

// ErrNotPDF reports content that does not start with a PDF header.
var ErrNotPDF = errors.New("document is not a PDF")

// InspectPDF parses data as a PDF and returns its page count.
func InspectPDF(data []byte) (pages int, err error) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return 0, ErrNotPDF
	}
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages = 0
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	pages = reader.NumPage()
	if pages < 1 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return pages, nil
}
