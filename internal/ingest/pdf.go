package ingest

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// ErrUnreadablePDF marks a document that can never be parsed; retrying the
// job will not help.
var ErrUnreadablePDF = errors.New("unreadable pdf")

// Page is the extracted text of one document page.
type Page struct {
	Number int
	Text   string
}

// PageExtractor turns a raw document into per-page text.
type PageExtractor interface {
	ExtractPages(data []byte) ([]Page, error)
}

// PDFExtractor extracts text from PDF bytes.
type PDFExtractor struct{}

func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// ExtractPages returns one entry per page, including pages that yield no
// text, so the page count matches the document. A document that cannot be
// opened fails with ErrUnreadablePDF.
func (e *PDFExtractor) ExtractPages(data []byte) ([]Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}
	totalPages := reader.NumPage()
	if totalPages <= 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrUnreadablePDF)
	}
	pages := make([]Page, 0, totalPages)
	for i := 1; i <= totalPages; i++ {
		p := Page{Number: i}
		page := reader.Page(i)
		if !page.V.IsNull() {
			text, err := page.GetPlainText(nil)
			if err == nil {
				// Problematic pages keep their slot with empty text.
				p.Text = normalizeText(text)
			}
		}
		pages = append(pages, p)
	}
	return pages, nil
}
