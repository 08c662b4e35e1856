package extract

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

func extractPDF(data []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, appErr.NewValidation("file", "unreadable pdf: %v", err)
	}
	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("read pdf page %d: %w", i, err)
		}
		pages = append(pages, content)
	}
	return &Result{Pages: keepNonEmpty(pages)}, nil
}
