package extract

import (
	"strings"
	"unicode/utf8"

	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

// extractPlain treats form feed as a page break.
func extractPlain(data []byte) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, appErr.NewValidation("file", "text file is not valid utf-8")
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return &Result{Pages: keepNonEmpty(strings.Split(text, "\f"))}, nil
}
