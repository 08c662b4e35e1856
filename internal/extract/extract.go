package extract

import (
	"path/filepath"
	"strings"

	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

type Result struct {
	Pages []string
}

func (r *Result) PageCount() int {
	return len(r.Pages)
}

// Text joins pages with a paragraph break so page edges are split points.
func (r *Result) Text() string {
	return strings.Join(r.Pages, "\n\n")
}

type extractFunc func(data []byte) (*Result, error)

var extractors = map[string]extractFunc{
	"txt": extractPlain,
	"md":  extractMarkdown,
	"pdf": extractPDF,
}

var formatAliases = map[string]string{
	"text":     "txt",
	"markdown": "md",
}

// DetectFormat maps a file name to a supported format, or "" if unknown.
func DetectFormat(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	return NormalizeFormat(ext)
}

func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if alias, ok := formatAliases[format]; ok {
		format = alias
	}
	if _, ok := extractors[format]; !ok {
		return ""
	}
	return format
}

func Extract(format string, data []byte) (*Result, error) {
	fn, ok := extractors[NormalizeFormat(format)]
	if !ok {
		return nil, appErr.NewValidation("format", "unsupported document format %q", format)
	}
	res, err := fn(data)
	if err != nil {
		return nil, err
	}
	if len(res.Pages) == 0 {
		return nil, appErr.NewValidation("file", "document has no extractable text")
	}
	return res, nil
}

func keepNonEmpty(pages []string) []string {
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
