package extract

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

func extractMarkdown(data []byte) (*Result, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(data))
	var sb strings.Builder
	err := ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := node.(type) {
		case *ast.Text:
			if entering {
				sb.Write(n.Segment.Value(data))
				if n.SoftLineBreak() || n.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := node.Lines()
				for i := 0; i < lines.Len(); i++ {
					line := lines.At(i)
					sb.Write(line.Value(data))
				}
				sb.WriteString("\n\n")
				return ast.WalkSkipChildren, nil
			}
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				sb.WriteString("\n\n")
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Pages: keepNonEmpty([]string{sb.String()})}, nil
}
