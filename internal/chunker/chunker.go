package chunker

import (
	"context"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

const defaultSegmentSeparator = "\n\n"

// separators are tried in order; "" is the per-rune fallback and always succeeds.
var separators = []string{"\n\n", "\n", " ", ""}

type Options struct {
	Mode             string
	Size             int
	Overlap          int
	MaxCount         int
	SegmentSeparator string
	ParentSize       int
	ParentOverlap    int
	Length           func(string) int
}

type Span struct {
	Kind         string
	Text         string
	SegmentIndex int
	SegmentPos   int
	// Index is the document-global index of a leaf or child, -1 for parents.
	Index int
	// Parent points at the parent span inside the returned slice, -1 if none.
	Parent int
}

func FromSetting(s *model.IngestionSetting) Options {
	return Options{
		Mode:             s.ChunkingMode,
		Size:             s.ChunkSize,
		Overlap:          s.ChunkOverlap,
		MaxCount:         s.MaxChunks,
		SegmentSeparator: s.SegmentSeparator,
		ParentSize:       s.ParentChunkSize,
		ParentOverlap:    s.ParentChunkOverlap,
	}
}

func Validate(opts Options) error {
	if opts.Size <= 0 {
		return appErr.NewValidation("chunk_size", "must be positive, got %d", opts.Size)
	}
	if opts.Overlap < 0 {
		return appErr.NewValidation("chunk_overlap", "must not be negative, got %d", opts.Overlap)
	}
	if opts.Overlap >= opts.Size {
		return appErr.NewValidation("chunk_overlap", "must be smaller than chunk_size (%d >= %d)", opts.Overlap, opts.Size)
	}
	if opts.MaxCount < 0 {
		return appErr.NewValidation("max_chunks", "must not be negative, got %d", opts.MaxCount)
	}
	switch opts.Mode {
	case model.ChunkingGeneral:
	case model.ChunkingParentChild:
		if opts.ParentSize > 0 && (opts.ParentOverlap < 0 || opts.ParentOverlap >= opts.ParentSize) {
			return appErr.NewValidation("parent_chunk_overlap", "must be in [0, parent_chunk_size)")
		}
	default:
		return appErr.NewValidation("chunking_mode", "unsupported mode %q", opts.Mode)
	}
	return nil
}

// Split cuts text into spans. Parents are always emitted before their children.
func Split(ctx context.Context, text string, opts Options) ([]Span, error) {
	if err := Validate(opts); err != nil {
		return nil, err
	}
	if opts.Length == nil {
		opts.Length = EstimateTokens
	}
	var spans []Span
	switch opts.Mode {
	case model.ChunkingParentChild:
		spans = splitParentChild(text, opts)
	default:
		spans = splitGeneral(text, opts)
	}
	before := countIndexed(spans)
	spans = truncate(spans, opts.MaxCount)
	if after := countIndexed(spans); after < before {
		logutil.GetLogger(ctx).Info("chunk count over limit, truncated",
			zap.Int("max_chunks", opts.MaxCount),
			zap.Int("built", before),
			zap.Int("kept", after),
		)
	}
	return spans, nil
}

func splitGeneral(text string, opts Options) []Span {
	s := &splitter{size: opts.Size, overlap: opts.Overlap, length: opts.Length}
	var spans []Span
	for i, piece := range s.split(text, separators) {
		spans = append(spans, Span{
			Kind:   model.ChunkKindLeaf,
			Text:   piece,
			Index:  i,
			Parent: -1,
		})
	}
	return spans
}

func splitParentChild(text string, opts Options) []Span {
	sep := opts.SegmentSeparator
	if sep == "" {
		sep = defaultSegmentSeparator
	}
	type parent struct {
		text    string
		segment int
	}
	var parents []parent
	parentSplitter := &splitter{size: opts.ParentSize, overlap: opts.ParentOverlap, length: opts.Length}
	segIdx := 0
	for _, segment := range strings.Split(text, sep) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		// an oversized segment becomes several parents that keep its index
		if opts.ParentSize > 0 && opts.Length(segment) > opts.ParentSize {
			for _, piece := range parentSplitter.split(segment, separators) {
				parents = append(parents, parent{text: piece, segment: segIdx})
			}
		} else {
			parents = append(parents, parent{text: segment, segment: segIdx})
		}
		segIdx++
	}

	child := &splitter{size: opts.Size, overlap: opts.Overlap, length: opts.Length}
	var spans []Span
	global := 0
	pos := 0
	for i, p := range parents {
		if i > 0 && parents[i-1].segment != p.segment {
			pos = 0
		}
		parentPos := len(spans)
		spans = append(spans, Span{
			Kind:         model.ChunkKindParent,
			Text:         p.text,
			SegmentIndex: p.segment,
			Index:        -1,
			Parent:       -1,
		})
		for _, piece := range child.split(p.text, separators) {
			spans = append(spans, Span{
				Kind:         model.ChunkKindChild,
				Text:         piece,
				SegmentIndex: p.segment,
				SegmentPos:   pos,
				Index:        global,
				Parent:       parentPos,
			})
			pos++
			global++
		}
	}
	return spans
}

// truncate keeps the earliest maxCount indexed spans and drops parents left
// without children.
func truncate(spans []Span, maxCount int) []Span {
	if maxCount <= 0 || countIndexed(spans) <= maxCount {
		return spans
	}
	kept := make([]Span, 0, len(spans))
	remap := make(map[int]int)
	hasChild := make(map[int]bool)
	n := 0
	for _, sp := range spans {
		if sp.Index < 0 {
			continue
		}
		if n >= maxCount {
			break
		}
		n++
		if sp.Parent >= 0 {
			hasChild[sp.Parent] = true
		}
	}
	n = 0
	for i, sp := range spans {
		if sp.Index < 0 {
			if hasChild[i] {
				remap[i] = len(kept)
				kept = append(kept, sp)
			}
			continue
		}
		if n >= maxCount {
			break
		}
		n++
		if sp.Parent >= 0 {
			sp.Parent = remap[sp.Parent]
		}
		kept = append(kept, sp)
	}
	return kept
}

func countIndexed(spans []Span) int {
	n := 0
	for _, sp := range spans {
		if sp.Index >= 0 {
			n++
		}
	}
	return n
}

type splitter struct {
	size    int
	overlap int
	length  func(string) int
}

func (s *splitter) split(text string, seps []string) []string {
	sep := ""
	var rest []string
	for i, candidate := range seps {
		if candidate == "" {
			break
		}
		if strings.Contains(text, candidate) {
			sep = candidate
			rest = seps[i+1:]
			break
		}
	}
	var pieces []string
	if sep == "" {
		pieces = strings.Split(text, "")
	} else {
		pieces = strings.Split(text, sep)
	}

	var out, good []string
	for _, piece := range pieces {
		if piece == "" {
			continue
		}
		if s.length(piece) <= s.size {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good, sep)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, s.merge(strings.Split(piece, ""), "")...)
			continue
		}
		out = append(out, s.split(piece, rest)...)
	}
	if len(good) > 0 {
		out = append(out, s.merge(good, sep)...)
	}
	return out
}

// merge packs pieces greedily up to size, carrying up to overlap tokens of
// trailing pieces into the next span.
func (s *splitter) merge(pieces []string, sep string) []string {
	var out, cur []string
	total := 0
	for _, piece := range pieces {
		n := s.length(piece)
		if total+n > s.size && len(cur) > 0 {
			if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
				out = append(out, doc)
			}
			for len(cur) > 0 && (total > s.overlap || total+n > s.size) {
				total -= s.length(cur[0])
				cur = cur[1:]
			}
		}
		cur = append(cur, piece)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
		out = append(out, doc)
	}
	return out
}
