package chunker

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

func paragraphs(n, words int) string {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ws := make([]string, 0, words)
		for j := 0; j < words; j++ {
			ws = append(ws, fmt.Sprintf("p%dw%d", i, j))
		}
		parts = append(parts, strings.Join(ws, " "))
	}
	return strings.Join(parts, "\n\n")
}

func TestValidateRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "overlap_equal_size", opts: Options{Mode: model.ChunkingGeneral, Size: 100, Overlap: 100}},
		{name: "overlap_above_size", opts: Options{Mode: model.ChunkingGeneral, Size: 100, Overlap: 150}},
		{name: "zero_size", opts: Options{Mode: model.ChunkingGeneral, Size: 0}},
		{name: "negative_overlap", opts: Options{Mode: model.ChunkingGeneral, Size: 10, Overlap: -1}},
		{name: "unknown_mode", opts: Options{Mode: "semantic", Size: 10}},
		{name: "parent_overlap", opts: Options{Mode: model.ChunkingParentChild, Size: 10, ParentSize: 50, ParentOverlap: 50}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Split(context.Background(), "some text", tc.opts)
			require.Error(t, err)
			require.True(t, appErr.IsValidation(err))
		})
	}
}

func TestSplitGeneralRespectsSizeAndOverlap(t *testing.T) {
	text := paragraphs(12, 20)
	spans, err := Split(context.Background(), text, Options{Mode: model.ChunkingGeneral, Size: 60, Overlap: 20})
	require.NoError(t, err)
	require.Greater(t, len(spans), 1)
	for i, sp := range spans {
		require.Equal(t, model.ChunkKindLeaf, sp.Kind)
		require.Equal(t, i, sp.Index)
		require.Equal(t, -1, sp.Parent)
		require.LessOrEqual(t, EstimateTokens(sp.Text), 60)
	}
	// the last paragraph of a span opens the next one
	first := strings.Split(spans[0].Text, "\n\n")
	require.True(t, strings.HasPrefix(spans[1].Text, first[len(first)-1]))
}

func TestSplitGeneralRuneFallback(t *testing.T) {
	text := "一二三四五六七八九十"
	spans, err := Split(context.Background(), text, Options{Mode: model.ChunkingGeneral, Size: 5, Overlap: 0})
	require.NoError(t, err)
	require.Greater(t, len(spans), 1)
	var joined strings.Builder
	for _, sp := range spans {
		require.LessOrEqual(t, EstimateTokens(sp.Text), 5)
		joined.WriteString(sp.Text)
	}
	require.Equal(t, text, joined.String())
}

func TestSplitParentChildTwoSegments(t *testing.T) {
	text := "Segment one talks about photosynthesis.\nLeaves convert light into sugar.\n\n" +
		"Segment two covers the water cycle, evaporation and rain."
	spans, err := Split(context.Background(), text, Options{Mode: model.ChunkingParentChild, Size: 5, Overlap: 1})
	require.NoError(t, err)

	var parents []int
	children := map[int]int{}
	seen := map[int]bool{}
	for i, sp := range spans {
		switch sp.Kind {
		case model.ChunkKindParent:
			require.Equal(t, -1, sp.Index)
			parents = append(parents, i)
		case model.ChunkKindChild:
			require.GreaterOrEqual(t, sp.Parent, 0)
			require.Equal(t, model.ChunkKindParent, spans[sp.Parent].Kind)
			require.False(t, seen[sp.Index], "duplicate child index %d", sp.Index)
			seen[sp.Index] = true
			children[sp.Parent]++
		default:
			t.Fatalf("unexpected kind %s", sp.Kind)
		}
	}
	require.Len(t, parents, 2)
	for _, p := range parents {
		require.GreaterOrEqual(t, children[p], 1)
	}
	require.Equal(t, 1, spans[parents[1]].SegmentIndex)
}

func TestSplitOversizedSegmentKeepsIndex(t *testing.T) {
	words := func(s string) int { return len(strings.Fields(s)) }
	long := strings.Fields(paragraphs(1, 40))
	text := strings.Join(long, " ") + "###" + "tail one two"
	spans, err := Split(context.Background(), text, Options{
		Mode:             model.ChunkingParentChild,
		Size:             5,
		SegmentSeparator: "###",
		ParentSize:       10,
		Length:           words,
	})
	require.NoError(t, err)

	parentsBySegment := map[int]int{}
	nextPos := map[int]int{}
	for _, sp := range spans {
		switch sp.Kind {
		case model.ChunkKindParent:
			parentsBySegment[sp.SegmentIndex]++
		case model.ChunkKindChild:
			require.Equal(t, spans[sp.Parent].SegmentIndex, sp.SegmentIndex)
			require.Equal(t, nextPos[sp.SegmentIndex], sp.SegmentPos)
			nextPos[sp.SegmentIndex]++
		}
	}
	require.Len(t, parentsBySegment, 2)
	require.Greater(t, parentsBySegment[0], 1)
	require.Equal(t, 1, parentsBySegment[1])
	require.Greater(t, nextPos[0], parentsBySegment[0])
}

func TestSplitTruncatesEarliestKept(t *testing.T) {
	text := paragraphs(10, 30)
	opts := Options{Mode: model.ChunkingGeneral, Size: 30, Overlap: 0}
	all, err := Split(context.Background(), text, opts)
	require.NoError(t, err)
	require.Greater(t, len(all), 3)

	opts.MaxCount = 3
	limited, err := Split(context.Background(), text, opts)
	require.NoError(t, err)
	require.Equal(t, all[:3], limited)
}

func TestSplitTruncatesParentChild(t *testing.T) {
	text := paragraphs(3, 12)
	spans, err := Split(context.Background(), text, Options{Mode: model.ChunkingParentChild, Size: 5, Overlap: 0, MaxCount: 2})
	require.NoError(t, err)
	require.Equal(t, 2, countIndexed(spans))
	require.Equal(t, model.ChunkKindParent, spans[0].Kind)
	for _, sp := range spans {
		if sp.Kind == model.ChunkKindChild {
			require.Equal(t, 0, sp.Parent)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 1, EstimateTokens("\n\n"))
	require.Equal(t, 3, EstimateTokens("one two three"))
	require.Equal(t, 3, EstimateTokens("你好"))
}
