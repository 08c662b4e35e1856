package rerank

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/mpractice/internal/ai"
)

const judgeParallelism = 4

const judgePrompt = `Rate how well the passage answers the question on a scale from 0 to 10.
Reply with the number only.

Question:
%s

Passage:
%s`

var numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)

// ChatModelResolver returns the chat model serving a judge model name.
type ChatModelResolver func(model string) (ai.IChatModel, error)

type judge struct {
	resolve ChatModelResolver
}

// NewJudge scores pairs by asking a chat model for a 0-10 rating.
func NewJudge(resolve ChatModelResolver) IBackend {
	return &judge{resolve: resolve}
}

func (j *judge) Name() string {
	return "judge"
}

func (j *judge) Score(ctx context.Context, model, query string, docs []string) ([]float64, error) {
	chat, err := j.resolve(model)
	if err != nil {
		return nil, err
	}
	zero := float32(0)
	params := ai.ChatParams{Temperature: &zero, MaxTokens: 8}
	scores := make([]float64, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(judgeParallelism)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			res, err := chat.Chat(gctx, []ai.Message{{Role: ai.RoleUser, Content: fmt.Sprintf(judgePrompt, query, doc)}}, params)
			if err != nil {
				return err
			}
			score, err := parseRating(res.Text)
			if err != nil {
				return err
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// parseRating maps the first number in text onto [0, 1].
func parseRating(text string) (float64, error) {
	m := numberPattern.FindString(text)
	if m == "" {
		return 0, fmt.Errorf("judge reply %q has no rating", text)
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, err
	}
	if v > 10 {
		v = 10
	}
	return v / 10, nil
}
