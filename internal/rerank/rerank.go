package rerank

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

var judgePattern = regexp.MustCompile(`(?i)(qwen.*rerank|rerank.*llm|-judge$)`)

// IsJudgeModel reports whether model is served by the generative judge backend.
func IsJudgeModel(model string) bool {
	return judgePattern.MatchString(strings.TrimSpace(model))
}

// IBackend scores each document against query; higher is more relevant.
type IBackend interface {
	Name() string
	Score(ctx context.Context, model, query string, docs []string) ([]float64, error)
}

type Result struct {
	Index int
	Score float64
}

type Option func(*Reranker)

func WithCrossEncoder(b IBackend) Option {
	return func(r *Reranker) {
		r.cross = b
	}
}

func WithJudge(b IBackend) Option {
	return func(r *Reranker) {
		r.judge = b
	}
}

// WithFailureHook is called with the backend name whenever Rerank falls back.
func WithFailureHook(fn func(backend string)) Option {
	return func(r *Reranker) {
		r.onFailure = fn
	}
}

type Reranker struct {
	cross     IBackend
	judge     IBackend
	onFailure func(backend string)
}

func New(opts ...Option) *Reranker {
	r := &Reranker{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rerank orders docs by backend relevance and keeps at most topN. When the
// backend is missing or fails, the input order is kept and ok is false.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []string, model string, topN int) (results []Result, ok bool) {
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}
	if len(docs) == 0 {
		return nil, true
	}
	backend, name := r.cross, "cross_encoder"
	if IsJudgeModel(model) {
		backend, name = r.judge, "judge"
	}
	logger := logutil.GetLogger(ctx).With(zap.String("backend", name), zap.String("model", model))
	if backend == nil {
		logger.Warn("rerank backend not configured, keep similarity order")
		return r.fallback(name, topN), false
	}
	scores, err := backend.Score(ctx, model, query, docs)
	if err == nil && len(scores) != len(docs) {
		err = errScoreCount{got: len(scores), want: len(docs)}
	}
	if err != nil {
		logger.Warn("rerank failed, keep similarity order", zap.Error(err))
		return r.fallback(name, topN), false
	}
	results = make([]Result, len(docs))
	for i, s := range scores {
		results[i] = Result{Index: i, Score: s}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results[:topN], true
}

func (r *Reranker) fallback(backend string, topN int) []Result {
	if r.onFailure != nil {
		r.onFailure(backend)
	}
	out := make([]Result, topN)
	for i := range out {
		out[i] = Result{Index: i}
	}
	return out
}

type errScoreCount struct {
	got, want int
}

func (e errScoreCount) Error() string {
	return fmt.Sprintf("rerank returned %d scores for %d documents", e.got, e.want)
}
