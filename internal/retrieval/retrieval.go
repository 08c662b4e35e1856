package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/model"
	"github.com/xxxsen/mpractice/internal/rerank"
)

const (
	DefaultMaxContextChars = 6000
	previewRunes           = 200
	blockSeparator         = "\n\n---\n\n"
)

type IVectorStore interface {
	Search(ctx context.Context, query []float32, scope []string, topK int, minScore float64, metric string) ([]model.ScoredChunk, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]model.Chunk, error)
}

type ISettingStore interface {
	ListSearch(ctx context.Context, docIDs []string) (map[string]model.SearchSetting, error)
}

type IQueryEmbedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

type IReranker interface {
	Rerank(ctx context.Context, query string, docs []string, model string, topN int) ([]rerank.Result, bool)
}

type Source struct {
	DocumentID    string   `json:"document_id"`
	ChunkID       string   `json:"chunk_id"`
	ParentChunkID string   `json:"parent_chunk_id,omitempty"`
	Score         float64  `json:"score"`
	RerankScore   *float64 `json:"rerank_score,omitempty"`
	Preview       string   `json:"preview"`
}

type Result struct {
	ContextText string   `json:"context_text"`
	Sources     []Source `json:"sources"`
}

func (r *Result) Empty() bool {
	return r == nil || len(r.Sources) == 0
}

// QueryMemo holds question vectors for the lifetime of one turn preparation.
type QueryMemo struct {
	mu      sync.Mutex
	vectors map[string][]float32
}

func NewQueryMemo() *QueryMemo {
	return &QueryMemo{vectors: make(map[string][]float32)}
}

func (m *QueryMemo) get(q string) ([]float32, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vectors[q]
	return v, ok
}

func (m *QueryMemo) put(q string, v []float32) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.vectors[q] = v
	m.mu.Unlock()
}

type Config struct {
	Defaults        model.SearchSetting
	MaxContextChars int
}

type Engine struct {
	store    IVectorStore
	settings ISettingStore
	embedder IQueryEmbedder
	reranker IReranker
	cfg      Config
}

func NewEngine(store IVectorStore, settings ISettingStore, embedder IQueryEmbedder, reranker IReranker, cfg Config) *Engine {
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultMaxContextChars
	}
	return &Engine{store: store, settings: settings, embedder: embedder, reranker: reranker, cfg: cfg}
}

// EffectiveSettings resolves the search setting of every scoped document.
func (e *Engine) EffectiveSettings(ctx context.Context, scope []string) (map[string]model.SearchSetting, error) {
	stored, err := e.settings.ListSearch(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load search settings: %w", err)
	}
	out := make(map[string]model.SearchSetting, len(scope))
	for _, docID := range scope {
		s, ok := stored[docID]
		if !ok {
			s = e.cfg.Defaults
			s.DocumentID = docID
		}
		out[docID] = s.Normalize()
	}
	return out, nil
}

// Retrieve builds the context block for question over the documents in scope.
// An empty scope or no hits yields an empty result, never an error.
func (e *Engine) Retrieve(ctx context.Context, question string, scope []string, override *model.SearchSetting, memo *QueryMemo) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" || len(scope) == 0 {
		return &Result{}, nil
	}
	logger := logutil.GetLogger(ctx).With(zap.Int("scope", len(scope)))
	effective, err := e.EffectiveSettings(ctx, scope)
	if err != nil {
		return nil, err
	}
	governing := effective[scope[0]]
	if override != nil {
		governing = override.Normalize()
	}

	vector, err := e.embedQuestion(ctx, question, memo)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var merged []model.ScoredChunk
	for _, docID := range scope {
		// a request override replaces the stored row of every document
		s := effective[docID]
		if override != nil {
			s = governing
		}
		hits, err := e.store.Search(ctx, vector, []string{docID}, s.TopK, s.MinScore, s.Metric)
		if err != nil {
			return nil, fmt.Errorf("search document %s: %w", docID, err)
		}
		for _, h := range hits {
			if h.Score < governing.MinScore || seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			merged = append(merged, h)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	rerankScores := make([]*float64, len(merged))
	if governing.RerankerEnabled && e.reranker != nil && len(merged) > 0 {
		merged, rerankScores = e.rerank(ctx, question, merged, governing)
	}
	if len(merged) > governing.TopK {
		merged = merged[:governing.TopK]
		rerankScores = rerankScores[:governing.TopK]
	}
	if len(merged) == 0 {
		logger.Debug("retrieval found nothing", zap.Float64("min_score", governing.MinScore))
		return &Result{}, nil
	}

	text, err := e.buildContext(ctx, merged)
	if err != nil {
		return nil, err
	}
	res := &Result{ContextText: text, Sources: make([]Source, 0, len(merged))}
	for i, h := range merged {
		res.Sources = append(res.Sources, Source{
			DocumentID:    h.DocumentID,
			ChunkID:       h.ID,
			ParentChunkID: h.ParentID,
			Score:         h.Score,
			RerankScore:   rerankScores[i],
			Preview:       preview(h.Text),
		})
	}
	logger.Info("retrieval finished", zap.Int("hits", len(res.Sources)), zap.Int("context_chars", utf8.RuneCountInString(text)))
	return res, nil
}

func (e *Engine) embedQuestion(ctx context.Context, question string, memo *QueryMemo) ([]float32, error) {
	if v, ok := memo.get(question); ok {
		return v, nil
	}
	vectors, err := e.embedder.EmbedMany(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed question: got %d vectors", len(vectors))
	}
	memo.put(question, vectors[0])
	return vectors[0], nil
}

func (e *Engine) rerank(ctx context.Context, question string, hits []model.ScoredChunk, s model.SearchSetting) ([]model.ScoredChunk, []*float64) {
	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.Text
	}
	results, ok := e.reranker.Rerank(ctx, question, docs, s.RerankerModel, s.RerankerTopN)
	out := make([]model.ScoredChunk, 0, len(results))
	scores := make([]*float64, 0, len(results))
	for _, r := range results {
		out = append(out, hits[r.Index])
		if ok {
			score := r.Score
			scores = append(scores, &score)
			continue
		}
		scores = append(scores, nil)
	}
	return out, scores
}

// buildContext renders hits as [Source n] blocks. A child hit contributes its
// parent's text, and each parent is used once. Blocks that would overflow the
// budget are dropped; the first block is cut to fit instead.
func (e *Engine) buildContext(ctx context.Context, hits []model.ScoredChunk) (string, error) {
	var parentIDs []string
	for _, h := range hits {
		if h.ParentID != "" {
			parentIDs = append(parentIDs, h.ParentID)
		}
	}
	parents := map[string]model.Chunk{}
	if len(parentIDs) > 0 {
		var err error
		parents, err = e.store.GetByIDs(ctx, parentIDs)
		if err != nil {
			return "", fmt.Errorf("load parent chunks: %w", err)
		}
	}

	var blocks []string
	used := make(map[string]bool)
	size := 0
	for _, h := range hits {
		text := h.Text
		if h.ParentID != "" {
			if used[h.ParentID] {
				continue
			}
			used[h.ParentID] = true
			if p, ok := parents[h.ParentID]; ok {
				text = p.Text
			}
		}
		block := fmt.Sprintf("[Source %d]\n%s", len(blocks)+1, text)
		extra := utf8.RuneCountInString(block)
		if len(blocks) > 0 {
			extra += len(blockSeparator)
		}
		if size+extra > e.cfg.MaxContextChars {
			if len(blocks) == 0 {
				blocks = append(blocks, cutRunes(block, e.cfg.MaxContextChars))
			}
			break
		}
		blocks = append(blocks, block)
		size += extra
	}
	return strings.Join(blocks, blockSeparator), nil
}

func preview(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= previewRunes {
		return string(r)
	}
	return string(r[:previewRunes])
}

func cutRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
