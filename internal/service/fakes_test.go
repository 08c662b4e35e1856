package service

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/xxxsen/mpractice/internal/ai"
	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

type memDocs struct {
	mu   sync.Mutex
	docs map[string]*model.Document
	// progress records every accepted checkpoint in order.
	progress []int
}

func newMemDocs() *memDocs {
	return &memDocs{docs: map[string]*model.Document{}}
}

func (m *memDocs) Create(ctx context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *memDocs) GetByID(ctx context.Context, id string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, appErr.NewNotFound("document", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memDocs) ListByIDs(ctx context.Context, ownerID string, ids []string) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Document
	for _, id := range ids {
		if d, ok := m.docs[id]; ok && d.OwnerID == ownerID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memDocs) update(id string, fn func(d *model.Document)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.Terminal() {
		return appErr.ErrConflict
	}
	fn(d)
	return nil
}

func (m *memDocs) UpdateProgress(ctx context.Context, id, status string, progress int, now int64) error {
	return m.update(id, func(d *model.Document) {
		d.Status = status
		if progress > d.Progress {
			d.Progress = progress
		}
		m.progress = append(m.progress, d.Progress)
	})
}

func (m *memDocs) SetPageCount(ctx context.Context, id string, pages int, now int64) error {
	return m.update(id, func(d *model.Document) { d.PageCount = pages })
}

func (m *memDocs) SetChunkCount(ctx context.Context, id string, chunks int, now int64) error {
	return m.update(id, func(d *model.Document) { d.ChunkCount = chunks })
}

func (m *memDocs) MarkReady(ctx context.Context, id string, now int64) error {
	return m.update(id, func(d *model.Document) {
		d.Status = model.DocumentStatusReady
		d.Progress = model.ProgressComplete
		m.progress = append(m.progress, d.Progress)
	})
}

func (m *memDocs) MarkFailed(ctx context.Context, id, message string, now int64) error {
	return m.update(id, func(d *model.Document) {
		d.Status = model.DocumentStatusFailed
		d.ErrorMessage = message
	})
}

type memPages struct {
	mu    sync.Mutex
	pages []model.Page
}

func (m *memPages) SaveAll(ctx context.Context, pages []model.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, pages...)
	return nil
}

type memSettings struct {
	mu        sync.Mutex
	ingestion map[string]model.IngestionSetting
	search    map[string]model.SearchSetting
}

func newMemSettings() *memSettings {
	return &memSettings{ingestion: map[string]model.IngestionSetting{}, search: map[string]model.SearchSetting{}}
}

func (m *memSettings) SaveIngestion(ctx context.Context, s *model.IngestionSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestion[s.DocumentID] = *s
	return nil
}

func (m *memSettings) GetIngestion(ctx context.Context, docID string) (*model.IngestionSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ingestion[docID]
	if !ok {
		return nil, appErr.NewNotFound("ingestion setting", docID)
	}
	return &s, nil
}

func (m *memSettings) SaveSearch(ctx context.Context, s *model.SearchSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.search[s.DocumentID] = *s
	return nil
}

func (m *memSettings) ListSearch(ctx context.Context, docIDs []string) (map[string]model.SearchSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]model.SearchSetting{}
	for _, id := range docIDs {
		if s, ok := m.search[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

// memChunks scores with cosine similarity the way the pgvector query does.
type memChunks struct {
	mu     sync.Mutex
	chunks map[string]model.Chunk
	order  []string
}

func newMemChunks() *memChunks {
	return &memChunks{chunks: map[string]model.Chunk{}}
}

func (m *memChunks) UpsertChunks(ctx context.Context, docID string, chunks []model.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if c.DocumentID != docID {
			return errors.New("chunk belongs to another document")
		}
		if _, ok := m.chunks[c.ID]; ok {
			continue
		}
		m.chunks[c.ID] = c
		m.order = append(m.order, c.ID)
	}
	return nil
}

func (m *memChunks) ListByDocument(ctx context.Context, docID string) ([]model.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Chunk
	for _, id := range m.order {
		if c := m.chunks[id]; c.DocumentID == docID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memChunks) Search(ctx context.Context, query []float32, scope []string, topK int, minScore float64, metric string) ([]model.ScoredChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := map[string]bool{}
	for _, id := range scope {
		in[id] = true
	}
	var out []model.ScoredChunk
	for _, id := range m.order {
		c := m.chunks[id]
		if !in[c.DocumentID] || c.Vector == nil {
			continue
		}
		score := cosine(query, c.Vector)
		if score < minScore {
			continue
		}
		out = append(out, model.ScoredChunk{Chunk: c, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memChunks) GetByIDs(ctx context.Context, ids []string) (map[string]model.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]model.Chunk{}
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type memFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memFiles) Type() string { return "memory" }

func (m *memFiles) Save(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.files[key] = data
	return nil
}

func (m *memFiles) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[key]
	if !ok {
		return nil, appErr.NewNotFound("file", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.PracticeSession
	turns    map[string]int
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: map[string]*model.PracticeSession{}, turns: map[string]int{}}
}

func (m *memSessions) Create(ctx context.Context, s *model.PracticeSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) GetByID(ctx context.Context, id string) (*model.PracticeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, appErr.NewNotFound("session", id)
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) SetTitleIfEmpty(ctx context.Context, id, title string, now int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Title != "" {
		return false, nil
	}
	s.Title = title
	return true, nil
}

func (m *memSessions) NextTurn(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return 0, appErr.NewNotFound("session", id)
	}
	m.turns[id]++
	return m.turns[id], nil
}

func (m *memSessions) Touch(ctx context.Context, id string, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Mtime = now
	}
	return nil
}

func (m *memSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type memResponses struct {
	mu   sync.Mutex
	rows []model.PracticeResponse
}

func (m *memResponses) Create(ctx context.Context, r *model.PracticeResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.SessionID == r.SessionID && row.ModelName == r.ModelName && row.TurnIndex == r.TurnIndex {
			return appErr.ErrConflict
		}
	}
	m.rows = append(m.rows, *r)
	return nil
}

func (m *memResponses) ListBySession(ctx context.Context, sessionID string) ([]model.PracticeResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PracticeResponse
	for _, row := range m.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memResponses) byStatus(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.Status == status {
			n++
		}
	}
	return n
}

type memUsage struct {
	mu     sync.Mutex
	events map[string]model.UsageEvent
}

func newMemUsage() *memUsage {
	return &memUsage{events: map[string]model.UsageEvent{}}
}

func (m *memUsage) Insert(ctx context.Context, ev *model.UsageEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.IdempotencyKey]; ok {
		return false, nil
	}
	m.events[ev.IdempotencyKey] = *ev
	return true, nil
}

func (m *memUsage) ofKind(kind string) []model.UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.UsageEvent
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type memFewShots struct {
	mu   sync.Mutex
	rows []model.FewShotExample
}

func (m *memFewShots) Create(ctx context.Context, ex *model.FewShotExample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *ex)
	return nil
}

func (m *memFewShots) ListByIDs(ctx context.Context, ownerID string, ids []string) ([]model.FewShotExample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.FewShotExample
	for _, id := range ids {
		for _, row := range m.rows {
			if row.ID == id && row.OwnerID == ownerID {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

// bagClient embeds text as a normalized bag of words hashed into the store width.
type bagClient struct {
	calls atomic.Int32
}

func (b *bagClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = bagOfWords(text)
	}
	return out, nil
}

func (b *bagClient) ModelName() string    { return "bag-embed" }
func (b *bagClient) ProviderName() string { return "local" }

func bagOfWords(text string) []float32 {
	vec := make([]float32, model.EmbeddingDim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(model.EmbeddingDim)]++
	}
	return vec
}

type chatFunc func(ctx context.Context, messages []ai.Message, onDelta ai.DeltaFunc) (*ai.Completion, error)

// fakeChat lets each test script a model's behaviour.
type fakeChat struct {
	name  string
	fn    chatFunc
	mu    sync.Mutex
	seen  [][]ai.Message
	calls atomic.Int32
}

func (f *fakeChat) record(messages []ai.Message) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, messages)
	f.mu.Unlock()
}

func (f *fakeChat) Chat(ctx context.Context, messages []ai.Message, params ai.ChatParams) (*ai.Completion, error) {
	f.record(messages)
	return f.fn(ctx, messages, nil)
}

func (f *fakeChat) ChatStream(ctx context.Context, messages []ai.Message, params ai.ChatParams, onDelta ai.DeltaFunc) (*ai.Completion, error) {
	f.record(messages)
	return f.fn(ctx, messages, onDelta)
}

func (f *fakeChat) ModelName() string    { return f.name }
func (f *fakeChat) ProviderName() string { return "fake" }

func (f *fakeChat) lastPrompt() []ai.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) == 0 {
		return nil
	}
	return f.seen[len(f.seen)-1]
}

func answering(parts ...string) chatFunc {
	return func(ctx context.Context, messages []ai.Message, onDelta ai.DeltaFunc) (*ai.Completion, error) {
		for _, p := range parts {
			if onDelta != nil {
				if err := onDelta(p); err != nil {
					return nil, err
				}
			}
		}
		return &ai.Completion{Text: strings.Join(parts, ""), Usage: ai.Usage{PromptTokens: 100, CompletionTokens: 20}}, nil
	}
}

func failing(msg string) chatFunc {
	return func(ctx context.Context, messages []ai.Message, onDelta ai.DeltaFunc) (*ai.Completion, error) {
		return nil, errors.New(msg)
	}
}

func blocking() chatFunc {
	return func(ctx context.Context, messages []ai.Message, onDelta ai.DeltaFunc) (*ai.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func panicking() chatFunc {
	return func(ctx context.Context, messages []ai.Message, onDelta ai.DeltaFunc) (*ai.Completion, error) {
		panic("model exploded")
	}
}

type fakeGenerator struct {
	text  string
	calls atomic.Int32
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.calls.Add(1)
	return g.text, nil
}
