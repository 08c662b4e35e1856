package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/chunker"
	"github.com/xxxsen/mpractice/internal/config"
	"github.com/xxxsen/mpractice/internal/extract"
	"github.com/xxxsen/mpractice/internal/filestore"
	"github.com/xxxsen/mpractice/internal/metrics"
	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

// IDocumentEmbedder embeds document texts batch by batch.
type IDocumentEmbedder interface {
	EmbedEach(ctx context.Context, texts []string, fn func(start int, vectors [][]float32) error) error
	ModelName() string
	ProviderName() string
}

type UploadRequest struct {
	OwnerID string
	Name    string
	Format  string
	Data    []byte
	// Setting overrides the configured ingestion defaults field by field.
	Setting *model.IngestionOverride
	Search  *model.SearchSetting
}

type IngestionConfig struct {
	Defaults          config.IngestionConfig
	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingPrice    float64
	MaxUploadBytes    int64
}

type IngestionService struct {
	docs     IDocumentStore
	pages    IPageStore
	settings ISettingStore
	chunks   IChunkStore
	files    filestore.Store
	embedder IDocumentEmbedder
	usage    *UsageRecorder
	metrics  *metrics.Metrics
	cfg      IngestionConfig
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewIngestionService(docs IDocumentStore, pages IPageStore, settings ISettingStore, chunks IChunkStore,
	files filestore.Store, embedder IDocumentEmbedder, usage *UsageRecorder, m *metrics.Metrics, cfg IngestionConfig) *IngestionService {
	return &IngestionService{
		docs:     docs,
		pages:    pages,
		settings: settings,
		chunks:   chunks,
		files:    files,
		embedder: embedder,
		usage:    usage,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Submit validates the upload, creates the document row and runs the pipeline
// in the background. The returned document is in uploading state.
func (s *IngestionService) Submit(ctx context.Context, req UploadRequest) (*model.Document, error) {
	doc, setting, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.run(context.WithoutCancel(ctx), doc, setting, req.Data)
	}()
	return doc, nil
}

// Ingest runs the whole pipeline before returning.
func (s *IngestionService) Ingest(ctx context.Context, req UploadRequest) (*model.Document, error) {
	doc, setting, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.run(ctx, doc, setting, req.Data); err != nil {
		return doc, err
	}
	return s.docs.GetByID(ctx, doc.ID)
}

// Wait blocks until background ingestions return.
func (s *IngestionService) Wait() {
	s.wg.Wait()
}

func (s *IngestionService) Get(ctx context.Context, ownerID, docID string) (*model.Document, error) {
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != ownerID {
		return nil, appErr.NewNotFound("document", docID)
	}
	return doc, nil
}

// Reingest runs a finished document's stored file through the pipeline again
// as a new document with the same ingestion setting. The original row stays.
func (s *IngestionService) Reingest(ctx context.Context, ownerID, docID string) (*model.Document, error) {
	doc, err := s.Get(ctx, ownerID, docID)
	if err != nil {
		return nil, err
	}
	if !doc.Terminal() {
		return nil, appErr.NewValidation("document", "document %s is still ingesting", docID)
	}
	rc, err := s.files.Open(ctx, doc.FileKey)
	if err != nil {
		return nil, fmt.Errorf("open stored file: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read stored file: %w", err)
	}
	req := UploadRequest{
		OwnerID: ownerID,
		Name:    doc.Name,
		Format:  doc.Format,
		Data:    data,
	}
	setting, err := s.settings.GetIngestion(ctx, docID)
	switch {
	case err == nil:
		req.Setting = model.OverrideOf(*setting)
	case !appErr.IsNotFound(err):
		return nil, err
	}
	return s.Submit(ctx, req)
}

func (s *IngestionService) ListChunks(ctx context.Context, ownerID, docID string) ([]model.Chunk, error) {
	if _, err := s.Get(ctx, ownerID, docID); err != nil {
		return nil, err
	}
	return s.chunks.ListByDocument(ctx, docID)
}

func (s *IngestionService) SaveSearchSetting(ctx context.Context, ownerID string, setting model.SearchSetting) (*model.SearchSetting, error) {
	if _, err := s.Get(ctx, ownerID, setting.DocumentID); err != nil {
		return nil, err
	}
	if err := validateSearch(setting); err != nil {
		return nil, err
	}
	setting = setting.Normalize()
	if err := s.settings.SaveSearch(ctx, &setting); err != nil {
		return nil, err
	}
	return &setting, nil
}

// ResolveSetting applies the explicitly set fields of override to the
// configured defaults.
func (s *IngestionService) ResolveSetting(override *model.IngestionOverride) model.IngestionSetting {
	d := s.cfg.Defaults
	return override.Apply(model.IngestionSetting{
		ChunkSize:          d.ChunkSize,
		ChunkOverlap:       d.ChunkOverlap,
		MaxChunks:          d.MaxChunks,
		ChunkingMode:       d.ChunkingMode,
		SegmentSeparator:   d.SegmentSeparator,
		ParentChunkSize:    d.ParentChunkSize,
		ParentChunkOverlap: d.ParentChunkOverlap,
		EmbeddingProvider:  s.cfg.EmbeddingProvider,
		EmbeddingModel:     s.cfg.EmbeddingModel,
		EmbeddingDim:       model.EmbeddingDim,
	})
}

// validateSetting runs before any row is written or provider called.
func (s *IngestionService) validateSetting(setting *model.IngestionSetting) error {
	if setting.EmbeddingDim != model.EmbeddingDim {
		return appErr.NewConfiguration("embedding_dim must be %d, got %d", model.EmbeddingDim, setting.EmbeddingDim)
	}
	if !strings.EqualFold(setting.EmbeddingProvider, s.cfg.EmbeddingProvider) || setting.EmbeddingModel != s.cfg.EmbeddingModel {
		return appErr.NewConfiguration("embedding model %s/%s differs from the query model %s/%s",
			setting.EmbeddingProvider, setting.EmbeddingModel, s.cfg.EmbeddingProvider, s.cfg.EmbeddingModel)
	}
	return chunker.Validate(chunker.FromSetting(setting))
}

func validateSearch(s model.SearchSetting) error {
	if s.Metric != "" && s.Metric != model.MetricCosine {
		return appErr.NewConfiguration("similarity metric must be %s", model.MetricCosine)
	}
	if s.TopK < 1 {
		return appErr.NewValidation("top_k", "must be at least 1")
	}
	if s.MinScore < 0 || s.MinScore > 1 {
		return appErr.NewValidation("min_score", "must be within [0, 1]")
	}
	return nil
}

func (s *IngestionService) begin(ctx context.Context, req UploadRequest) (*model.Document, *model.IngestionSetting, error) {
	format := extract.NormalizeFormat(req.Format)
	if format == "" {
		format = extract.DetectFormat(req.Name)
	}
	if format == "" {
		return nil, nil, appErr.NewValidation("format", "unsupported document %q", req.Name)
	}
	if len(req.Data) == 0 {
		return nil, nil, appErr.NewValidation("file", "empty upload")
	}
	if s.cfg.MaxUploadBytes > 0 && int64(len(req.Data)) > s.cfg.MaxUploadBytes {
		return nil, nil, appErr.NewValidation("file", "upload exceeds %d bytes", s.cfg.MaxUploadBytes)
	}
	setting := s.ResolveSetting(req.Setting)
	if err := s.validateSetting(&setting); err != nil {
		return nil, nil, err
	}
	if req.Search != nil {
		if err := validateSearch(*req.Search); err != nil {
			return nil, nil, err
		}
	}

	now := s.now().Unix()
	doc := &model.Document{
		ID:       newID(),
		OwnerID:  req.OwnerID,
		Name:     req.Name,
		Format:   format,
		Size:     int64(len(req.Data)),
		Status:   model.DocumentStatusUploading,
		Progress: model.ProgressStart,
		Ctime:    now,
		Mtime:    now,
	}
	doc.FileKey = doc.ID + "." + format
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, nil, fmt.Errorf("create document: %w", err)
	}
	setting.DocumentID = doc.ID
	if req.Search != nil {
		search := req.Search.Normalize()
		search.DocumentID = doc.ID
		if err := s.settings.SaveSearch(ctx, &search); err != nil {
			return nil, nil, fmt.Errorf("save search setting: %w", err)
		}
	}
	return doc, &setting, nil
}

func (s *IngestionService) run(ctx context.Context, doc *model.Document, setting *model.IngestionSetting, data []byte) error {
	logger := logutil.GetLogger(ctx).With(zap.String("document_id", doc.ID), zap.String("format", doc.Format))
	start := s.now()
	if err := s.process(ctx, doc, setting, data); err != nil {
		logger.Error("ingestion failed", zap.Error(err))
		if merr := s.docs.MarkFailed(context.WithoutCancel(ctx), doc.ID, err.Error(), s.now().Unix()); merr != nil {
			logger.Error("mark document failed", zap.Error(merr))
		}
		s.metrics.IngestionFinished(model.DocumentStatusFailed)
		return fmt.Errorf("ingest document %s: %w", doc.ID, err)
	}
	s.metrics.IngestionFinished(model.DocumentStatusReady)
	logger.Info("ingestion finished", zap.Duration("duration", s.now().Sub(start)))
	return nil
}

func (s *IngestionService) checkpoint(ctx context.Context, docID, status string, progress int) error {
	if err := s.docs.UpdateProgress(ctx, docID, status, progress, s.now().Unix()); err != nil {
		return fmt.Errorf("update progress to %d: %w", progress, err)
	}
	logutil.GetLogger(ctx).Info("ingestion checkpoint", zap.String("document_id", docID),
		zap.String("status", status), zap.Int("progress", progress))
	return nil
}

func (s *IngestionService) process(ctx context.Context, doc *model.Document, setting *model.IngestionSetting, data []byte) error {
	if err := s.settings.SaveIngestion(ctx, setting); err != nil {
		return fmt.Errorf("save ingestion setting: %w", err)
	}
	if err := s.files.Save(ctx, doc.FileKey, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	if err := s.checkpoint(ctx, doc.ID, model.DocumentStatusUploading, model.ProgressSaved); err != nil {
		return err
	}

	extracted, err := extract.Extract(doc.Format, data)
	if err != nil {
		return err
	}
	if err := s.checkpoint(ctx, doc.ID, model.DocumentStatusEmbedding, model.ProgressExtracted); err != nil {
		return err
	}

	pages := make([]model.Page, 0, extracted.PageCount())
	for i, text := range extracted.Pages {
		pages = append(pages, model.Page{DocumentID: doc.ID, PageNumber: i + 1, Text: text})
	}
	if err := s.pages.SaveAll(ctx, pages); err != nil {
		return fmt.Errorf("save pages: %w", err)
	}
	if err := s.docs.SetPageCount(ctx, doc.ID, len(pages), s.now().Unix()); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, doc.ID, model.DocumentStatusEmbedding, model.ProgressPages); err != nil {
		return err
	}

	spans, err := chunker.Split(ctx, extracted.Text(), chunker.FromSetting(setting))
	if err != nil {
		return err
	}
	chunks, parents, embedIdx := s.buildChunks(doc.ID, spans)
	if len(embedIdx) == 0 {
		return appErr.NewValidation("file", "document produced no chunks")
	}
	if err := s.checkpoint(ctx, doc.ID, model.DocumentStatusEmbedding, model.ProgressChunked); err != nil {
		return err
	}

	if err := s.chunks.UpsertChunks(ctx, doc.ID, parents); err != nil {
		return fmt.Errorf("save parent chunks: %w", err)
	}
	texts := make([]string, len(embedIdx))
	tokens := 0
	for i, idx := range embedIdx {
		texts[i] = chunks[idx].Text
		tokens += chunker.EstimateTokens(texts[i])
	}
	embedStart := s.now()
	err = s.embedder.EmbedEach(ctx, texts, func(start int, vectors [][]float32) error {
		batch := make([]model.Chunk, 0, len(vectors))
		for j, vec := range vectors {
			c := chunks[embedIdx[start+j]]
			c.Vector = vec
			batch = append(batch, c)
		}
		return s.chunks.UpsertChunks(ctx, doc.ID, batch)
	})
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if err := s.checkpoint(ctx, doc.ID, model.DocumentStatusEmbedding, model.ProgressEmbedded); err != nil {
		return err
	}
	// parents carry no vector and are left out of the count
	if err := s.docs.SetChunkCount(ctx, doc.ID, len(embedIdx), s.now().Unix()); err != nil {
		return err
	}

	s.usage.Record(ctx, model.UsageEvent{
		IdempotencyKey: embeddingUsageKey(doc.ID),
		Kind:           model.UsageKindEmbedding,
		OwnerID:        doc.OwnerID,
		DocumentID:     doc.ID,
		Provider:       s.embedder.ProviderName(),
		Model:          s.embedder.ModelName(),
		PromptTokens:   tokens,
		LatencyMs:      s.now().Sub(embedStart).Milliseconds(),
		Cost:           Cost(tokens, 0, s.cfg.EmbeddingPrice, 0),
	})

	if err := s.docs.MarkReady(ctx, doc.ID, s.now().Unix()); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

// buildChunks assigns ids and links children to parents. It returns every
// chunk, the parents alone, and the positions of chunks that need vectors.
func (s *IngestionService) buildChunks(docID string, spans []chunker.Span) ([]model.Chunk, []model.Chunk, []int) {
	now := s.now().Unix()
	chunks := make([]model.Chunk, len(spans))
	var parents []model.Chunk
	var embedIdx []int
	for i, sp := range spans {
		c := model.Chunk{
			ID:           newID(),
			DocumentID:   docID,
			Kind:         sp.Kind,
			SegmentIndex: sp.SegmentIndex,
			SegmentPos:   sp.SegmentPos,
			Text:         sp.Text,
			Ctime:        now,
		}
		if sp.Parent >= 0 {
			c.ParentID = chunks[sp.Parent].ID
		}
		if sp.Kind == model.ChunkKindParent {
			chunks[i] = c
			parents = append(parents, c)
			continue
		}
		idx := sp.Index
		c.ChunkIndex = &idx
		chunks[i] = c
		embedIdx = append(embedIdx, i)
	}
	return chunks, parents, embedIdx
}
