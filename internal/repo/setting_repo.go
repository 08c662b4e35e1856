package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

type SettingRepo struct {
	db *sql.DB
}

func NewSettingRepo(db *sql.DB) *SettingRepo {
	return &SettingRepo{db: db}
}

func (r *SettingRepo) SaveIngestion(ctx context.Context, s *model.IngestionSetting) error {
	const query = `
		INSERT INTO ingestion_settings (document_id, chunk_size, chunk_overlap, max_chunks, chunking_mode, segment_separator,
			parent_chunk_size, parent_chunk_overlap, embedding_provider, embedding_model, embedding_dim)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (document_id) DO UPDATE SET
			chunk_size = EXCLUDED.chunk_size,
			chunk_overlap = EXCLUDED.chunk_overlap,
			max_chunks = EXCLUDED.max_chunks,
			chunking_mode = EXCLUDED.chunking_mode,
			segment_separator = EXCLUDED.segment_separator,
			parent_chunk_size = EXCLUDED.parent_chunk_size,
			parent_chunk_overlap = EXCLUDED.parent_chunk_overlap,
			embedding_provider = EXCLUDED.embedding_provider,
			embedding_model = EXCLUDED.embedding_model,
			embedding_dim = EXCLUDED.embedding_dim
	`
	_, err := r.db.ExecContext(ctx, query, s.DocumentID, s.ChunkSize, s.ChunkOverlap, s.MaxChunks, s.ChunkingMode,
		s.SegmentSeparator, s.ParentChunkSize, s.ParentChunkOverlap, s.EmbeddingProvider, s.EmbeddingModel, s.EmbeddingDim)
	return err
}

func (r *SettingRepo) GetIngestion(ctx context.Context, docID string) (*model.IngestionSetting, error) {
	const query = `
		SELECT document_id, chunk_size, chunk_overlap, max_chunks, chunking_mode, segment_separator,
			parent_chunk_size, parent_chunk_overlap, embedding_provider, embedding_model, embedding_dim
		FROM ingestion_settings WHERE document_id = $1
	`
	var s model.IngestionSetting
	err := r.db.QueryRowContext(ctx, query, docID).Scan(&s.DocumentID, &s.ChunkSize, &s.ChunkOverlap, &s.MaxChunks,
		&s.ChunkingMode, &s.SegmentSeparator, &s.ParentChunkSize, &s.ParentChunkOverlap, &s.EmbeddingProvider,
		&s.EmbeddingModel, &s.EmbeddingDim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErr.NewNotFound("ingestion setting", docID)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SettingRepo) SaveSearch(ctx context.Context, s *model.SearchSetting) error {
	const query = `
		INSERT INTO search_settings (document_id, top_k, min_score, metric, reranker_enabled, reranker_model, reranker_top_n)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id) DO UPDATE SET
			top_k = EXCLUDED.top_k,
			min_score = EXCLUDED.min_score,
			metric = EXCLUDED.metric,
			reranker_enabled = EXCLUDED.reranker_enabled,
			reranker_model = EXCLUDED.reranker_model,
			reranker_top_n = EXCLUDED.reranker_top_n
	`
	_, err := r.db.ExecContext(ctx, query, s.DocumentID, s.TopK, s.MinScore, s.Metric, s.RerankerEnabled, s.RerankerModel, s.RerankerTopN)
	return err
}

// ListSearch returns stored rows keyed by document id; missing documents are
// simply absent from the map.
func (r *SettingRepo) ListSearch(ctx context.Context, docIDs []string) (map[string]model.SearchSetting, error) {
	out := make(map[string]model.SearchSetting, len(docIDs))
	if len(docIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT document_id, top_k, min_score, metric, reranker_enabled, reranker_model, reranker_top_n
		FROM search_settings WHERE document_id IN (?)
	`, docIDs)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s model.SearchSetting
		if err := rows.Scan(&s.DocumentID, &s.TopK, &s.MinScore, &s.Metric, &s.RerankerEnabled, &s.RerankerModel, &s.RerankerTopN); err != nil {
			return nil, err
		}
		out[s.DocumentID] = s
	}
	return out, rows.Err()
}
