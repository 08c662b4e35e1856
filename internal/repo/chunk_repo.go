package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

const chunkColumns = `id, document_id, COALESCE(parent_id, ''), kind, segment_index, segment_pos, chunk_index, text`

type ChunkRepo struct {
	db *sql.DB
}

func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// UpsertChunks writes chunks of one document in a single transaction. Chunks
// never change once written, so an existing id is left untouched. Parents must
// precede their children in the slice.
func (r *ChunkRepo) UpsertChunks(ctx context.Context, docID string, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	const query = `
		INSERT INTO chunks (id, document_id, parent_id, kind, segment_index, segment_pos, chunk_index, text, embedding, ctime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range chunks {
		if c.DocumentID != docID {
			return fmt.Errorf("chunk %s belongs to document %s, not %s", c.ID, c.DocumentID, docID)
		}
		var parentID, chunkIndex, embedding interface{}
		if c.ParentID != "" {
			parentID = c.ParentID
		}
		if c.ChunkIndex != nil {
			chunkIndex = *c.ChunkIndex
		}
		if len(c.Vector) > 0 {
			embedding = pgvector.NewVector(c.Vector)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, parentID, c.Kind, c.SegmentIndex, c.SegmentPos,
			chunkIndex, c.Text, embedding, c.Ctime); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Search ranks vector-bearing chunks of the scoped documents by cosine
// similarity. Hits below minScore are dropped and at most topK are returned.
func (r *ChunkRepo) Search(ctx context.Context, query []float32, scope []string, topK int, minScore float64, metric string) ([]model.ScoredChunk, error) {
	if metric != "" && metric != model.MetricCosine {
		return nil, appErr.NewConfiguration("similarity metric %q is not supported", metric)
	}
	if len(scope) == 0 || topK <= 0 {
		return nil, nil
	}
	// The scope is materialized first so ranking is exact over the scoped
	// rows; an approximate index scan filtered afterwards can miss them.
	const q = `
		WITH scoped AS MATERIALIZED (
			SELECT * FROM chunks WHERE document_id = ANY($2) AND embedding IS NOT NULL
		)
		SELECT ` + chunkColumns + `, 1 - (embedding <=> $1) AS score
		FROM scoped
		WHERE 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4
	`
	rows, err := r.db.QueryContext(ctx, q, pgvector.NewVector(query), pq.Array(scope), minScore, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScoredChunk
	for rows.Next() {
		var item model.ScoredChunk
		if err := scanChunk(rows, &item.Chunk, &item.Score); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *ChunkRepo) GetByIDs(ctx context.Context, ids []string) (map[string]model.Chunk, error) {
	out := make(map[string]model.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+chunkColumns+` FROM chunks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c model.Chunk
		if err := scanChunk(rows, &c); err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (r *ChunkRepo) ListByDocument(ctx context.Context, docID string) ([]model.Chunk, error) {
	const query = `
		SELECT ` + chunkColumns + `
		FROM chunks WHERE document_id = $1
		ORDER BY segment_index, chunk_index NULLS FIRST
	`
	rows, err := r.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := scanChunk(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunk(rows *sql.Rows, c *model.Chunk, extra ...interface{}) error {
	var chunkIndex sql.NullInt64
	dest := []interface{}{&c.ID, &c.DocumentID, &c.ParentID, &c.Kind, &c.SegmentIndex, &c.SegmentPos, &chunkIndex, &c.Text}
	dest = append(dest, extra...)
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	if chunkIndex.Valid {
		idx := int(chunkIndex.Int64)
		c.ChunkIndex = &idx
	}
	return nil
}
