package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/mpractice/internal/model"
	"github.com/xxxsen/mpractice/internal/pkg/dbutil"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

var documentColumns = []string{"id", "owner_id", "name", "format", "size", "file_key", "status", "progress", "page_count", "chunk_count", "error_message", "ctime", "mtime"}

type DocumentRepo struct {
	db *sql.DB
}

func NewDocumentRepo(db *sql.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) Create(ctx context.Context, doc *model.Document) error {
	data := map[string]interface{}{
		"id":            doc.ID,
		"owner_id":      doc.OwnerID,
		"name":          doc.Name,
		"format":        doc.Format,
		"size":          doc.Size,
		"file_key":      doc.FileKey,
		"status":        doc.Status,
		"progress":      doc.Progress,
		"page_count":    doc.PageCount,
		"chunk_count":   doc.ChunkCount,
		"error_message": doc.ErrorMessage,
		"ctime":         doc.Ctime,
		"mtime":         doc.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("documents", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *DocumentRepo) GetByID(ctx context.Context, docID string) (*model.Document, error) {
	where := map[string]interface{}{
		"id": docID,
	}
	docs, err := r.list(ctx, where)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, appErr.NewNotFound("document", docID)
	}
	return &docs[0], nil
}

func (r *DocumentRepo) ListByIDs(ctx context.Context, ownerID string, ids []string) ([]model.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	where := map[string]interface{}{
		"owner_id": ownerID,
		"id in":    ids,
	}
	return r.list(ctx, where)
}

func (r *DocumentRepo) ListByOwner(ctx context.Context, ownerID string, limit uint) ([]model.Document, error) {
	where := map[string]interface{}{
		"owner_id": ownerID,
		"_orderby": "ctime desc",
	}
	if limit > 0 {
		where["_limit"] = []uint{0, limit}
	}
	return r.list(ctx, where)
}

// ListStale returns in-flight documents not touched since cutoff.
func (r *DocumentRepo) ListStale(ctx context.Context, cutoff int64, limit uint) ([]model.Document, error) {
	where := map[string]interface{}{
		"status in": []string{model.DocumentStatusUploading, model.DocumentStatusEmbedding},
		"mtime <":   cutoff,
		"_orderby":  "mtime asc",
		"_limit":    []uint{0, limit},
	}
	return r.list(ctx, where)
}

func (r *DocumentRepo) list(ctx context.Context, where map[string]interface{}) ([]model.Document, error) {
	sqlStr, args, err := builder.BuildSelect("documents", where, documentColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []model.Document
	for rows.Next() {
		var doc model.Document
		if err := rows.Scan(&doc.ID, &doc.OwnerID, &doc.Name, &doc.Format, &doc.Size, &doc.FileKey, &doc.Status,
			&doc.Progress, &doc.PageCount, &doc.ChunkCount, &doc.ErrorMessage, &doc.Ctime, &doc.Mtime); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateProgress moves a live document forward. Progress never decreases and
// terminal documents are left untouched; the latter reports ErrConflict.
func (r *DocumentRepo) UpdateProgress(ctx context.Context, docID, status string, progress int, now int64) error {
	const query = `
		UPDATE documents
		SET status = $2, progress = GREATEST(progress, $3), mtime = $4
		WHERE id = $1 AND status NOT IN ('ready', 'failed')
	`
	return r.execOne(ctx, query, docID, status, progress, now)
}

func (r *DocumentRepo) SetPageCount(ctx context.Context, docID string, pages int, now int64) error {
	const query = `UPDATE documents SET page_count = $2, mtime = $3 WHERE id = $1 AND status NOT IN ('ready', 'failed')`
	return r.execOne(ctx, query, docID, pages, now)
}

func (r *DocumentRepo) SetChunkCount(ctx context.Context, docID string, chunks int, now int64) error {
	const query = `UPDATE documents SET chunk_count = $2, mtime = $3 WHERE id = $1 AND status NOT IN ('ready', 'failed')`
	return r.execOne(ctx, query, docID, chunks, now)
}

func (r *DocumentRepo) MarkReady(ctx context.Context, docID string, now int64) error {
	const query = `
		UPDATE documents
		SET status = 'ready', progress = 100, error_message = '', mtime = $2
		WHERE id = $1 AND status NOT IN ('ready', 'failed')
	`
	return r.execOne(ctx, query, docID, now)
}

func (r *DocumentRepo) MarkFailed(ctx context.Context, docID, message string, now int64) error {
	const query = `
		UPDATE documents
		SET status = 'failed', error_message = $2, mtime = $3
		WHERE id = $1 AND status NOT IN ('ready', 'failed')
	`
	return r.execOne(ctx, query, docID, message, now)
}

func (r *DocumentRepo) execOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrConflict
	}
	return nil
}
