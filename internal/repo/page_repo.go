package repo

import (
	"context"
	"database/sql"

	"github.com/xxxsen/mpractice/internal/model"
)

type PageRepo struct {
	db *sql.DB
}

func NewPageRepo(db *sql.DB) *PageRepo {
	return &PageRepo{db: db}
}

func (r *PageRepo) SaveAll(ctx context.Context, pages []model.Page) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	const query = `
		INSERT INTO document_pages (document_id, page_number, text)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, page_number) DO UPDATE SET text = EXCLUDED.text
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range pages {
		if _, err := stmt.ExecContext(ctx, p.DocumentID, p.PageNumber, p.Text); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PageRepo) ListByDocument(ctx context.Context, docID string) ([]model.Page, error) {
	const query = `SELECT document_id, page_number, text FROM document_pages WHERE document_id = $1 ORDER BY page_number`
	rows, err := r.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pages []model.Page
	for rows.Next() {
		var p model.Page
		if err := rows.Scan(&p.DocumentID, &p.PageNumber, &p.Text); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}
