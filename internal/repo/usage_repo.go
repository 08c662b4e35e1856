package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/xxxsen/mpractice/internal/model"
)

type UsageRepo struct {
	db *sql.DB
}

func NewUsageRepo(db *sql.DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// Insert stores an event once per idempotency key. It reports false when a row
// with the same key already exists.
func (r *UsageRepo) Insert(ctx context.Context, ev *model.UsageEvent) (bool, error) {
	const query = `
		INSERT INTO usage_events (id, idempotency_key, kind, owner_id, session_id, document_id, provider, model,
			prompt_tokens, completion_tokens, latency_ms, cost, ctime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	var id string
	err := r.db.QueryRowContext(ctx, query, ev.ID, ev.IdempotencyKey, ev.Kind, ev.OwnerID, ev.SessionID, ev.DocumentID,
		ev.Provider, ev.Model, ev.PromptTokens, ev.CompletionTokens, ev.LatencyMs, ev.Cost, ev.Ctime).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
