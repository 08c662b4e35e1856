package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/mpractice/internal/model"
	"github.com/xxxsen/mpractice/internal/pkg/dbutil"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

type ResponseRepo struct {
	db *sql.DB
}

func NewResponseRepo(db *sql.DB) *ResponseRepo {
	return &ResponseRepo{db: db}
}

func (r *ResponseRepo) Create(ctx context.Context, resp *model.PracticeResponse) error {
	data := map[string]interface{}{
		"id":                resp.ID,
		"session_id":        resp.SessionID,
		"turn_id":           resp.TurnID,
		"turn_index":        resp.TurnIndex,
		"model_name":        resp.ModelName,
		"prompt":            resp.Prompt,
		"response":          resp.Response,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
		"latency_ms":        resp.LatencyMs,
		"status":            resp.Status,
		"error_message":     resp.ErrorMessage,
		"ctime":             resp.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("practice_responses", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return fmt.Errorf("%w: response for %s/%d already stored", appErr.ErrConflict, resp.ModelName, resp.TurnIndex)
		}
		return err
	}
	return nil
}

func (r *ResponseRepo) ListBySession(ctx context.Context, sessionID string) ([]model.PracticeResponse, error) {
	where := map[string]interface{}{
		"session_id": sessionID,
		"_orderby":   "turn_index asc, model_name asc",
	}
	fields := []string{"id", "session_id", "turn_id", "turn_index", "model_name", "prompt", "response",
		"prompt_tokens", "completion_tokens", "latency_ms", "status", "error_message", "ctime"}
	sqlStr, args, err := builder.BuildSelect("practice_responses", where, fields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PracticeResponse
	for rows.Next() {
		var item model.PracticeResponse
		if err := rows.Scan(&item.ID, &item.SessionID, &item.TurnID, &item.TurnIndex, &item.ModelName, &item.Prompt,
			&item.Response, &item.PromptTokens, &item.CompletionTokens, &item.LatencyMs, &item.Status,
			&item.ErrorMessage, &item.Ctime); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
