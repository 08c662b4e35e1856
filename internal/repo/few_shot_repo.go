package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/mpractice/internal/model"
	"github.com/xxxsen/mpractice/internal/pkg/dbutil"
)

type FewShotRepo struct {
	db *sql.DB
}

func NewFewShotRepo(db *sql.DB) *FewShotRepo {
	return &FewShotRepo{db: db}
}

func (r *FewShotRepo) Create(ctx context.Context, ex *model.FewShotExample) error {
	data := []map[string]interface{}{{
		"id":       ex.ID,
		"owner_id": ex.OwnerID,
		"input":    ex.Input,
		"output":   ex.Output,
		"ctime":    ex.Ctime,
	}}
	sqlStr, args, err := builder.BuildInsert("few_shot_examples", data)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// ListByIDs returns the owner's examples in the order of ids. Unknown ids are skipped.
func (r *FewShotRepo) ListByIDs(ctx context.Context, ownerID string, ids []string) ([]model.FewShotExample, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	where := map[string]interface{}{
		"owner_id": ownerID,
		"id in":    ids,
	}
	sqlStr, args, err := builder.BuildSelect("few_shot_examples", where, []string{"id", "owner_id", "input", "output", "ctime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := make(map[string]model.FewShotExample, len(ids))
	for rows.Next() {
		var ex model.FewShotExample
		if err := rows.Scan(&ex.ID, &ex.OwnerID, &ex.Input, &ex.Output, &ex.Ctime); err != nil {
			return nil, err
		}
		byID[ex.ID] = ex
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.FewShotExample, 0, len(byID))
	for _, id := range ids {
		if ex, ok := byID[id]; ok {
			out = append(out, ex)
		}
	}
	return out, nil
}
