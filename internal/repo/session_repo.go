package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, s *model.PracticeSession) error {
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO practice_sessions (id, owner_id, class_id, project_id, title, models, settings, document_ids, few_shot_ids, ctime, mtime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query, s.ID, s.OwnerID, s.ClassID, s.ProjectID, s.Title, pq.Array(s.Models),
		string(settings), pq.Array(s.DocumentIDs), pq.Array(s.FewShotIDs), s.Ctime, s.Mtime)
	return err
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*model.PracticeSession, error) {
	const query = `
		SELECT id, owner_id, class_id, project_id, title, models, settings, document_ids, few_shot_ids, ctime, mtime
		FROM practice_sessions WHERE id = $1
	`
	var s model.PracticeSession
	var settings []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.OwnerID, &s.ClassID, &s.ProjectID, &s.Title,
		pq.Array(&s.Models), &settings, pq.Array(&s.DocumentIDs), pq.Array(&s.FewShotIDs), &s.Ctime, &s.Mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErr.NewNotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &s.Settings); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// SetTitleIfEmpty reports whether the title was written.
func (r *SessionRepo) SetTitleIfEmpty(ctx context.Context, id, title string, now int64) (bool, error) {
	const query = `UPDATE practice_sessions SET title = $2, mtime = $3 WHERE id = $1 AND title = ''`
	res, err := r.db.ExecContext(ctx, query, id, title, now)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// NextTurn reserves the next turn index of a session. The counter row is
// incremented in place, so concurrent turns never share an index.
func (r *SessionRepo) NextTurn(ctx context.Context, id string) (int, error) {
	const query = `UPDATE practice_sessions SET turn_count = turn_count + 1 WHERE id = $1 RETURNING turn_count`
	var next int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, appErr.NewNotFound("session", id)
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (r *SessionRepo) Touch(ctx context.Context, id string, now int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE practice_sessions SET mtime = $2 WHERE id = $1`, id, now)
	return err
}
