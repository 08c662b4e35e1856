package repo

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func TestUsageInsertIsIdempotent(t *testing.T) {
	db, mock := newMock(t)
	r := NewUsageRepo(db)
	ev := &model.UsageEvent{ID: "u1", IdempotencyKey: "turn:t1:gpt", Kind: model.UsageKindCompletion}

	query := regexp.QuoteMeta("ON CONFLICT (idempotency_key) DO NOTHING")
	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	inserted, err := r.Insert(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, inserted)

	ev.ID = "u2"
	inserted, err = r.Insert(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestDocumentUpdateProgressOnTerminal(t *testing.T) {
	db, mock := newMock(t)
	r := NewDocumentRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("progress = GREATEST(progress, $3)")).
		WithArgs("d1", model.DocumentStatusEmbedding, model.ProgressExtracted, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("status NOT IN ('ready', 'failed')")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, r.UpdateProgress(context.Background(), "d1", model.DocumentStatusEmbedding, model.ProgressExtracted, 5))
	err := r.MarkFailed(context.Background(), "d1", "boom", 6)
	require.ErrorIs(t, err, appErr.ErrConflict)
}

func TestDocumentGetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("SELECT .* FROM documents").WillReturnRows(sqlmock.NewRows(documentColumns))
	_, err := NewDocumentRepo(db).GetByID(context.Background(), "missing")
	require.True(t, appErr.IsNotFound(err))
}

func TestChunkSearch(t *testing.T) {
	db, mock := newMock(t)
	r := NewChunkRepo(db)

	_, err := r.Search(context.Background(), []float32{1}, []string{"d1"}, 3, 0.2, "dot")
	require.True(t, appErr.IsConfiguration(err))

	res, err := r.Search(context.Background(), []float32{1}, nil, 3, 0.2, model.MetricCosine)
	require.NoError(t, err)
	require.Empty(t, res)

	cols := []string{"id", "document_id", "parent_id", "kind", "segment_index", "segment_pos", "chunk_index", "text", "score"}
	mock.ExpectQuery(regexp.QuoteMeta("WITH scoped AS MATERIALIZED")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 0.2, 3).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c1", "d1", "", model.ChunkKindLeaf, 0, 0, 0, "alpha", 0.91).
			AddRow("c2", "d1", "p1", model.ChunkKindChild, 0, 1, nil, "beta", 0.55))

	res, err = r.Search(context.Background(), []float32{1}, []string{"d1"}, 3, 0.2, model.MetricCosine)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "c1", res[0].ID)
	require.NotNil(t, res[0].ChunkIndex)
	require.Equal(t, 0.91, res[0].Score)
	require.Equal(t, "p1", res[1].ParentID)
	require.Nil(t, res[1].ChunkIndex)
}

func TestChunkUpsertWritesInOneTransaction(t *testing.T) {
	db, mock := newMock(t)
	r := NewChunkRepo(db)
	idx := 0
	chunks := []model.Chunk{
		{ID: "p1", DocumentID: "d1", Kind: model.ChunkKindParent, Text: "parent"},
		{ID: "c1", DocumentID: "d1", ParentID: "p1", Kind: model.ChunkKindChild, ChunkIndex: &idx, Text: "child", Vector: []float32{0.1, 0.2}},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO chunks"))
	prep.ExpectExec().WithArgs("p1", "d1", nil, model.ChunkKindParent, 0, 0, nil, "parent", nil, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("c1", "d1", "p1", model.ChunkKindChild, 0, 0, 0, "child", "[0.1,0.2]", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, r.UpsertChunks(context.Background(), "d1", chunks))
}

func TestChunkUpsertRejectsForeignDocument(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO chunks"))
	mock.ExpectRollback()

	err := NewChunkRepo(db).UpsertChunks(context.Background(), "d1", []model.Chunk{{ID: "x", DocumentID: "d2"}})
	require.Error(t, err)
}

func TestFewShotListKeepsRequestedOrder(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("SELECT .* FROM few_shot_examples").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "input", "output", "ctime"}).
			AddRow("a", "u1", "q1", "a1", 1).
			AddRow("b", "u1", "q2", "a2", 2))

	out, err := NewFewShotRepo(db).ListByIDs(context.Background(), "u1", []string{"b", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "b", out[0].ID)
	require.Equal(t, "a", out[1].ID)
}

func TestSessionGetByID(t *testing.T) {
	db, mock := newMock(t)
	r := NewSessionRepo(db)
	cols := []string{"id", "owner_id", "class_id", "project_id", "title", "models", "settings", "document_ids", "few_shot_ids", "ctime", "mtime"}

	mock.ExpectQuery("FROM practice_sessions").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("s1", "u1", "c1", "", "", "{gpt,claude}",
			[]byte(`{"style_preset":"tutor","retrieval_enabled":true}`), "{d1}", "{}", 1, 2))
	mock.ExpectQuery("FROM practice_sessions").WithArgs("s2").WillReturnRows(sqlmock.NewRows(cols))

	s, err := r.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"gpt", "claude"}, s.Models)
	require.Equal(t, []string{"d1"}, s.DocumentIDs)
	require.Equal(t, model.StylePresetTutor, s.Settings.StylePreset)
	require.True(t, s.Settings.RetrievalEnabled)

	_, err = r.GetByID(context.Background(), "s2")
	require.True(t, appErr.IsNotFound(err))
}

func TestSessionSetTitleIfEmpty(t *testing.T) {
	db, mock := newMock(t)
	r := NewSessionRepo(db)
	query := regexp.QuoteMeta("WHERE id = $1 AND title = ''")
	mock.ExpectExec(query).WithArgs("s1", "Cells", int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs("s1", "Other", int64(4)).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := r.SetTitleIfEmpty(context.Background(), "s1", "Cells", 3)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.SetTitleIfEmpty(context.Background(), "s1", "Other", 4)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmbeddingCacheGetMany(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("content_hash = ANY($2)")).
		WillReturnRows(sqlmock.NewRows([]string{"content_hash", "embedding"}).AddRow("h1", "[1,2,3]"))

	out, err := NewEmbeddingCacheRepo(db).GetMany(context.Background(), "m", []string{"h1", "h2"})
	require.NoError(t, err)
	require.Equal(t, map[string][]float32{"h1": {1, 2, 3}}, out)
}

func TestSessionNextTurn(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SET turn_count = turn_count + 1 WHERE id = $1 RETURNING turn_count")).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"turn_count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("RETURNING turn_count")).WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"turn_count"}))

	repo := NewSessionRepo(db)
	next, err := repo.NextTurn(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 3, next)
	_, err = repo.NextTurn(context.Background(), "gone")
	require.True(t, appErr.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
