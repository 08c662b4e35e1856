package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

type fakeDocs struct {
	stale   []model.Document
	cutoff  int64
	failed  map[string]string
	skipIDs map[string]bool
}

func (f *fakeDocs) ListStale(ctx context.Context, cutoff int64, limit uint) ([]model.Document, error) {
	f.cutoff = cutoff
	return f.stale, nil
}

func (f *fakeDocs) MarkFailed(ctx context.Context, docID, message string, now int64) error {
	if f.skipIDs[docID] {
		return appErr.ErrConflict
	}
	f.failed[docID] = message
	return nil
}

func TestStaleIngestionJobFailsStuckDocuments(t *testing.T) {
	docs := &fakeDocs{
		stale:   []model.Document{{ID: "d1"}, {ID: "d2"}},
		failed:  map[string]string{},
		skipIDs: map[string]bool{"d2": true},
	}
	var counted int
	j := NewStaleIngestionJob(docs, 10*time.Minute, func(string) { counted++ })
	fixed := time.Unix(10_000, 0)
	j.now = func() time.Time { return fixed }

	require.NoError(t, j.Run(context.Background()))
	require.Equal(t, int64(10_000-600), docs.cutoff)
	require.Contains(t, docs.failed, "d1")
	require.NotContains(t, docs.failed, "d2")
	require.Contains(t, docs.failed["d1"], "interrupted")
	require.Equal(t, 1, counted)
	require.Equal(t, "stale_ingestion_sweep", j.Name())
}

type fakeCache struct {
	cutoff int64
}

func (f *fakeCache) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	f.cutoff = cutoff
	return 3, nil
}

func TestEmbeddingCacheCleanupUsesMaxAge(t *testing.T) {
	store := &fakeCache{}
	j := NewEmbeddingCacheCleanupJob(store, 2)
	fixed := time.Unix(1_000_000, 0)
	j.now = func() time.Time { return fixed }
	require.NoError(t, j.Run(context.Background()))
	require.Equal(t, int64(1_000_000-2*86400), store.cutoff)
}
