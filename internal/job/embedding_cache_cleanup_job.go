package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type ICacheStore interface {
	DeleteBefore(ctx context.Context, cutoff int64) (int64, error)
}

type EmbeddingCacheCleanupJob struct {
	store  ICacheStore
	maxAge time.Duration
	now    func() time.Time
}

func NewEmbeddingCacheCleanupJob(store ICacheStore, maxAgeDays int) *EmbeddingCacheCleanupJob {
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	return &EmbeddingCacheCleanupJob{
		store:  store,
		maxAge: time.Duration(maxAgeDays) * 24 * time.Hour,
		now:    time.Now,
	}
}

func (j *EmbeddingCacheCleanupJob) Name() string {
	return "embedding_cache_cleanup"
}

func (j *EmbeddingCacheCleanupJob) Run(ctx context.Context) error {
	removed, err := j.store.DeleteBefore(ctx, j.now().Add(-j.maxAge).Unix())
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("embedding cache pruned", zap.Int64("removed", removed))
	return nil
}
