package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

const staleSweepBatch = 100

type IStaleDocumentStore interface {
	ListStale(ctx context.Context, cutoff int64, limit uint) ([]model.Document, error)
	MarkFailed(ctx context.Context, docID, message string, now int64) error
}

// StaleIngestionJob fails documents whose pipeline stopped reporting progress,
// e.g. after a crash mid-ingestion.
type StaleIngestionJob struct {
	docs   IStaleDocumentStore
	maxAge time.Duration
	now    func() time.Time
	onFail func(status string)
}

func NewStaleIngestionJob(docs IStaleDocumentStore, maxAge time.Duration, onFail func(status string)) *StaleIngestionJob {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &StaleIngestionJob{docs: docs, maxAge: maxAge, now: time.Now, onFail: onFail}
}

func (j *StaleIngestionJob) Name() string {
	return "stale_ingestion_sweep"
}

func (j *StaleIngestionJob) Run(ctx context.Context) error {
	now := j.now()
	cutoff := now.Add(-j.maxAge).Unix()
	docs, err := j.docs.ListStale(ctx, cutoff, staleSweepBatch)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("ingestion interrupted: no progress for %s", j.maxAge)
	var failed int
	for _, doc := range docs {
		err := j.docs.MarkFailed(ctx, doc.ID, message, now.Unix())
		if errors.Is(err, appErr.ErrConflict) {
			// finished between list and update
			continue
		}
		if err != nil {
			return err
		}
		failed++
		if j.onFail != nil {
			j.onFail(model.DocumentStatusFailed)
		}
	}
	if failed > 0 {
		logutil.GetLogger(ctx).Warn("stale ingestions failed", zap.Int("count", failed))
	}
	return nil
}
