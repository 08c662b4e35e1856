package service

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/metrics"
	"github.com/xxxsen/mpractice/internal/model"
)

func completionUsageKey(turnID, modelName string) string {
	return "turn:" + turnID + ":" + modelName
}

func embeddingUsageKey(docID string) string {
	return "embed:" + docID
}

func titleUsageKey(sessionID string) string {
	return "title:" + sessionID
}

// Cost prices tokens per thousand.
func Cost(promptTokens, completionTokens int, priceInPer1K, priceOutPer1K float64) float64 {
	return float64(promptTokens)/1000*priceInPer1K + float64(completionTokens)/1000*priceOutPer1K
}

// UsageRecorder writes the cost ledger. Each idempotency key lands at most once,
// and storage failures are logged rather than returned.
type UsageRecorder struct {
	store   IUsageStore
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewUsageRecorder(store IUsageStore, m *metrics.Metrics) *UsageRecorder {
	return &UsageRecorder{store: store, metrics: m, now: time.Now}
}

// Record reports whether a new ledger row was written.
func (r *UsageRecorder) Record(ctx context.Context, ev model.UsageEvent) bool {
	if r == nil || r.store == nil {
		return false
	}
	logger := logutil.GetLogger(ctx).With(zap.String("idempotency_key", ev.IdempotencyKey), zap.String("kind", ev.Kind))
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.Ctime == 0 {
		ev.Ctime = r.now().Unix()
	}
	inserted, err := r.store.Insert(ctx, &ev)
	switch {
	case err != nil:
		r.metrics.UsageEvent(ev.Kind, "error")
		logger.Warn("record usage failed", zap.Error(err))
		return false
	case !inserted:
		r.metrics.UsageEvent(ev.Kind, "duplicate")
		logger.Debug("usage already recorded")
		return false
	}
	r.metrics.UsageEvent(ev.Kind, "inserted")
	return true
}
