package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/mpractice/internal/model"
)

const (
	defaultQueueSize = 64
	// flushGrace bounds how long closing events wait for a reader.
	flushGrace = time.Second
)

// FanOut streams one turn from several models at once. Workers run on a pool
// sized to the model count and feed one bounded queue; a relay goroutine moves
// events to the caller. Order holds per model, not across models.
type FanOut struct {
	runner    *Runner
	queueSize int
}

func NewFanOut(runner *Runner, queueSize int) *FanOut {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &FanOut{runner: runner, queueSize: queueSize}
}

// Stream returns a channel that closes after every model sent its terminal
// event. When ctx ends first, each model still running gets an error event
// before the close. onClose runs just before the close.
func (f *FanOut) Stream(ctx context.Context, turn *PreparedTurn, onClose func()) <-chan model.StreamEvent {
	out := make(chan model.StreamEvent)
	queue := make(chan model.StreamEvent, f.queueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(len(turn.Models), 1))
	for _, entry := range turn.Models {
		entry := entry
		g.Go(func() error {
			f.work(gctx, turn, entry, queue)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(queue)
	}()

	go func() {
		finished := make(map[string]bool, len(turn.Models))
		defer func() {
			if ctx.Err() != nil {
				f.flush(ctx, turn, finished, out)
			}
			if onClose != nil {
				onClose()
			}
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-queue:
				if !ok {
					return
				}
				select {
				case out <- ev:
					if ev.Terminal() {
						finished[ev.ModelName] = true
					}
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// flush ends every unfinished model with an error event. A reader that is
// gone gets nothing after flushGrace.
func (f *FanOut) flush(ctx context.Context, turn *PreparedTurn, finished map[string]bool, out chan<- model.StreamEvent) {
	reason := "turn canceled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "turn timed out"
	}
	timer := time.NewTimer(flushGrace)
	defer timer.Stop()
	for _, entry := range turn.Models {
		if finished[entry.Name] {
			continue
		}
		f.runner.metrics.TurnEvent(entry.Name, model.StreamEventError)
		ev := model.StreamEvent{
			Event:     model.StreamEventError,
			SessionID: turn.Session.ID,
			ModelName: entry.Name,
			Payload:   reason,
		}
		select {
		case out <- ev:
		case <-timer.C:
			logutil.GetLogger(ctx).Warn("drop closing events, reader gone", zap.String("turn_id", turn.TurnID))
			return
		}
	}
}

func (f *FanOut) work(ctx context.Context, turn *PreparedTurn, entry *CatalogEntry, queue chan<- model.StreamEvent) {
	terminal := false
	emit := func(ev model.StreamEvent) error {
		if terminal {
			return nil
		}
		select {
		case queue <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		terminal = ev.Terminal()
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			logutil.GetLogger(ctx).Error("model worker panic", zap.String("model", entry.Name),
				zap.Any("panic", p), zap.Stack("stack"))
			_ = emit(model.StreamEvent{
				Event:     model.StreamEventError,
				SessionID: turn.Session.ID,
				ModelName: entry.Name,
				Payload:   fmt.Sprintf("internal error: %v", p),
			})
		}
	}()
	_, _ = f.runner.Stream(ctx, turn, entry, emit)
}
