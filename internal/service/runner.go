package service

import (
	"context"
	"errors"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/ai"
	"github.com/xxxsen/mpractice/internal/chunker"
	"github.com/xxxsen/mpractice/internal/metrics"
	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

// Runner answers one prepared turn with one model and records the outcome.
type Runner struct {
	responses IResponseStore
	usage     *UsageRecorder
	titles    *TitleService
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewRunner(responses IResponseStore, usage *UsageRecorder, titles *TitleService, m *metrics.Metrics) *Runner {
	return &Runner{responses: responses, usage: usage, titles: titles, metrics: m, now: time.Now}
}

// Run blocks until the full answer is available.
func (r *Runner) Run(ctx context.Context, turn *PreparedTurn, entry *CatalogEntry) (*model.PracticeResponse, error) {
	return r.invoke(ctx, turn, entry, nil)
}

// Stream forwards deltas through emit as token events and finishes with one
// done or error event.
func (r *Runner) Stream(ctx context.Context, turn *PreparedTurn, entry *CatalogEntry, emit func(model.StreamEvent) error) (*model.PracticeResponse, error) {
	send := func(kind, payload string) error {
		r.metrics.TurnEvent(entry.Name, kind)
		return emit(model.StreamEvent{Event: kind, SessionID: turn.Session.ID, ModelName: entry.Name, Payload: payload})
	}
	resp, err := r.invoke(ctx, turn, entry, func(delta string) error {
		if delta == "" {
			return nil
		}
		return send(model.StreamEventToken, delta)
	})
	if err != nil {
		_ = send(model.StreamEventError, err.Error())
		return resp, err
	}
	_ = send(model.StreamEventDone, resp.Response)
	return resp, nil
}

func (r *Runner) invoke(ctx context.Context, turn *PreparedTurn, entry *CatalogEntry, onDelta ai.DeltaFunc) (*model.PracticeResponse, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("turn_id", turn.TurnID), zap.String("model", entry.Name))
	msgs := buildMessages(turn.Settings, turn.FewShots, turn.ContextText(), turn.Question)
	params := chatParams(turn.Settings.Generation)

	start := r.now()
	var res *ai.Completion
	var err error
	if onDelta != nil {
		res, err = entry.Chat.ChatStream(ctx, msgs, params, onDelta)
	} else {
		res, err = entry.Chat.Chat(ctx, msgs, params)
	}
	elapsed := r.now().Sub(start)

	resp := &model.PracticeResponse{
		ID:        newID(),
		SessionID: turn.Session.ID,
		TurnID:    turn.TurnID,
		TurnIndex: turn.TurnIndex,
		ModelName: entry.Name,
		Prompt:    renderPrompt(msgs),
		LatencyMs: elapsed.Milliseconds(),
		Ctime:     r.now().Unix(),
	}
	// the outcome is stored even when the caller has gone away
	persistCtx := context.WithoutCancel(ctx)

	if err != nil {
		if !errors.Is(err, appErr.ErrProvider) {
			err = appErr.NewProvider(entry.Chat.ProviderName(), entry.Chat.ModelName(), err)
		}
		resp.Status = model.ResponseStatusError
		resp.ErrorMessage = err.Error()
		if perr := r.responses.Create(persistCtx, resp); perr != nil {
			logger.Error("save failed response", zap.Error(perr))
		}
		r.metrics.TurnFinished(entry.Name, model.ResponseStatusError, elapsed)
		logger.Error("model invocation failed", zap.Error(err), zap.Duration("duration", elapsed))
		return resp, &appErr.ModelInvocationError{Model: entry.Name, Err: err}
	}
	if res == nil {
		res = &ai.Completion{}
	}

	resp.Response = res.Text
	resp.PromptTokens = res.Usage.PromptTokens
	resp.CompletionTokens = res.Usage.CompletionTokens
	if resp.PromptTokens == 0 {
		resp.PromptTokens = chunker.EstimateTokens(resp.Prompt)
	}
	if resp.CompletionTokens == 0 {
		resp.CompletionTokens = chunker.EstimateTokens(res.Text)
	}
	resp.Status = model.ResponseStatusDone
	if perr := r.responses.Create(persistCtx, resp); perr != nil {
		logger.Error("save response", zap.Error(perr))
	}
	r.metrics.TurnFinished(entry.Name, model.ResponseStatusDone, elapsed)
	logger.Info("model answered", zap.Duration("duration", elapsed),
		zap.Int("prompt_tokens", resp.PromptTokens), zap.Int("completion_tokens", resp.CompletionTokens))

	r.usage.Record(persistCtx, model.UsageEvent{
		IdempotencyKey:   completionUsageKey(turn.TurnID, entry.Name),
		Kind:             model.UsageKindCompletion,
		OwnerID:          turn.Session.OwnerID,
		SessionID:        turn.Session.ID,
		Provider:         entry.Chat.ProviderName(),
		Model:            entry.Name,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		LatencyMs:        resp.LatencyMs,
		Cost:             Cost(resp.PromptTokens, resp.CompletionTokens, entry.PriceInPer1K, entry.PriceOutPer1K),
	})
	r.titles.Trigger(ctx, turn.Session, turn.Question)
	return resp, nil
}
