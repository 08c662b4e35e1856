package service

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xxxsen/mpractice/internal/ai"
	"github.com/xxxsen/mpractice/internal/chunker"
	"github.com/xxxsen/mpractice/internal/model"
)

const (
	maxTitleRunes = 60
	titlePrompt   = "Write a short title (at most 8 words) for a study session that starts with this question. Reply with the title only.\n\nQuestion:\n"
)

type ITitleStore interface {
	SetTitleIfEmpty(ctx context.Context, id, title string, now int64) (bool, error)
}

// TitleService names untitled sessions in the background.
type TitleService struct {
	store   ITitleStore
	gen     ai.IGenerator
	usage   *UsageRecorder
	timeout time.Duration
	group   singleflight.Group
	titled  sync.Map
	wg      sync.WaitGroup
}

func NewTitleService(store ITitleStore, gen ai.IGenerator, usage *UsageRecorder, timeout time.Duration) *TitleService {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &TitleService{store: store, gen: gen, usage: usage, timeout: timeout}
}

// Trigger starts title generation for session unless one is already running.
// It never blocks the caller and survives the caller's cancellation.
func (s *TitleService) Trigger(ctx context.Context, session *model.PracticeSession, question string) {
	if s == nil || s.gen == nil || session == nil || session.Title != "" {
		return
	}
	sessionID := session.ID
	ownerID := session.OwnerID
	if _, ok := s.titled.Load(sessionID); ok {
		return
	}
	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _, _ = s.group.Do(sessionID, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(detached, s.timeout)
			defer cancel()
			return nil, s.generate(ctx, sessionID, ownerID, question)
		})
	}()
}

// Wait blocks until in-flight generations finish.
func (s *TitleService) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

func (s *TitleService) generate(ctx context.Context, sessionID, ownerID, question string) error {
	logger := logutil.GetLogger(ctx).With(zap.String("session_id", sessionID))
	start := time.Now()
	raw, err := s.gen.Generate(ctx, titlePrompt+question)
	if err != nil {
		logger.Warn("generate session title failed", zap.Error(err))
		return err
	}
	title := cleanTitle(raw)
	if title == "" {
		return nil
	}
	updated, err := s.store.SetTitleIfEmpty(ctx, sessionID, title, time.Now().Unix())
	if err != nil {
		logger.Warn("save session title failed", zap.Error(err))
		return err
	}
	s.titled.Store(sessionID, true)
	if updated {
		logger.Info("session titled", zap.String("title", title))
		s.usage.Record(ctx, model.UsageEvent{
			IdempotencyKey: titleUsageKey(sessionID),
			Kind:           model.UsageKindTitle,
			OwnerID:        ownerID,
			SessionID:      sessionID,
			PromptTokens:   chunker.EstimateTokens(titlePrompt + question),
			LatencyMs:      time.Since(start).Milliseconds(),
		})
	}
	return nil
}

func cleanTitle(raw string) string {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.Trim(strings.TrimSpace(line), `"'`+"`*#")
	line = strings.TrimPrefix(line, "Title:")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) > maxTitleRunes {
		line = string([]rune(line)[:maxTitleRunes])
	}
	return line
}
