package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
	"github.com/xxxsen/mpractice/internal/retrieval"
)

// TurnRequest is one question submitted for practice. Empty SessionID starts
// a new session. Nil pointer fields fall back to the session's settings.
type TurnRequest struct {
	OwnerID string
	// AllowedClasses are the classes the caller belongs to.
	AllowedClasses   []string
	SessionID        string
	ClassID          string
	ProjectID        string
	Question         string
	Models           []string
	DocumentIDs      []string
	FewShotIDs       []string
	Generation       *model.GenerationParams
	StylePreset      string
	PolicyRules      []string
	RetrievalEnabled *bool
	Search           *model.SearchSetting
}

type PreparedTurn struct {
	TurnID    string
	TurnIndex int
	Question  string
	Session   *model.PracticeSession
	Settings  model.SessionSettings
	Models    []*CatalogEntry
	Documents []model.Document
	FewShots  []model.FewShotExample
	Retrieval *retrieval.Result
}

func (t *PreparedTurn) ContextText() string {
	if t.Retrieval == nil {
		return ""
	}
	return t.Retrieval.ContextText
}

type ModelResult struct {
	Response *model.PracticeResponse `json:"response"`
	Error    string                  `json:"error,omitempty"`
}

type TurnResult struct {
	TurnID    string                 `json:"turn_id"`
	TurnIndex int                    `json:"turn_index"`
	Session   *model.PracticeSession `json:"session"`
	Sources   []retrieval.Source     `json:"sources"`
	Results   []ModelResult          `json:"results"`
}

type IRetriever interface {
	Retrieve(ctx context.Context, question string, scope []string, override *model.SearchSetting, memo *retrieval.QueryMemo) (*retrieval.Result, error)
}

type TurnService struct {
	sessions  ISessionStore
	responses IResponseStore
	docs      IDocumentStore
	fewShots  IFewShotStore
	catalog   *Catalog
	retriever IRetriever
	runner    *Runner
	fanout    *FanOut
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	running map[string]runningTurn
}

type runningTurn struct {
	owner  string
	cancel context.CancelFunc
}

func NewTurnService(sessions ISessionStore, responses IResponseStore, docs IDocumentStore, fewShots IFewShotStore,
	catalog *Catalog, retriever IRetriever, runner *Runner, fanout *FanOut, timeout time.Duration) *TurnService {
	return &TurnService{
		sessions:  sessions,
		responses: responses,
		docs:      docs,
		fewShots:  fewShots,
		catalog:   catalog,
		retriever: retriever,
		runner:    runner,
		fanout:    fanout,
		timeout:   timeout,
		now:       time.Now,
		running:   make(map[string]runningTurn),
	}
}

// Prepare validates a turn request and resolves everything the models need.
// Nothing is invoked and nothing is written for a request that fails here,
// except that a brand new session is created once validation passed.
func (s *TurnService) Prepare(ctx context.Context, req TurnRequest) (*PreparedTurn, error) {
	if len(req.Models) > MaxTurnModels {
		return nil, appErr.NewValidation("models", "at most %d models per turn, got %d", MaxTurnModels, len(req.Models))
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, appErr.NewValidation("question", "must not be empty")
	}
	if req.StylePreset != "" && !validStyle(req.StylePreset) {
		return nil, appErr.NewValidation("style_preset", "unknown preset %q", req.StylePreset)
	}

	session, isNew, err := s.loadSession(ctx, req)
	if err != nil {
		return nil, err
	}
	if session.ClassID != "" && !contains(req.AllowedClasses, session.ClassID) {
		return nil, fmt.Errorf("%w: class %s", appErr.ErrForbidden, session.ClassID)
	}

	modelNames := req.Models
	if len(modelNames) == 0 {
		modelNames = session.Models
	}
	entries, err := s.catalog.Resolve(modelNames, session.ClassID)
	if err != nil {
		return nil, err
	}
	settings := mergeSettings(session.Settings, req)
	if settings.Search != nil {
		if err := validateSearch(*settings.Search); err != nil {
			return nil, err
		}
	}

	docIDs := req.DocumentIDs
	if len(docIDs) == 0 {
		docIDs = session.DocumentIDs
	}
	docs, err := s.scopeDocuments(ctx, req.OwnerID, docIDs)
	if err != nil {
		return nil, err
	}
	shotIDs := req.FewShotIDs
	if len(shotIDs) == 0 {
		shotIDs = session.FewShotIDs
	}
	shots, err := s.loadFewShots(ctx, req.OwnerID, shotIDs)
	if err != nil {
		return nil, err
	}

	if isNew {
		session.Models = modelNames
		session.Settings = settings
		session.DocumentIDs = docIDs
		session.FewShotIDs = shotIDs
		if err := s.sessions.Create(ctx, session); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	turnIndex, err := s.sessions.NextTurn(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("next turn index: %w", err)
	}

	turn := &PreparedTurn{
		TurnID:    newID(),
		TurnIndex: turnIndex,
		Question:  question,
		Session:   session,
		Settings:  settings,
		Models:    entries,
		Documents: docs,
		FewShots:  shots,
		Retrieval: &retrieval.Result{},
	}
	if settings.RetrievalEnabled && len(docs) > 0 && s.retriever != nil {
		scope := make([]string, 0, len(docs))
		for _, d := range docs {
			scope = append(scope, d.ID)
		}
		res, err := s.retriever.Retrieve(ctx, question, scope, settings.Search, retrieval.NewQueryMemo())
		if err != nil {
			return nil, fmt.Errorf("retrieve context: %w", err)
		}
		turn.Retrieval = res
	}
	logutil.GetLogger(ctx).Info("turn prepared", zap.String("turn_id", turn.TurnID), zap.String("session_id", session.ID),
		zap.Int("turn_index", turnIndex), zap.Int("models", len(entries)), zap.Int("documents", len(docs)),
		zap.Int("sources", len(turn.Retrieval.Sources)))
	return turn, nil
}

// Run answers the turn with every model and waits for all of them. A failing
// model shows up in its own result and does not fail the call.
func (s *TurnService) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	turn, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx, release := s.track(ctx, req.OwnerID, turn.TurnID)
	defer release()

	results := make([]ModelResult, len(turn.Models))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(turn.Models))
	for i, entry := range turn.Models {
		i, entry := i, entry
		g.Go(func() error {
			resp, err := s.runner.Run(gctx, turn, entry)
			results[i] = ModelResult{Response: resp}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	_ = s.sessions.Touch(context.WithoutCancel(ctx), turn.Session.ID, s.now().Unix())
	return &TurnResult{
		TurnID:    turn.TurnID,
		TurnIndex: turn.TurnIndex,
		Session:   turn.Session,
		Sources:   turn.Retrieval.Sources,
		Results:   results,
	}, nil
}

// Stream prepares the turn and starts all models. The channel closes when
// every model finished, the caller's ctx ends or Cancel is called.
func (s *TurnService) Stream(ctx context.Context, req TurnRequest) (*PreparedTurn, <-chan model.StreamEvent, error) {
	turn, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	runCtx, release := s.track(ctx, req.OwnerID, turn.TurnID)
	sessionID := turn.Session.ID
	events := s.fanout.Stream(runCtx, turn, func() {
		release()
		_ = s.sessions.Touch(context.WithoutCancel(ctx), sessionID, s.now().Unix())
	})
	return turn, events, nil
}

// Cancel stops a running turn started by ownerID. It reports whether such a
// turn was running; another user's turn is left alone.
func (s *TurnService) Cancel(ownerID, turnID string) bool {
	s.mu.Lock()
	rt, ok := s.running[turnID]
	s.mu.Unlock()
	if !ok || rt.owner != ownerID {
		return false
	}
	rt.cancel()
	return true
}

func (s *TurnService) track(ctx context.Context, ownerID, turnID string) (context.Context, func()) {
	var cancel context.CancelFunc
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	s.mu.Lock()
	s.running[turnID] = runningTurn{owner: ownerID, cancel: cancel}
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		delete(s.running, turnID)
		s.mu.Unlock()
		cancel()
	}
}

// Session returns an owned session with its stored responses.
func (s *TurnService) Session(ctx context.Context, ownerID, sessionID string) (*model.PracticeSession, []model.PracticeResponse, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.OwnerID != ownerID {
		return nil, nil, appErr.NewNotFound("session", sessionID)
	}
	responses, err := s.responses.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, responses, nil
}

func (s *TurnService) loadSession(ctx context.Context, req TurnRequest) (*model.PracticeSession, bool, error) {
	if req.SessionID == "" {
		now := s.now().Unix()
		return &model.PracticeSession{
			ID:        newID(),
			OwnerID:   req.OwnerID,
			ClassID:   req.ClassID,
			ProjectID: req.ProjectID,
			Ctime:     now,
			Mtime:     now,
		}, true, nil
	}
	session, err := s.sessions.GetByID(ctx, req.SessionID)
	if err != nil {
		return nil, false, err
	}
	if session.OwnerID != req.OwnerID {
		return nil, false, appErr.NewNotFound("session", req.SessionID)
	}
	return session, false, nil
}

// scopeDocuments keeps the owner's ready documents. Unknown or foreign ids
// are an error; documents still ingesting are left out.
func (s *TurnService) scopeDocuments(ctx context.Context, ownerID string, ids []string) ([]model.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.docs.ListByIDs(ctx, ownerID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Document, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}
	out := make([]model.Document, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		d, ok := byID[id]
		if !ok {
			return nil, appErr.NewNotFound("document", id)
		}
		if seen[id] || d.Status != model.DocumentStatusReady {
			continue
		}
		seen[id] = true
		out = append(out, d)
	}
	return out, nil
}

func (s *TurnService) loadFewShots(ctx context.Context, ownerID string, ids []string) ([]model.FewShotExample, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	shots, err := s.fewShots.ListByIDs(ctx, ownerID, ids)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(shots))
	for _, sh := range shots {
		have[sh.ID] = true
	}
	for _, id := range ids {
		if !have[id] {
			return nil, appErr.NewNotFound("few-shot example", id)
		}
	}
	return shots, nil
}

func mergeSettings(base model.SessionSettings, req TurnRequest) model.SessionSettings {
	out := base
	out.Generation = base.Generation.Merge(req.Generation)
	if req.StylePreset != "" {
		out.StylePreset = req.StylePreset
	}
	if len(req.PolicyRules) > 0 {
		out.PolicyRules = req.PolicyRules
	}
	if req.RetrievalEnabled != nil {
		out.RetrievalEnabled = *req.RetrievalEnabled
	}
	if req.Search != nil {
		out.Search = req.Search
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// IsCanceled reports whether err came from a cancelled or timed out turn.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, appErr.ErrCanceled)
}
