package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
	"github.com/xxxsen/mpractice/internal/pkg/errcode"
	"github.com/xxxsen/mpractice/internal/pkg/jwt"
	"github.com/xxxsen/mpractice/internal/service"
)

var testSecret = []byte("handler-secret")

type fakeDocs struct {
	submitted *service.UploadRequest
}

func (f *fakeDocs) Submit(ctx context.Context, req service.UploadRequest) (*model.Document, error) {
	f.submitted = &req
	return &model.Document{ID: "doc-1", Name: req.Name, Status: model.DocumentStatusUploading}, nil
}

func (f *fakeDocs) Get(ctx context.Context, ownerID, docID string) (*model.Document, error) {
	return nil, appErr.NewNotFound("document", docID)
}

func (f *fakeDocs) Reingest(ctx context.Context, ownerID, docID string) (*model.Document, error) {
	return &model.Document{ID: "doc-2", Name: docID}, nil
}

func (f *fakeDocs) ListChunks(ctx context.Context, ownerID, docID string) ([]model.Chunk, error) {
	return nil, nil
}

func (f *fakeDocs) SaveSearchSetting(ctx context.Context, ownerID string, s model.SearchSetting) (*model.SearchSetting, error) {
	return &s, nil
}

type fakeTurns struct {
	req      service.TurnRequest
	events   []model.StreamEvent
	canceled string
}

func (f *fakeTurns) Run(ctx context.Context, req service.TurnRequest) (*service.TurnResult, error) {
	f.req = req
	return &service.TurnResult{TurnID: "turn-1"}, nil
}

func (f *fakeTurns) Stream(ctx context.Context, req service.TurnRequest) (*service.PreparedTurn, <-chan model.StreamEvent, error) {
	f.req = req
	if len(req.Models) > service.MaxTurnModels {
		return nil, nil, appErr.NewValidation("models", "too many")
	}
	ch := make(chan model.StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return &service.PreparedTurn{TurnID: "turn-1", Session: &model.PracticeSession{ID: "s-1"}}, ch, nil
}

func (f *fakeTurns) Cancel(ownerID, turnID string) bool {
	f.canceled = ownerID + "/" + turnID
	return true
}

func (f *fakeTurns) Session(ctx context.Context, ownerID, sessionID string) (*model.PracticeSession, []model.PracticeResponse, error) {
	return nil, nil, appErr.NewNotFound("session", sessionID)
}

type fakeShots struct{}

func (fakeShots) Create(ctx context.Context, ownerID, input, output string) (*model.FewShotExample, error) {
	return &model.FewShotExample{ID: "ex-1", OwnerID: ownerID, Input: input, Output: output}, nil
}

// streamRecorder adds the CloseNotifier that gin's Stream requires.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func newRouter(t *testing.T, docs *fakeDocs, turns *fakeTurns) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r.Group("/api/v1"), RouterDeps{
		Documents: NewDocumentHandler(docs, 1024),
		Practice:  NewPracticeHandler(turns, func() []string { return []string{"model-a"} }),
		FewShots:  NewFewShotHandler(fakeShots{}),
		JWTSecret: testSecret,
	})
	return r
}

func authHeader(t *testing.T) string {
	t.Helper()
	token, err := jwt.GenerateToken("u1", []string{"biology"}, testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestUploadDocument(t *testing.T) {
	docs := &fakeDocs{}
	r := newRouter(t, docs, &fakeTurns{})

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("cells are small"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("search", `{"top_k":3,"min_score":0.4}`))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", authHeader(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.NotNil(t, docs.submitted)
	require.Equal(t, "u1", docs.submitted.OwnerID)
	require.Equal(t, "notes.txt", docs.submitted.Name)
	require.Equal(t, []byte("cells are small"), docs.submitted.Data)
	require.Equal(t, 3, docs.submitted.Search.TopK)
	require.Contains(t, rec.Body.String(), "doc-1")
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	docs := &fakeDocs{}
	r := newRouter(t, docs, &fakeTurns{})

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "big.txt")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte("a"), 2048))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", authHeader(t))
	r.ServeHTTP(httptest.NewRecorder(), req)
	require.Nil(t, docs.submitted)
}

func TestStreamWritesServerSentEvents(t *testing.T) {
	turns := &fakeTurns{events: []model.StreamEvent{
		{Event: model.StreamEventToken, SessionID: "s-1", ModelName: "model-a", Payload: "Hel"},
		{Event: model.StreamEventToken, SessionID: "s-1", ModelName: "model-a", Payload: "lo"},
		{Event: model.StreamEventDone, SessionID: "s-1", ModelName: "model-a", Payload: "Hello"},
	}}
	r := newRouter(t, &fakeDocs{}, turns)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns/stream",
		strings.NewReader(`{"question":"hi","models":["model-a"],"class_id":"biology"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authHeader(t))
	rec := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	r.ServeHTTP(rec, req)

	require.Equal(t, "turn-1", rec.Header().Get("X-Turn-Id"))
	require.Equal(t, "s-1", rec.Header().Get("X-Session-Id"))
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	require.Equal(t, 2, strings.Count(out, "event:token"))
	require.Equal(t, 1, strings.Count(out, "event:done"))
	require.Contains(t, out, `"payload":"Hello"`)

	require.Equal(t, "u1", turns.req.OwnerID)
	require.Equal(t, []string{"biology"}, turns.req.AllowedClasses)
	require.Equal(t, "biology", turns.req.ClassID)
}

func TestStreamValidationFailureSendsNoEvents(t *testing.T) {
	turns := &fakeTurns{}
	r := newRouter(t, &fakeDocs{}, turns)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns/stream",
		strings.NewReader(`{"question":"hi","models":["a","b","c","d"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authHeader(t))
	rec := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	r.ServeHTTP(rec, req)

	require.NotContains(t, rec.Body.String(), "event:")
	require.Empty(t, rec.Header().Get("X-Turn-Id"))
}

func TestCancelTurn(t *testing.T) {
	turns := &fakeTurns{}
	r := newRouter(t, &fakeDocs{}, turns)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns/turn-9/cancel", nil)
	req.Header.Set("Authorization", authHeader(t))
	r.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "u1/turn-9", turns.canceled)
}

func TestRoutesRequireToken(t *testing.T) {
	turns := &fakeTurns{}
	r := newRouter(t, &fakeDocs{}, turns)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", strings.NewReader(`{"question":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(httptest.NewRecorder(), req)
	require.Empty(t, turns.req.OwnerID)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{name: "validation", err: appErr.NewValidation("models", "too many"), code: errcode.ErrInvalid, msg: "validation: models: too many"},
		{name: "not_found", err: fmt.Errorf("load: %w", appErr.NewNotFound("session", "s1")), code: errcode.ErrNotFound},
		{name: "configuration", err: appErr.NewConfiguration("bad dim"), code: errcode.ErrConfiguration},
		{name: "forbidden", err: fmt.Errorf("%w: class c1", appErr.ErrForbidden), code: errcode.ErrForbidden, msg: "forbidden"},
		{name: "provider", err: appErr.NewProvider("openai", "gpt", errors.New("boom")), code: errcode.ErrProvider},
		{name: "canceled", err: context.Canceled, code: errcode.ErrCanceled, msg: "canceled"},
		{name: "unknown", err: errors.New("db exploded"), code: errcode.ErrInternal, msg: "internal error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, msg, _ := classify(tc.err)
			require.Equal(t, tc.code, code)
			if tc.msg != "" {
				require.Equal(t, tc.msg, msg)
			}
		})
	}
}

func TestFormatUploadLimit(t *testing.T) {
	require.Equal(t, "0MB", formatUploadLimit(0))
	require.Equal(t, "1MB", formatUploadLimit(1024))
	require.Equal(t, "20MB", formatUploadLimit(20*1024*1024))
}
