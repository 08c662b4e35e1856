package service

import (
	"context"

	"github.com/xxxsen/mpractice/internal/model"
)

type IDocumentStore interface {
	Create(ctx context.Context, doc *model.Document) error
	GetByID(ctx context.Context, docID string) (*model.Document, error)
	ListByIDs(ctx context.Context, ownerID string, ids []string) ([]model.Document, error)
	UpdateProgress(ctx context.Context, docID, status string, progress int, now int64) error
	SetPageCount(ctx context.Context, docID string, pages int, now int64) error
	SetChunkCount(ctx context.Context, docID string, chunks int, now int64) error
	MarkReady(ctx context.Context, docID string, now int64) error
	MarkFailed(ctx context.Context, docID, message string, now int64) error
}

type IPageStore interface {
	SaveAll(ctx context.Context, pages []model.Page) error
}

type ISettingStore interface {
	SaveIngestion(ctx context.Context, s *model.IngestionSetting) error
	GetIngestion(ctx context.Context, docID string) (*model.IngestionSetting, error)
	SaveSearch(ctx context.Context, s *model.SearchSetting) error
}

type IChunkStore interface {
	UpsertChunks(ctx context.Context, docID string, chunks []model.Chunk) error
	ListByDocument(ctx context.Context, docID string) ([]model.Chunk, error)
}

type ISessionStore interface {
	Create(ctx context.Context, s *model.PracticeSession) error
	GetByID(ctx context.Context, id string) (*model.PracticeSession, error)
	SetTitleIfEmpty(ctx context.Context, id, title string, now int64) (bool, error)
	// NextTurn atomically reserves the next 1-based turn index.
	NextTurn(ctx context.Context, id string) (int, error)
	Touch(ctx context.Context, id string, now int64) error
}

type IResponseStore interface {
	Create(ctx context.Context, resp *model.PracticeResponse) error
	ListBySession(ctx context.Context, sessionID string) ([]model.PracticeResponse, error)
}

type IUsageStore interface {
	Insert(ctx context.Context, ev *model.UsageEvent) (bool, error)
}

type IFewShotStore interface {
	Create(ctx context.Context, ex *model.FewShotExample) error
	ListByIDs(ctx context.Context, ownerID string, ids []string) ([]model.FewShotExample, error)
}
