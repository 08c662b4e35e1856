package handler

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/middleware"
	"github.com/xxxsen/mpractice/internal/model"
	"github.com/xxxsen/mpractice/internal/pkg/response"
	"github.com/xxxsen/mpractice/internal/service"
)

type ITurnService interface {
	Run(ctx context.Context, req service.TurnRequest) (*service.TurnResult, error)
	Stream(ctx context.Context, req service.TurnRequest) (*service.PreparedTurn, <-chan model.StreamEvent, error)
	Cancel(ownerID, turnID string) bool
	Session(ctx context.Context, ownerID, sessionID string) (*model.PracticeSession, []model.PracticeResponse, error)
}

type PracticeHandler struct {
	turns  ITurnService
	models func() []string
}

func NewPracticeHandler(turns ITurnService, models func() []string) *PracticeHandler {
	return &PracticeHandler{turns: turns, models: models}
}

type turnRequest struct {
	SessionID        string                  `json:"session_id"`
	ClassID          string                  `json:"class_id"`
	ProjectID        string                  `json:"project_id"`
	Question         string                  `json:"question"`
	Models           []string                `json:"models"`
	DocumentIDs      []string                `json:"document_ids"`
	FewShotIDs       []string                `json:"few_shot_ids"`
	Generation       *model.GenerationParams `json:"generation"`
	StylePreset      string                  `json:"style_preset"`
	PolicyRules      []string                `json:"policy_rules"`
	RetrievalEnabled *bool                   `json:"retrieval_enabled"`
	Search           *model.SearchSetting    `json:"search"`
}

func (r *turnRequest) toService(c *gin.Context) service.TurnRequest {
	return service.TurnRequest{
		OwnerID:          middleware.UserID(c),
		AllowedClasses:   middleware.ClassIDs(c),
		SessionID:        r.SessionID,
		ClassID:          r.ClassID,
		ProjectID:        r.ProjectID,
		Question:         r.Question,
		Models:           r.Models,
		DocumentIDs:      r.DocumentIDs,
		FewShotIDs:       r.FewShotIDs,
		Generation:       r.Generation,
		StylePreset:      r.StylePreset,
		PolicyRules:      r.PolicyRules,
		RetrievalEnabled: r.RetrievalEnabled,
		Search:           r.Search,
	}
}

func (h *PracticeHandler) Models(c *gin.Context) {
	response.Success(c, gin.H{"models": h.models()})
}

// Run answers with every requested model and replies once all finished.
func (h *PracticeHandler) Run(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	res, err := h.turns.Run(c.Request.Context(), req.toService(c))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

// Stream relays model output as server-sent events named token, done and
// error. Closing the connection cancels the models still running.
func (h *PracticeHandler) Stream(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	turn, events, err := h.turns.Stream(c.Request.Context(), req.toService(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Turn-Id", turn.TurnID)
	c.Header("X-Session-Id", turn.Session.ID)

	sent := 0
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(ev.Event, ev)
		sent++
		return true
	})
	logutil.GetLogger(c.Request.Context()).Debug("turn stream closed",
		zap.String("turn_id", turn.TurnID), zap.Int("events", sent))
}

func (h *PracticeHandler) Cancel(c *gin.Context) {
	response.Success(c, gin.H{"canceled": h.turns.Cancel(middleware.UserID(c), c.Param("id"))})
}

func (h *PracticeHandler) Session(c *gin.Context) {
	session, responses, err := h.turns.Session(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"session": session, "responses": responses})
}
