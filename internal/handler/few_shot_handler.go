package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mpractice/internal/middleware"
	"github.com/xxxsen/mpractice/internal/model"
	"github.com/xxxsen/mpractice/internal/pkg/response"
)

type IFewShotService interface {
	Create(ctx context.Context, ownerID, input, output string) (*model.FewShotExample, error)
}

type FewShotHandler struct {
	shots IFewShotService
}

func NewFewShotHandler(shots IFewShotService) *FewShotHandler {
	return &FewShotHandler{shots: shots}
}

type fewShotRequest struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

func (h *FewShotHandler) Create(c *gin.Context) {
	var req fewShotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	ex, err := h.shots.Create(c.Request.Context(), middleware.UserID(c), req.Input, req.Output)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, ex)
}
