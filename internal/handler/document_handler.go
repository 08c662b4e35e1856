package handler

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mpractice/internal/middleware"
	"github.com/xxxsen/mpractice/internal/model"
	"github.com/xxxsen/mpractice/internal/pkg/response"
	"github.com/xxxsen/mpractice/internal/service"
)

type IDocumentService interface {
	Submit(ctx context.Context, req service.UploadRequest) (*model.Document, error)
	Get(ctx context.Context, ownerID, docID string) (*model.Document, error)
	Reingest(ctx context.Context, ownerID, docID string) (*model.Document, error)
	ListChunks(ctx context.Context, ownerID, docID string) ([]model.Chunk, error)
	SaveSearchSetting(ctx context.Context, ownerID string, setting model.SearchSetting) (*model.SearchSetting, error)
}

type DocumentHandler struct {
	docs        IDocumentService
	uploadLimit int64
}

func NewDocumentHandler(docs IDocumentService, uploadLimit int64) *DocumentHandler {
	return &DocumentHandler{docs: docs, uploadLimit: uploadLimit}
}

// Upload takes a multipart file plus optional JSON fields "setting" and
// "search". Ingestion continues after the response; poll Get for progress.
func (h *DocumentHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	data, err := readUpload(file, h.uploadLimit)
	if err != nil {
		handleError(c, err)
		return
	}
	req := service.UploadRequest{
		OwnerID: middleware.UserID(c),
		Name:    file.Filename,
		Format:  c.PostForm("format"),
		Data:    data,
	}
	if raw := c.PostForm("setting"); raw != "" {
		req.Setting = &model.IngestionOverride{}
		if err := json.Unmarshal([]byte(raw), req.Setting); err != nil {
			badRequest(c, "invalid setting")
			return
		}
	}
	if raw := c.PostForm("search"); raw != "" {
		req.Search = &model.SearchSetting{}
		if err := json.Unmarshal([]byte(raw), req.Search); err != nil {
			badRequest(c, "invalid search setting")
			return
		}
	}
	doc, err := h.docs.Submit(c.Request.Context(), req)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.docs.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) Reingest(c *gin.Context) {
	doc, err := h.docs.Reingest(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) Chunks(c *gin.Context) {
	chunks, err := h.docs.ListChunks(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"chunks": chunks})
}

func (h *DocumentHandler) SaveSearchSetting(c *gin.Context) {
	var setting model.SearchSetting
	if err := c.ShouldBindJSON(&setting); err != nil {
		badRequest(c, "invalid request")
		return
	}
	setting.DocumentID = c.Param("id")
	saved, err := h.docs.SaveSearchSetting(c.Request.Context(), middleware.UserID(c), setting)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, saved)
}
