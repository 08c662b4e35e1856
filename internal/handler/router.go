package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mpractice/internal/middleware"
)

type RouterDeps struct {
	Documents     *DocumentHandler
	Practice      *PracticeHandler
	FewShots      *FewShotHandler
	Metrics       http.Handler
	MetricsPath   string
	JWTSecret     []byte
	TurnRateLimit time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	if deps.Metrics != nil {
		api.GET(deps.MetricsPath, gin.WrapH(deps.Metrics))
	}

	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.JWTSecret))
	authGroup.POST("/documents", deps.Documents.Upload)
	authGroup.GET("/documents/:id", deps.Documents.Get)
	authGroup.GET("/documents/:id/chunks", deps.Documents.Chunks)
	authGroup.POST("/documents/:id/reingest", deps.Documents.Reingest)
	authGroup.PUT("/documents/:id/search-setting", deps.Documents.SaveSearchSetting)

	authGroup.POST("/few-shots", deps.FewShots.Create)

	authGroup.GET("/models", deps.Practice.Models)
	authGroup.GET("/sessions/:id", deps.Practice.Session)
	authGroup.POST("/turns/:id/cancel", deps.Practice.Cancel)

	limited := authGroup.Group("")
	limited.Use(middleware.RateLimit(deps.TurnRateLimit))
	limited.POST("/turns", deps.Practice.Run)
	limited.POST("/turns/stream", deps.Practice.Stream)
}
