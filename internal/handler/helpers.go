package handler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/middleware"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
	"github.com/xxxsen/mpractice/internal/pkg/errcode"
	"github.com/xxxsen/mpractice/internal/pkg/response"
)

type errMapping struct {
	target error
	code   int
	// expose returns err's own text instead of the generic message.
	expose bool
	msg    string
}

var errMappings = []errMapping{
	{target: appErr.ErrInvalid, code: errcode.ErrInvalid, expose: true},
	{target: appErr.ErrConfiguration, code: errcode.ErrConfiguration, expose: true},
	{target: appErr.ErrNotFound, code: errcode.ErrNotFound, expose: true},
	{target: appErr.ErrUnauthorized, code: errcode.ErrUnauthorized, msg: "unauthorized"},
	{target: appErr.ErrForbidden, code: errcode.ErrForbidden, msg: "forbidden"},
	{target: appErr.ErrConflict, code: errcode.ErrConflict, msg: "conflict"},
	{target: appErr.ErrTooMany, code: errcode.ErrTooMany, msg: "too many requests"},
	{target: appErr.ErrProvider, code: errcode.ErrProvider, expose: true},
	{target: appErr.ErrCanceled, code: errcode.ErrCanceled, msg: "canceled"},
	{target: context.Canceled, code: errcode.ErrCanceled, msg: "canceled"},
	{target: context.DeadlineExceeded, code: errcode.ErrCanceled, msg: "timed out"},
}

// classify maps err to an envelope code and the message shown to the client.
func classify(err error) (code int, msg string, known bool) {
	for _, m := range errMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		if m.expose {
			return m.code, err.Error(), true
		}
		return m.code, m.msg, true
	}
	return errcode.ErrInternal, "internal error", false
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.String("user_id", middleware.UserID(c)),
		zap.String("request_id", middleware.RequestIDOf(c)),
	)
	code, msg, known := classify(err)
	if known {
		logger.Warn("request failed", zap.Error(err))
	} else {
		logger.Error("request failed", zap.Error(err))
	}
	response.Error(c, code, msg)
}

func badRequest(c *gin.Context, msg string) {
	response.Error(c, errcode.ErrInvalid, msg)
}
