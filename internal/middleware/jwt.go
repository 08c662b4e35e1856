package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mpractice/internal/pkg/errcode"
	"github.com/xxxsen/mpractice/internal/pkg/jwt"
	"github.com/xxxsen/mpractice/internal/pkg/response"
)

const (
	ContextUserIDKey   = "user_id"
	ContextClassIDsKey = "class_ids"
)

// JWTAuth accepts a bearer token, or a token query parameter for EventSource
// clients that cannot set headers.
func JWTAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Abort(c, errcode.ErrUnauthorized, "missing authorization")
			return
		}
		claims, err := jwt.ParseToken(token, secret)
		if err != nil {
			response.Abort(c, errcode.ErrUnauthorized, "invalid token")
			return
		}
		c.Set(ContextUserIDKey, claims.UserID)
		c.Set(ContextClassIDsKey, claims.ClassIDs)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		token := c.Query("token")
		return token, token != ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func UserID(c *gin.Context) string {
	v, _ := c.Get(ContextUserIDKey)
	id, _ := v.(string)
	return id
}

func ClassIDs(c *gin.Context) []string {
	v, _ := c.Get(ContextClassIDsKey)
	ids, _ := v.([]string)
	return ids
}
