package response

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/webapi/proxyutil"
)

// codedError carries an errcode value through proxyutil's envelope.
type codedError struct {
	code uint32
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() uint32  { return e.code }

func Success(c *gin.Context, data interface{}) {
	proxyutil.SuccessJson(c, data)
}

// Error always answers with HTTP 200; the failure travels in the envelope code.
func Error(c *gin.Context, code int, message string) {
	proxyutil.FailJson(c, 200, &codedError{code: uint32(code), msg: message})
}

// Abort writes the error envelope and stops the middleware chain.
func Abort(c *gin.Context, code int, message string) {
	Error(c, code, message)
	c.Abort()
}
