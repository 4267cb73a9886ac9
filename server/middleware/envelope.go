package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	structs "github.com/blackhillsinfosec/cryptproxy/api_structs"
	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/gin-gonic/gin"
)

// WebdavKey flags a request as belonging to the WebDAV mount.
const WebdavKey = "webdav"

// MarkWebdav sets WebdavKey on every request it handles.
func MarkWebdav() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(WebdavKey, true)
	}
}

// Envelope renders the last error attached to the context.
//
// WebDAV requests receive the bare status since WebDAV clients
// interpret bodies as resource content. All other requests receive a
// structs.BaseResponse with the status in Code and a transport status
// of 200. Error details are only included when dev is set, or for 403
// and 406 responses.
func Envelope(dev bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		if errors.Is(err, context.Canceled) {
			log.DEBUG.Printf("Request canceled: %s %s", c.Request.Method, c.Request.URL.Path)
			return
		}

		code := errs.StatusOf(err)
		if code >= http.StatusInternalServerError {
			log.ERR.Printf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		} else {
			log.WARN.Printf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		}

		if c.Writer.Written() {
			// Status line and possibly part of the body are gone.
			return
		}

		if c.GetBool(WebdavKey) {
			c.Status(code)
			return
		}

		msg := http.StatusText(code)
		if dev || code == http.StatusForbidden || code == http.StatusNotAcceptable {
			msg = err.Error()
		}
		c.JSON(http.StatusOK, structs.ErrorResponse(code, msg))
	}
}

// Recovery converts panics into errors rendered by Envelope.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(log.ERR.Writer(), func(c *gin.Context, rec any) {
		_ = c.Error(fmt.Errorf("panic: %v", rec))
		c.Abort()
	})
}
