package middleware

import (
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIdHeader carries the id assigned to each request.
	RequestIdHeader = "X-Request-Id"
	requestIdKey    = "requestId"
)

var quietExts = []string{".html", ".js", ".css", ".json"}

// RequestId assigns every request an id, reusing the one supplied by
// the client when present.
func RequestId() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIdHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIdKey, id)
		c.Header(RequestIdHeader, id)
	}
}

// RequestLog logs each completed request at a level derived from its
// status. Static assets are not logged.
func RequestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		p := c.Request.URL.Path
		if quiet(p) {
			return
		}

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		log.Structured().LogAttrs(c.Request.Context(), level, "request",
			slog.String("id", c.GetString(requestIdKey)),
			slog.String("method", c.Request.Method),
			slog.String("path", p),
			slog.Int("status", status),
			slog.Int("bytes", c.Writer.Size()),
			slog.Duration("duration", time.Since(start)))
	}
}

func quiet(p string) bool {
	if dec, err := url.PathUnescape(p); err == nil {
		p = dec
	}
	if strings.HasPrefix(p, "/public") {
		return true
	}
	ext := path.Ext(p)
	for _, e := range quietExts {
		if ext == e {
			return true
		}
	}
	return false
}
