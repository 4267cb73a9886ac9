package middleware

import (
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/proxy"
	"github.com/gin-gonic/gin"
)

// RangeHeader rejects Range headers that decrypted downloads cannot
// honor with a 416 error, rendered by Envelope. Only requests for which protected returns true are
// checked; everything else reaches the backend untouched.
//
// Supported forms are "bytes=start-", "bytes=start-end" and the suffix
// form "bytes=-length". Multiple ranges are not supported since the
// backend would answer with a multipart body.
func RangeHeader(protected func(r *http.Request) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Request.Header.Get("Range")
		if h == "" || !protected(c.Request) {
			return
		}
		if _, _, ok := proxy.ParseRange(h); ok || suffixRange(h) {
			return
		}
		log.DEBUG.Printf("Rejecting Range %q for %s", h, c.Request.URL.Path)
		_ = c.Error(errs.WithStatus(http.StatusRequestedRangeNotSatisfiable,
			fmt.Errorf("unsupported range %q", h)))
		c.Abort()
	}
}

func suffixRange(h string) bool {
	n, ok := strings.CutPrefix(textproto.TrimString(h), "bytes=-")
	if !ok {
		return false
	}
	l, err := strconv.ParseUint(textproto.TrimString(n), 10, 64)
	return err == nil && l > 0
}
