package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStatus(t *testing.T) {
	cases := map[Kind]int{
		NotFound:      http.StatusNotFound,
		Codec:         http.StatusNotFound,
		Upstream:      http.StatusBadGateway,
		ProtocolParse: http.StatusBadGateway,
		Cipher:        http.StatusInternalServerError,
		Unknown:       http.StatusInternalServerError,
	}
	for k, want := range cases {
		assert.Equal(t, want, k.Status(), k.String())
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := NewCodec("decode", "x.txt", "bad mac")
	wrapped := fmt.Errorf("listing: %w", base)

	assert.True(t, Is(wrapped, Codec))
	assert.False(t, Is(wrapped, NotFound))
	assert.Equal(t, http.StatusNotFound, StatusOf(wrapped))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, Unknown))
}

func TestUpstreamUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewUpstream("get", "/a", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/a")
}

func TestProtocolParseKeepsBody(t *testing.T) {
	err := NewProtocolParse("propfind", "/dav/a", errors.New("eof"), []byte("<broken"))
	assert.Contains(t, err.Error(), "<broken")
}

func TestWithStatus(t *testing.T) {
	err := WithStatus(http.StatusBadRequest, errors.New("bad payload"))
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
	assert.Equal(t, "bad payload", err.Error())
	assert.Equal(t, "Forbidden", WithStatus(http.StatusForbidden, nil).Error())
}
