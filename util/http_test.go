package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "/a%20b/%E7%94%B5%E5%BD%B1/c%3Fd.txt", EscapePath("/a b/电影/c?d.txt"))
	assert.Equal(t, "/", EscapePath("/"))
	assert.Equal(t, "rel/x", EscapePath("rel/x"))
}

func TestJoinURLPath(t *testing.T) {
	assert.Equal(t, "http://h/dav/x", JoinURLPath("http://h/dav/", "/x"))
	assert.Equal(t, "http://h/dav/x", JoinURLPath("http://h/dav", "x"))
	assert.Equal(t, "http://h/", JoinURLPath("http://h", ""))
}

func TestNewBackendTransportDefaults(t *testing.T) {
	tr := NewBackendTransport(TransportOptions{InsecureSkipVerify: true})
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
	assert.Equal(t, 100, tr.MaxIdleConns)
	assert.NotZero(t, tr.ResponseHeaderTimeout)
}
