package util

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"
)

// TransportOptions configures the connection pool used to reach the
// storage backend.
type TransportOptions struct {
	// InsecureSkipVerify disables certificate validation. Backends are
	// usually privately operated with self-signed certificates.
	InsecureSkipVerify bool
	// Timeout bounds dialing and waiting for response headers. Bodies
	// are streamed without a deadline.
	Timeout      time.Duration
	MaxIdleConns int
}

// NewBackendTransport returns a keep-alive transport shared by every
// request sent to the backend.
func NewBackendTransport(opts TransportOptions) *http.Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 100
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}, //nolint:gosec
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: time.Second,
	}
}

// JoinURLPath appends an already escaped path to base, avoiding a
// doubled slash.
func JoinURLPath(base, escaped string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if escaped == "" || escaped[0] != '/' {
		escaped = "/" + escaped
	}
	return base + escaped
}

// EscapePath percent-encodes each segment of a slash separated path.
func EscapePath(p string) string {
	b := make([]byte, 0, len(p))
	seg := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			b = append(b, url.PathEscape(p[seg:i])...)
			if i < len(p) {
				b = append(b, '/')
			}
			seg = i + 1
		}
	}
	return string(b)
}
