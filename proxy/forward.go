package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/util"
)

var (
	// hopHeaders are connection specific and never forwarded.
	hopHeaders = []string{
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade",
	}

	copyBuffers = sync.Pool{New: func() any {
		b := make([]byte, 32*1024)
		return &b
	}}
)

// backendURL builds the absolute backend URL for the state's backend
// path, keeping the query string (e.g. an Alist sign).
func (s *Service) backendURL(st *RequestState) string {
	mount := st.Access
	if st.WebDAV {
		mount = s.DavPrefix
	}
	u := util.JoinURLPath(s.BackendURL, util.EscapePath(mount+st.BackendPath))
	if q := st.Request.URL.RawQuery; q != "" {
		u += "?" + q
	}
	return u
}

// forward issues the backend request and streams the reply. The Range
// header is forwarded verbatim; the cipher is positioned at whatever
// offset the backend answers with.
func (s *Service) forward(ctx context.Context, st *RequestState) (bool, error) {
	resp, err := s.send(ctx, st, st.Request.Body)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return true, errs.NewNotFound("forward", st.BackendPath)
	}
	if st.Session == nil || resp.StatusCode/100 != 2 {
		return true, s.relay(st, resp, resp.Body)
	}

	offset, err := s.position(st, resp)
	if err != nil {
		return true, err
	}
	if err = st.Session.Seek(offset); err != nil {
		s.Cache.Invalidate(st.BackendPath)
		return true, err
	}
	// Lengths of transformed bodies are not relayed.
	resp.Header.Del("Content-Length")
	return true, s.relay(st, resp, st.Session.DecryptReader(resp.Body))
}

// send forwards the inbound request to st.BackendURL with the inbound
// headers, body and method.
func (s *Service) send(ctx context.Context, st *RequestState, body io.Reader) (*http.Response, error) {
	if st.BackendURL == "" {
		st.BackendURL = s.backendURL(st)
	}
	if body == http.NoBody {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, st.Request.Method, st.BackendURL, body)
	if err != nil {
		return nil, errs.NewUpstream("forward", st.BackendPath, err)
	}
	copyHeader(req.Header, st.Request.Header)
	req.ContentLength = st.Request.ContentLength
	if st.Session != nil {
		// The cipher needs the stored bytes, not a re-encoding of them.
		req.Header.Del("Accept-Encoding")
	}

	log.DEBUG.Printf("Forwarding %s %s", req.Method, st.BackendURL)
	resp, err := s.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errs.NewUpstream("forward", st.BackendPath, err)
	}
	return resp, nil
}

// position returns the plaintext offset of the first body byte and
// checks the size reported by the backend against the session.
func (s *Service) position(st *RequestState, resp *http.Response) (int64, error) {
	var offset, total int64 = 0, -1
	if resp.StatusCode == http.StatusPartialContent {
		var ok bool
		if offset, total, ok = ParseContentRange(resp.Header.Get("Content-Range")); !ok {
			return 0, errs.NewCipher("forward", "unparseable Content-Range "+resp.Header.Get("Content-Range"))
		}
	} else if resp.ContentLength >= 0 {
		total = resp.ContentLength
	}

	if total >= 0 && total != st.Session.Size() {
		s.Cache.Invalidate(st.BackendPath)
		return 0, errs.NewCipher("forward",
			fmt.Sprintf("%s: backend reports %d bytes, expected %d", st.BackendPath, total, st.Session.Size()))
	}
	return offset, nil
}

// relay writes status, headers and body to the client. Failures after
// the status line is written are logged, not returned.
func (s *Service) relay(st *RequestState, resp *http.Response, body io.Reader) error {
	w := st.Writer
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if st.Request.Method == http.MethodHead {
		return nil
	}

	buf := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(buf)
	if n, err := io.CopyBuffer(w, body, *buf); err != nil {
		if st.Request.Context().Err() != nil {
			log.DEBUG.Printf("Client went away from %s after %d bytes", st.VirtualPath, n)
		} else {
			log.WARN.Printf("Stream of %s aborted after %d bytes: %v", st.VirtualPath, n, err)
		}
	}
	return nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
