package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/blackhillsinfosec/cryptproxy/davclient"
	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/meta"
)

const maxPropfindBody = 32 << 20

// Propfind forwards a PROPFIND and rewrites the backend names in the
// multistatus reply to display names.
func (s *Service) Propfind(w http.ResponseWriter, r *http.Request) error {
	st := &RequestState{Request: r, Writer: w, WebDAV: true}
	return Pipeline{
		s.resolve,
		s.locateEntry,
		s.forwardPropfind,
	}.Run(r.Context(), st)
}

// Passthrough forwards any other WebDAV method. Paths under a name
// obfuscating rule are translated when the entry already exists, and
// the cached record of the target is dropped.
func (s *Service) Passthrough(w http.ResponseWriter, r *http.Request) error {
	st := &RequestState{Request: r, Writer: w, WebDAV: true}
	return Pipeline{
		s.resolve,
		s.refusePlainUpload,
		func(ctx context.Context, st *RequestState) (bool, error) {
			_, err := s.locateEntry(ctx, st)
			if errs.Is(err, errs.NotFound) {
				return false, nil
			}
			return false, err
		},
		func(ctx context.Context, st *RequestState) (bool, error) {
			if r.Method != http.MethodOptions && r.Method != http.MethodGet && r.Method != http.MethodHead {
				s.Cache.Invalidate(st.BackendPath)
			}
			return s.forward(ctx, st)
		},
	}.Run(r.Context(), st)
}

// refusePlainUpload rejects PUT below a protected subtree. The proxy
// does not encrypt uploads; ciphertext made with "file encrypt" goes to
// the backend directly.
func (s *Service) refusePlainUpload(_ context.Context, st *RequestState) (bool, error) {
	if st.Request.Method != http.MethodPut || !st.Auth.Matched() {
		return false, nil
	}
	log.WARN.Printf("Refusing plaintext upload to protected path %s", st.VirtualPath)
	return true, errs.WithStatus(http.StatusForbidden,
		fmt.Errorf("uploads below %s are not encrypted by the proxy", st.Auth.Prefix))
}

// locateEntry translates the path of an entry below a name obfuscating
// rule. The protected directory itself needs no lookup.
func (s *Service) locateEntry(ctx context.Context, st *RequestState) (bool, error) {
	if !st.Auth.Matched() || !st.Auth.Rule.EncName || st.VirtualPath == st.Auth.Prefix {
		return false, nil
	}
	rec, err := s.Locate(ctx, s.Dav, st.VirtualPath, st.Auth, st.Authorization())
	if err != nil {
		return false, err
	}
	st.BackendPath = rec.BackendPath
	return false, nil
}

func (s *Service) forwardPropfind(ctx context.Context, st *RequestState) (bool, error) {
	resp, err := s.send(ctx, st, st.Request.Body)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return true, errs.NewNotFound("propfind", st.BackendPath)
	case resp.StatusCode != http.StatusMultiStatus:
		return true, s.relay(st, resp, resp.Body)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPropfindBody))
	if err != nil {
		return true, errs.NewUpstream("propfind", st.BackendPath, err)
	}
	ms, err := davclient.ParseMultistatus(raw)
	if err != nil {
		log.ERR.Printf("Unparseable multistatus for %s: %v", st.BackendPath, err)
		return true, err
	}

	raw = davclient.RewriteNames(raw, ms, s.DavPrefix, func(rec meta.FileRecord) (string, bool) {
		shown := s.observe(rec)
		return shown.DisplayName, shown.DisplayName != rec.DisplayName
	})
	if s.CompactPropfind {
		raw = davclient.Compact(raw)
	}

	resp.Header.Set("Content-Length", strconv.Itoa(len(raw)))
	resp.Header.Del("Content-Encoding")
	copyHeader(st.Writer.Header(), resp.Header)
	st.Writer.WriteHeader(resp.StatusCode)
	if _, err = st.Writer.Write(raw); err != nil {
		log.DEBUG.Printf("Failed to write multistatus for %s: %v", st.VirtualPath, err)
	}
	return true, nil
}
