package proxy

import (
	"context"
	"net/http"
	"strings"

	"github.com/blackhillsinfosec/cryptproxy/crypt"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/passwd"
)

// accessPrefixes are the Alist presentation prefixes of a file.
var accessPrefixes = []string{"/d", "/p"}

// Download serves GET and HEAD for a file requested through /d, /p or
// the WebDAV mount, decrypting it when it lies in a protected subtree.
func (s *Service) Download(w http.ResponseWriter, r *http.Request, webdav bool) error {
	st := &RequestState{Request: r, Writer: w, WebDAV: webdav}
	return Pipeline{
		s.resolve,
		s.locate,
		s.openSession,
		s.forward,
	}.Run(r.Context(), st)
}

// resolve fills the virtual path and the matching rule.
func (s *Service) resolve(_ context.Context, st *RequestState) (bool, error) {
	raw := st.Request.URL.EscapedPath()
	if st.WebDAV {
		// Below the mount /d and /p are ordinary directories.
		st.VirtualPath = passwd.CleanPath(s.davPath(raw))
	} else {
		for _, a := range accessPrefixes {
			if strings.HasPrefix(raw, a+"/") {
				st.Access = a
				break
			}
		}
		st.VirtualPath = passwd.NormalizePath(raw)
	}
	st.BackendPath = st.VirtualPath
	st.Auth = s.Rules().Match(st.VirtualPath)
	if st.Auth.Matched() {
		log.DEBUG.Printf("%s matched protected path %s", st.VirtualPath, st.Auth.Prefix)
	}
	return false, nil
}

// locate finds the backend record of a protected file.
func (s *Service) locate(ctx context.Context, st *RequestState) (bool, error) {
	if !st.Auth.Matched() {
		return false, nil
	}
	lookup := s.Alist
	if st.WebDAV {
		lookup = s.Dav
	}
	rec, err := s.Locate(ctx, lookup, st.VirtualPath, st.Auth, st.Authorization())
	if err != nil {
		return false, err
	}
	st.Record = &rec
	st.BackendPath = rec.BackendPath
	return false, nil
}

// openSession prepares the content cipher for a protected file.
func (s *Service) openSession(_ context.Context, st *RequestState) (bool, error) {
	if st.Record == nil || st.Record.IsDirectory {
		return false, nil
	}
	sess, err := crypt.NewSession(st.Auth.Rule.Password, st.Auth.Rule.Tag, st.Record.Size)
	if err != nil {
		return false, err
	}
	st.Session = sess
	return false, nil
}
