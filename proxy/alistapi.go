package proxy

import (
	"context"
	"net/url"
	"path"

	"github.com/blackhillsinfosec/cryptproxy/alist"
	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/blackhillsinfosec/cryptproxy/util"
)

// FsList forwards an /api/fs/list call, caching every listed object and
// replacing obfuscated names with display names.
func (s *Service) FsList(ctx context.Context, req alist.PathRequest, authorization string) (*alist.Response, error) {
	dir := meta.Key(req.Path())
	resp, err := s.API.Call(ctx, alist.PathFsList, authorization, req)
	if err != nil {
		return nil, err
	}
	err = alist.RewriteList(resp, dir, func(o alist.Object, rec meta.FileRecord) {
		if shown := s.observe(rec); shown.DisplayName != rec.DisplayName {
			o.SetName(shown.DisplayName)
		}
	})
	return resp, err
}

// FsGet forwards an /api/fs/get call for a clear path. Protected files
// get their clear name back and a raw_url pointing at this proxy's /d
// route so the download is decrypted. origin is the scheme and host the
// client used to reach the proxy.
func (s *Service) FsGet(ctx context.Context, req alist.PathRequest, authorization, origin string) (*alist.Response, error) {
	clear := meta.Key(req.Path())
	auth := s.Rules().Match(clear)

	backendPath := clear
	if auth.Matched() {
		rec, err := s.Locate(ctx, s.Alist, clear, auth, authorization)
		switch {
		case err == nil:
			backendPath = rec.BackendPath
		case !errs.Is(err, errs.NotFound):
			return nil, err
		}
	}
	req.SetPath(backendPath)

	resp, err := s.API.Call(ctx, alist.PathFsGet, authorization, req)
	if err != nil {
		return nil, err
	}
	err = alist.RewriteObject(resp, backendPath, func(o alist.Object, rec meta.FileRecord) {
		s.observe(rec)
		if !auth.Matched() || rec.IsDirectory {
			return
		}
		if auth.Rule.EncName {
			o.SetName(path.Base(clear))
		}
		raw := origin + "/d" + util.EscapePath(clear)
		if sign := o.Sign(); sign != "" {
			raw += "?sign=" + url.QueryEscape(sign)
		}
		log.DEBUG.Printf("raw_url of %s now points at %s", clear, raw)
		o.SetRawURL(raw)
	})
	return resp, err
}
