// Package proxy stitches backend responses through the name codec and
// the content cipher on their way to the client.
//
// Every request runs an explicit Pipeline over a typed RequestState.
// Failures are returned as errs.Error values and never written to the
// client here; the router's error middleware renders them.
package proxy

import (
	"context"
	"net/http"
	"path"
	"strings"
	"sync/atomic"

	"github.com/blackhillsinfosec/cryptproxy/alist"
	"github.com/blackhillsinfosec/cryptproxy/crypt"
	"github.com/blackhillsinfosec/cryptproxy/davclient"
	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/blackhillsinfosec/cryptproxy/passwd"
)

// Options configures a Service.
type Options struct {
	// BackendURL is the origin of the Alist/WebDAV backend.
	BackendURL string
	// DavPrefix is the WebDAV mount path, shared by proxy and backend.
	DavPrefix string
	// CompactPropfind minifies rewritten multistatus bodies.
	CompactPropfind bool
	// Token is sent to the Alist API when a request carries no
	// Authorization header of its own, e.g. signed /d links.
	Token string
}

// Service holds the state shared by all request pipelines.
type Service struct {
	Options
	Cache *meta.Cache
	// Dav and Alist resolve metadata for WebDAV and Alist requests.
	// Both fill the same Cache.
	Dav   *meta.Lookup
	Alist *meta.Lookup
	// DavClient lists directories when the cache is warmed.
	DavClient *davclient.Client
	API       *alist.Client
	// HTTP sends forwarded requests. Redirects are followed.
	HTTP *http.Client

	rules atomic.Pointer[passwd.RuleSet]
}

// New returns a Service with an initial rule set.
func New(opts Options, rules *passwd.RuleSet, cache *meta.Cache, dav *davclient.Client, api *alist.Client, client *http.Client) *Service {
	opts.DavPrefix = cleanMount(opts.DavPrefix)
	s := &Service{
		Options:   opts,
		Cache:     cache,
		Dav:       meta.NewLookup(cache, dav),
		Alist:     meta.NewLookup(cache, tokenFetcher{api, opts.Token}),
		DavClient: dav,
		API:       api,
		HTTP:      client,
	}
	s.SetRules(rules)
	return s
}

// Rules returns the published rule set.
func (s *Service) Rules() *passwd.RuleSet {
	return s.rules.Load()
}

// SetRules publishes a new rule set. In-flight requests keep the set
// they resolved against.
func (s *Service) SetRules(rs *passwd.RuleSet) {
	s.rules.Store(rs)
}

// Protected reports whether an escaped request path lies in a
// protected subtree. webdav marks paths below the WebDAV mount.
func (s *Service) Protected(escapedPath string, webdav bool) bool {
	if webdav {
		return s.Rules().Match(passwd.CleanPath(s.davPath(escapedPath))).Matched()
	}
	return s.Rules().Resolve(escapedPath).Matched()
}

// Locate returns the backend record for a clear path.
//
// The clear path is always tried first since directories and files
// stored before obfuscation was enabled keep their names. Only when that
// misses under a name obfuscating rule is the encoded name tried, once.
// Cached records for either candidate are used without a fetch.
func (s *Service) Locate(ctx context.Context, lookup *meta.Lookup, clearPath string, auth passwd.Authorization, authorization string) (meta.FileRecord, error) {
	clearPath = meta.Key(clearPath)
	candidates, err := s.candidates(clearPath, auth)
	if err != nil {
		return meta.FileRecord{}, err
	}
	for _, c := range candidates {
		if rec, ok := s.Cache.Get(c); ok {
			return s.shown(rec, clearPath), nil
		}
	}

	var rec meta.FileRecord
	for i, c := range candidates {
		if i > 0 {
			log.DEBUG.Printf("%s not found at backend, retrying as %s", clearPath, c)
		}
		if rec, err = lookup.Stat(ctx, c, authorization); err == nil {
			return s.shown(rec, clearPath), nil
		} else if !errs.Is(err, errs.NotFound) {
			return rec, err
		}
	}
	return rec, err
}

// candidates lists the backend paths a clear path may be stored at, in
// probing order.
func (s *Service) candidates(clearPath string, auth passwd.Authorization) ([]string, error) {
	out := []string{clearPath}
	if !auth.Matched() || !auth.Rule.EncName || clearPath == auth.Prefix {
		return out, nil
	}
	dir, name := path.Split(clearPath)
	if name == "" {
		return out, nil
	}
	enc, err := crypt.EncodeName(auth.Rule.Password, auth.Rule.Tag, name)
	if err != nil {
		return nil, err
	}
	if enc != name {
		out = append(out, path.Join(dir, enc))
	}
	return out, nil
}

// shown records the clear name of a located record.
func (s *Service) shown(rec meta.FileRecord, clearPath string) meta.FileRecord {
	if name := path.Base(clearPath); rec.DisplayName != name {
		rec.DisplayName = name
		s.Cache.Put(rec)
	}
	return rec
}

// displayName returns the client facing name of a backend record, or
// false when the record is not under a name obfuscating rule or its
// name does not decode.
func (s *Service) displayName(rec meta.FileRecord) (string, bool) {
	if rec.IsDirectory {
		return "", false
	}
	auth := s.Rules().Match(rec.BackendPath)
	if !auth.Matched() || !auth.Rule.EncName {
		return "", false
	}
	name, err := crypt.DeriveDisplayName(auth.Rule.Password, auth.Rule.Tag, rec.DisplayName)
	if err != nil {
		return "", false
	}
	return name, true
}

// observe caches a record listed by the backend under its display name.
func (s *Service) observe(rec meta.FileRecord) meta.FileRecord {
	if name, ok := s.displayName(rec); ok {
		rec.DisplayName = name
	}
	s.Cache.Put(rec)
	return rec
}

// Warm lists a backend directory and caches its children under their
// display names.
func (s *Service) Warm(ctx context.Context, dir, authorization string) ([]meta.FileRecord, error) {
	recs, err := s.DavClient.List(ctx, meta.Key(dir), authorization)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i] = s.observe(recs[i])
	}
	log.DEBUG.Printf("Cached %d records below %s", len(recs), meta.Key(dir))
	return recs, nil
}

// tokenFetcher substitutes a configured token for a missing
// Authorization header.
type tokenFetcher struct {
	*alist.Client
	token string
}

func (f tokenFetcher) Stat(ctx context.Context, backendPath, authorization string) (meta.FileRecord, error) {
	if authorization == "" {
		authorization = f.token
	}
	return f.Client.Stat(ctx, backendPath, authorization)
}

// davPath removes the WebDAV mount from a request path.
func (s *Service) davPath(p string) string {
	if s.DavPrefix != "" && (p == s.DavPrefix || strings.HasPrefix(p, s.DavPrefix+"/")) {
		p = p[len(s.DavPrefix):]
	}
	return p
}

func cleanMount(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), "/")
	if p != "" && p[0] != '/' {
		p = "/" + p
	}
	return p
}
