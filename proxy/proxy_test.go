package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blackhillsinfosec/cryptproxy/alist"
	"github.com/blackhillsinfosec/cryptproxy/crypt"
	"github.com/blackhillsinfosec/cryptproxy/davclient"
	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/blackhillsinfosec/cryptproxy/passwd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"
)

const (
	testPassword = "abc"
	testTag      = crypt.AesCtr
	fileSize     = 1000
)

func plaintext() []byte {
	b := make([]byte, fileSize)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func encrypt(t *testing.T, pt []byte) []byte {
	t.Helper()
	s, err := crypt.NewSession(testPassword, testTag, int64(len(pt)))
	require.NoError(t, err)
	ct := make([]byte, len(pt))
	require.NoError(t, s.XORKeyStream(ct, pt))
	return ct
}

func encodedName(t *testing.T, name string) string {
	t.Helper()
	enc, err := crypt.EncodeName(testPassword, testTag, name)
	require.NoError(t, err)
	return enc
}

func testRules(t *testing.T) *passwd.RuleSet {
	t.Helper()
	rs, err := passwd.NewRuleSet([]passwd.Rule{
		{Paths: []string{"/secret"}, Password: testPassword, Tag: testTag, EncName: true},
		{Paths: []string{"/plain-names"}, Password: testPassword, Tag: testTag},
	})
	require.NoError(t, err)
	return rs
}

// alistBackend mimics the Alist API and /d downloads over a map of
// stored files.
type alistBackend struct {
	mu    sync.Mutex
	files map[string][]byte
	seen  []string
}

func (b *alistBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.URL.Path {
	case alist.PathFsGet:
		var req alist.PathRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.seen = append(b.seen, "get "+req.Path())
		data, ok := b.files[req.Path()]
		if !ok {
			io.WriteString(w, `{"code":500,"message":"object not found","data":null}`)
			return
		}
		name := req.Path()[strings.LastIndex(req.Path(), "/")+1:]
		fmt.Fprintf(w, `{"code":200,"message":"success","data":{"name":%q,"size":%d,"is_dir":false,"sign":"s1","raw_url":"http://backend/x"}}`,
			name, len(data))
	case alist.PathFsList:
		var req alist.PathRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		var objs []string
		for p, data := range b.files {
			if strings.HasPrefix(p, req.Path()+"/") {
				objs = append(objs, fmt.Sprintf(`{"name":%q,"size":%d,"is_dir":false}`, p[len(req.Path())+1:], len(data)))
			}
		}
		fmt.Fprintf(w, `{"code":200,"message":"success","data":{"content":[%s],"total":%d}}`, strings.Join(objs, ","), len(objs))
	default:
		p := r.URL.Path
		for _, a := range []string{"/d/", "/p/"} {
			if strings.HasPrefix(p, a) {
				p = p[len(a)-1:]
				break
			}
		}
		b.seen = append(b.seen, "download "+p+"?"+r.URL.RawQuery)
		data, ok := b.files[p]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, p, time.Time{}, bytes.NewReader(data))
	}
}

func newAlistService(t *testing.T, files map[string][]byte) (*Service, *alistBackend) {
	t.Helper()
	backend := &alistBackend{files: files}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	svc := New(Options{BackendURL: srv.URL, DavPrefix: "/dav"}, testRules(t), meta.NewCache(time.Minute),
		davclient.New(srv.URL, "/dav", nil), alist.New(srv.URL, nil), srv.Client())
	return svc, backend
}

func TestDownloadRetriesObfuscatedNameAndSeeks(t *testing.T) {
	pt := plaintext()
	enc := encodedName(t, "report.pdf")
	svc, backend := newAlistService(t, map[string][]byte{"/secret/" + enc: encrypt(t, pt)})

	req := httptest.NewRequest(http.MethodGet, "/d/secret/report.pdf?sign=s1", nil)
	req.Header.Set("Range", "bytes=100-")
	rec := httptest.NewRecorder()
	require.NoError(t, svc.Download(rec, req, false))

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.Equal(t, pt[100:], rec.Body.Bytes())
	assert.Equal(t, []string{
		"get /secret/report.pdf",
		"get /secret/" + enc,
		"download /secret/" + enc + "?sign=s1",
	}, backend.seen)

	// The record is cached now; only the download reaches the backend.
	backend.seen = nil
	rec = httptest.NewRecorder()
	require.NoError(t, svc.Download(rec, httptest.NewRequest(http.MethodGet, "/p/secret/report.pdf", nil), false))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pt, rec.Body.Bytes())
	assert.Equal(t, []string{"download /secret/" + enc + "?"}, backend.seen)
}

func TestDownloadClearNameWins(t *testing.T) {
	pt := plaintext()
	svc, backend := newAlistService(t, map[string][]byte{"/secret/old.bin": encrypt(t, pt)})

	rec := httptest.NewRecorder()
	require.NoError(t, svc.Download(rec, httptest.NewRequest(http.MethodGet, "/d/secret/old.bin", nil), false))
	assert.Equal(t, pt, rec.Body.Bytes())
	assert.Equal(t, "get /secret/old.bin", backend.seen[0])
	assert.Len(t, backend.seen, 2)
}

func TestDownloadUnprotectedPassesThrough(t *testing.T) {
	svc, backend := newAlistService(t, map[string][]byte{"/public/a.txt": []byte("hello")})

	req := httptest.NewRequest(http.MethodGet, "/d/public/a.txt", nil)
	req.Header.Set("Range", "bytes=1-")
	rec := httptest.NewRecorder()
	require.NoError(t, svc.Download(rec, req, false))
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "ello", rec.Body.String())
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Equal(t, []string{"download /public/a.txt?"}, backend.seen)
}

func TestDownloadMissingIsNotFound(t *testing.T) {
	svc, _ := newAlistService(t, map[string][]byte{})

	err := svc.Download(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/d/secret/none.pdf", nil), false)
	assert.True(t, errs.Is(err, errs.NotFound))

	err = svc.Download(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/d/public/none.pdf", nil), false)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDownloadSizeMismatchInvalidatesCache(t *testing.T) {
	pt := plaintext()
	svc, _ := newAlistService(t, map[string][]byte{"/plain-names/a.bin": encrypt(t, pt)})
	svc.Cache.Put(meta.FileRecord{BackendPath: "/plain-names/a.bin", DisplayName: "a.bin", Size: 999})

	err := svc.Download(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/d/plain-names/a.bin", nil), false)
	assert.True(t, errs.Is(err, errs.Cipher))
	_, ok := svc.Cache.Get("/plain-names/a.bin")
	assert.False(t, ok)

	// The next request refetches the size and succeeds.
	rec := httptest.NewRecorder()
	require.NoError(t, svc.Download(rec, httptest.NewRequest(http.MethodGet, "/d/plain-names/a.bin", nil), false))
	assert.Equal(t, pt, rec.Body.Bytes())
}

func TestConcurrentRangesOfOneFile(t *testing.T) {
	pt := plaintext()
	svc, _ := newAlistService(t, map[string][]byte{"/plain-names/a.bin": encrypt(t, pt)})

	var wg sync.WaitGroup
	for _, off := range []int{0, 1, 15, 16, 17, 333, 999} {
		wg.Add(1)
		go func(off int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/d/plain-names/a.bin", nil)
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", off))
			rec := httptest.NewRecorder()
			assert.NoError(t, svc.Download(rec, req, false))
			assert.Equal(t, pt[off:], rec.Body.Bytes(), "offset %d", off)
		}(off)
	}
	wg.Wait()
}

func TestFsListAndGetShowClearNames(t *testing.T) {
	enc := encodedName(t, "report.pdf")
	svc, _ := newAlistService(t, map[string][]byte{"/secret/" + enc: encrypt(t, plaintext())})
	ctx := context.Background()

	req := alist.PathRequest{}
	req.SetPath("/secret")
	resp, err := svc.FsList(ctx, req, "tok")
	require.NoError(t, err)
	assert.Contains(t, string(resp.Data), `"name":"report.pdf"`)
	cached, ok := svc.Cache.Get("/secret/" + enc)
	require.True(t, ok)
	assert.Equal(t, "report.pdf", cached.DisplayName)
	assert.Equal(t, int64(fileSize), cached.Size)

	req = alist.PathRequest{}
	req.SetPath("/secret/report.pdf")
	resp, err = svc.FsGet(ctx, req, "tok", "http://proxy:5344")
	require.NoError(t, err)
	var obj alist.Object
	require.NoError(t, json.Unmarshal(resp.Data, &obj))
	assert.Equal(t, "report.pdf", obj.Name())
	assert.Equal(t, "http://proxy:5344/d/secret/report.pdf?sign=s1", obj.RawURL())
}

func newDavService(t *testing.T, files map[string][]byte) *Service {
	t.Helper()
	fs := webdav.NewMemFS()
	ctx := context.Background()
	require.NoError(t, fs.Mkdir(ctx, "/secret", 0o755))
	for name, data := range files {
		dir := ""
		for _, seg := range strings.Split(strings.Trim(path.Dir(name), "/"), "/") {
			if dir += "/" + seg; seg != "" && dir != "/secret" {
				require.NoError(t, fs.Mkdir(ctx, dir, 0o755))
			}
		}
		f, err := fs.OpenFile(ctx, name, os.O_CREATE|os.O_RDWR, 0o644)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	srv := httptest.NewServer(&webdav.Handler{Prefix: "/dav", FileSystem: fs, LockSystem: webdav.NewMemLS()})
	t.Cleanup(srv.Close)
	return New(Options{BackendURL: srv.URL, DavPrefix: "/dav/"}, testRules(t), meta.NewCache(0),
		davclient.New(srv.URL, "/dav", nil), alist.New(srv.URL, nil), srv.Client())
}

func TestWebdavDownloadAndPropfind(t *testing.T) {
	pt := plaintext()
	enc := encodedName(t, "report.pdf")
	svc := newDavService(t, map[string][]byte{"/secret/" + enc: encrypt(t, pt)})

	req := httptest.NewRequest(http.MethodGet, "/dav/secret/report.pdf", nil)
	req.Header.Set("Range", "bytes=100-")
	rec := httptest.NewRecorder()
	require.NoError(t, svc.Download(rec, req, true))
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, pt[100:], rec.Body.Bytes())

	req = httptest.NewRequest("PROPFIND", "/dav/secret/", nil)
	req.Header.Set("Depth", "1")
	rec = httptest.NewRecorder()
	require.NoError(t, svc.Propfind(rec, req))
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "/dav/secret/report.pdf<")
	assert.Contains(t, body, ">report.pdf<")
	assert.NotContains(t, body, enc)

	ms, err := davclient.ParseMultistatus(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, ms.Responses, 2)
}

func TestWebdavMissingIsNotFound(t *testing.T) {
	svc := newDavService(t, nil)

	req := httptest.NewRequest("PROPFIND", "/dav/secret/nothing.txt", nil)
	req.Header.Set("Depth", "1")
	err := svc.Propfind(httptest.NewRecorder(), req)
	assert.True(t, errs.Is(err, errs.NotFound))

	err = svc.Download(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/dav/secret/nothing.txt", nil), true)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSetRulesSwapsWholeSet(t *testing.T) {
	svc, _ := newAlistService(t, nil)
	old := svc.Rules()
	require.True(t, old.Resolve("/secret/x").Matched())

	next, err := passwd.NewRuleSet(nil)
	require.NoError(t, err)
	svc.SetRules(next)
	assert.False(t, svc.Rules().Resolve("/secret/x").Matched())
	assert.True(t, old.Resolve("/secret/x").Matched())
}

func TestWebdavAccessPrefixIsAnOrdinaryDirectory(t *testing.T) {
	svc := newDavService(t, map[string][]byte{"/d/secret/notes.txt": []byte("plain")})

	rec := httptest.NewRecorder()
	require.NoError(t, svc.Download(rec, httptest.NewRequest(http.MethodGet, "/dav/d/secret/notes.txt", nil), true))
	assert.Equal(t, "plain", rec.Body.String())
	assert.False(t, svc.Protected("/dav/d/secret/notes.txt", true))
	assert.True(t, svc.Protected("/d/secret/notes.txt", false))
}

func TestWebdavPutBelowProtectedPathIsRefused(t *testing.T) {
	svc := newDavService(t, nil)

	req := httptest.NewRequest(http.MethodPut, "/dav/secret/new.txt", strings.NewReader("plain"))
	err := svc.Passthrough(httptest.NewRecorder(), req)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, errs.StatusOf(err))

	req = httptest.NewRequest(http.MethodPut, "/dav/open.txt", strings.NewReader("plain"))
	rec := httptest.NewRecorder()
	require.NoError(t, svc.Passthrough(rec, req))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	require.NoError(t, svc.Download(rec, httptest.NewRequest(http.MethodGet, "/dav/open.txt", nil), true))
	assert.Equal(t, "plain", rec.Body.String())
}
