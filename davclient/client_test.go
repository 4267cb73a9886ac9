package davclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"
)

const singlePropstat = `<?xml version="1.0" encoding="UTF-8"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/dav/secret/report.pdf</D:href>
    <D:propstat>
      <D:prop>
        <D:displayname>report.pdf</D:displayname>
        <D:getcontentlength>1000</D:getcontentlength>
        <D:resourcetype></D:resourcetype>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

const listedPropstat = `<?xml version="1.0" encoding="UTF-8"?>
<multistatus xmlns="DAV:">
  <response>
    <href>/dav/secret/report.pdf</href>
    <propstat>
      <prop><quota-used-bytes/></prop>
      <status>HTTP/1.1 404 Not Found</status>
    </propstat>
    <propstat>
      <prop>
        <displayname>report.pdf</displayname>
        <getcontentlength>1000</getcontentlength>
      </prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
</multistatus>`

const directoryEntry = `<?xml version="1.0"?>
<a:multistatus xmlns:a="DAV:">
  <a:response>
    <a:href>/dav/secret/</a:href>
    <a:propstat>
      <a:prop><a:displayname>secret</a:displayname></a:prop>
      <a:status>HTTP/1.1 200 OK</a:status>
    </a:propstat>
  </a:response>
</a:multistatus>`

func TestMultistatusShapesNormalizeAlike(t *testing.T) {
	single, err := ParseMultistatus([]byte(singlePropstat))
	require.NoError(t, err)
	listed, err := ParseMultistatus([]byte(listedPropstat))
	require.NoError(t, err)

	a := single.Responses[0].Record("/dav")
	b := listed.Responses[0].Record("/dav")
	assert.Equal(t, a, b)
	assert.Equal(t, meta.FileRecord{
		BackendPath: "/secret/report.pdf",
		DisplayName: "report.pdf",
		Size:        1000,
	}, a)
}

func TestMissingContentLengthIsDirectory(t *testing.T) {
	ms, err := ParseMultistatus([]byte(directoryEntry))
	require.NoError(t, err)
	rec := ms.Responses[0].Record("/dav")
	assert.True(t, rec.IsDirectory)
	assert.Equal(t, "/secret", rec.BackendPath)
	assert.Zero(t, rec.Size)
}

func TestMalformedMultistatus(t *testing.T) {
	_, err := ParseMultistatus([]byte("<html>bad gateway"))
	assert.True(t, errs.Is(err, errs.ProtocolParse))

	_, err = ParseMultistatus([]byte(`<multistatus xmlns="DAV:"></multistatus>`))
	assert.True(t, errs.Is(err, errs.ProtocolParse))
}

func newDavBackend(t *testing.T) (*httptest.Server, webdav.FileSystem) {
	t.Helper()
	fs := webdav.NewMemFS()
	ctx := context.Background()
	require.NoError(t, fs.Mkdir(ctx, "/secret", 0o755))
	f, err := fs.OpenFile(ctx, "/secret/notes.txt", os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello webdav"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	h := &webdav.Handler{Prefix: "/dav", FileSystem: fs, LockSystem: webdav.NewMemLS()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Basic token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, fs
}

func TestStatAgainstWebdavBackend(t *testing.T) {
	srv, _ := newDavBackend(t)
	c := New(srv.URL, "/dav", nil)

	rec, err := c.Stat(context.Background(), "/secret/notes.txt", "Basic token")
	require.NoError(t, err)
	assert.Equal(t, "/secret/notes.txt", rec.BackendPath)
	assert.Equal(t, int64(12), rec.Size)
	assert.False(t, rec.IsDirectory)

	rec, err = c.Stat(context.Background(), "/secret", "Basic token")
	require.NoError(t, err)
	assert.True(t, rec.IsDirectory)

	_, err = c.Stat(context.Background(), "/secret/missing.txt", "Basic token")
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = c.Stat(context.Background(), "/secret/notes.txt", "")
	assert.True(t, errs.Is(err, errs.Upstream))
}

func TestListAgainstWebdavBackend(t *testing.T) {
	srv, _ := newDavBackend(t)
	c := New(srv.URL, "/dav", nil)

	recs, err := c.List(context.Background(), "/secret", "Basic token")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "notes.txt", recs[0].DisplayName)
}

func TestUnreachableBackendIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "/dav", nil).Stat(context.Background(), "/x", "")
	assert.True(t, errs.Is(err, errs.Upstream))
}
