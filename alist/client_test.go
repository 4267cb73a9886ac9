package alist

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAlistBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req PathRequest
		require.NoError(t, json.Unmarshal(body, &req))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.URL.Path == PathFsGet && req.Path() == "/secret/a.bin":
			io.WriteString(w, `{"code":200,"message":"success","data":{"name":"a.bin","size":2048,"is_dir":false,"raw_url":"http://backend/d/secret/a.bin","sign":"xyz"}}`)
		case r.URL.Path == PathFsGet && req.Path() == "/secret/broken":
			io.WriteString(w, `{"code":200,"data":`)
		case r.URL.Path == PathFsGet && r.Header.Get("Authorization") == "":
			io.WriteString(w, `{"code":401,"message":"you are not allowed","data":null}`)
		case r.URL.Path == PathFsGet:
			io.WriteString(w, `{"code":500,"message":"failed get storage: object not found","data":null}`)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStat(t *testing.T) {
	c := New(newAlistBackend(t).URL, nil)
	ctx := context.Background()

	rec, err := c.Stat(ctx, "/secret/a.bin", "tok")
	require.NoError(t, err)
	assert.Equal(t, meta.FileRecord{BackendPath: "/secret/a.bin", DisplayName: "a.bin", Size: 2048}, rec)

	_, err = c.Stat(ctx, "/secret/missing", "tok")
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = c.Stat(ctx, "/secret/missing", "")
	assert.True(t, errs.Is(err, errs.Upstream))

	_, err = c.Stat(ctx, "/secret/broken", "tok")
	assert.True(t, errs.Is(err, errs.ProtocolParse))

	_, err = c.Call(ctx, "/api/other", "", map[string]string{})
	assert.True(t, errs.Is(err, errs.Upstream))
}

func TestRewriteListKeepsUnknownFields(t *testing.T) {
	raw := []byte(`{"code":200,"message":"success","data":{"content":[
		{"name":"x1.txt","size":10,"is_dir":false,"thumb":"t"},
		{"name":"sub","size":0,"is_dir":true}],"total":2,"provider":"Local"}}`)
	r, err := DecodeResponse(PathFsList, raw)
	require.NoError(t, err)

	var seen []meta.FileRecord
	require.NoError(t, RewriteList(r, "/secret", func(o Object, rec meta.FileRecord) {
		seen = append(seen, rec)
		if !rec.IsDirectory {
			o.SetName("clear.txt")
		}
	}))

	assert.Equal(t, []meta.FileRecord{
		{BackendPath: "/secret/x1.txt", DisplayName: "x1.txt", Size: 10},
		{BackendPath: "/secret/sub", DisplayName: "sub", IsDirectory: true},
	}, seen)

	var data ListData
	require.NoError(t, json.Unmarshal(r.Data, &data))
	objs, err := data.Content()
	require.NoError(t, err)
	assert.Equal(t, "clear.txt", objs[0].Name())
	assert.JSONEq(t, `"t"`, string(objs[0]["thumb"]))
	assert.JSONEq(t, `"Local"`, string(data["provider"]))
}

func TestRewriteObject(t *testing.T) {
	r := &Response{Code: CodeOK, Data: json.RawMessage(`{"name":"x1.txt","size":3,"raw_url":"http://b/d/secret/x1.txt"}`)}
	require.NoError(t, RewriteObject(r, "/secret/x1.txt", func(o Object, rec meta.FileRecord) {
		assert.Equal(t, int64(3), rec.Size)
		o.SetName("clear.txt")
		o.SetRawURL("http://proxy/d/secret/clear.txt")
	}))
	var o Object
	require.NoError(t, json.Unmarshal(r.Data, &o))
	assert.Equal(t, "clear.txt", o.Name())
	assert.Equal(t, "http://proxy/d/secret/clear.txt", o.RawURL())

	failed := &Response{Code: 500, Message: "nope"}
	require.NoError(t, RewriteObject(failed, "/x", func(Object, meta.FileRecord) { t.Fail() }))
}
