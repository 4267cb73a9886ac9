// Package alist speaks the JSON API of an Alist server. It resolves file
// metadata for the download pipeline and rewrites listing replies so
// clients see clear names.
package alist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/blackhillsinfosec/cryptproxy/util"
)

const (
	PathFsGet  = "/api/fs/get"
	PathFsList = "/api/fs/list"
	maxBody    = 32 << 20
)

// Client calls the Alist API of the backend.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a Client sending through transport. A nil transport uses
// a fresh backend transport with certificate validation disabled.
func New(baseURL string, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = util.NewBackendTransport(util.TransportOptions{InsecureSkipVerify: true})
	}
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Transport: transport}}
}

// Call posts body to an API path and decodes the envelope. Transport
// failures and non-2xx statuses are Upstream errors; an undecodable
// reply is a ProtocolParse error. The business code is not inspected.
func (c *Client) Call(ctx context.Context, apiPath, authorization string, body any) (*Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	u := util.JoinURLPath(c.BaseURL, apiPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, errs.NewUpstream(apiPath, "", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=utf-8")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errs.NewUpstream(apiPath, "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errs.NewUpstream(apiPath, "", fmt.Errorf("unexpected status %s", resp.Status))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errs.NewUpstream(apiPath, "", err)
	}
	return DecodeResponse(apiPath, raw)
}

// DecodeResponse parses a raw API reply.
func DecodeResponse(apiPath string, raw []byte) (*Response, error) {
	r := new(Response)
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, errs.NewProtocolParse(apiPath, "", err, raw)
	}
	return r, nil
}

// Stat fetches the object at backendPath through /api/fs/get. It
// satisfies meta.Fetcher.
func (c *Client) Stat(ctx context.Context, backendPath, authorization string) (meta.FileRecord, error) {
	req := PathRequest{}
	req.SetPath(backendPath)
	req.setString("password", "")

	r, err := c.Call(ctx, PathFsGet, authorization, req)
	if err != nil {
		return meta.FileRecord{}, err
	}
	if r.Code != CodeOK {
		if isNotFound(r) {
			return meta.FileRecord{}, errs.NewNotFound("fs get", backendPath)
		}
		return meta.FileRecord{}, errs.NewUpstream("fs get", backendPath,
			fmt.Errorf("code %d: %s", r.Code, r.Message))
	}

	var obj Object
	if err := json.Unmarshal(r.Data, &obj); err != nil {
		return meta.FileRecord{}, errs.NewProtocolParse("fs get", backendPath, err, r.Data)
	} else if obj == nil {
		return meta.FileRecord{}, errs.NewProtocolParse("fs get", backendPath, errors.New("empty data"), r.Data)
	}
	rec := obj.Record("/")
	rec.BackendPath = meta.Key(backendPath)
	log.DEBUG.Printf("Alist object %s: size=%d dir=%v", rec.BackendPath, rec.Size, rec.IsDirectory)
	return rec, nil
}

func isNotFound(r *Response) bool {
	if r.Code == http.StatusNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(r.Message), "not found")
}
