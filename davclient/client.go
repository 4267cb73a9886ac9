// Package davclient issues PROPFIND queries against a WebDAV backend and
// normalizes the multistatus replies into meta.FileRecord values.
package davclient

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/blackhillsinfosec/cryptproxy/util"
)

const (
	// MethodPropfind is the WebDAV listing verb.
	MethodPropfind = "PROPFIND"
	maxBody        = 32 << 20
)

var propfindBody = []byte(`<?xml version="1.0" encoding="utf-8"?>` +
	`<D:propfind xmlns:D="DAV:"><D:prop>` +
	`<D:displayname/><D:getcontentlength/><D:resourcetype/>` +
	`</D:prop></D:propfind>`)

// Client talks to the WebDAV endpoint of the backend.
type Client struct {
	// BaseURL is the backend origin, e.g. https://alist.lan:5244.
	BaseURL string
	// Prefix is the WebDAV mount path at the backend, e.g. /dav.
	Prefix string
	HTTP   *http.Client
}

// New returns a Client sending through transport. A nil transport uses
// a fresh backend transport with certificate validation disabled.
func New(baseURL, prefix string, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = util.NewBackendTransport(util.TransportOptions{InsecureSkipVerify: true})
	}
	return &Client{
		BaseURL: baseURL,
		Prefix:  prefix,
		HTTP:    &http.Client{Transport: transport},
	}
}

// URL returns the escaped backend URL for a backend path.
func (c *Client) URL(backendPath string) string {
	return util.JoinURLPath(c.BaseURL, util.EscapePath(c.Prefix+meta.Key(backendPath)))
}

// Propfind issues a depth 1 PROPFIND for rawURL. A 404 yields a
// NotFound error; any other failure to obtain a multistatus is an
// Upstream or ProtocolParse error.
func (c *Client) Propfind(ctx context.Context, rawURL, authorization string) (*Multistatus, []byte, error) {
	log.DEBUG.Printf("PROPFIND %s", rawURL)
	req, err := http.NewRequestWithContext(ctx, MethodPropfind, rawURL, bytes.NewReader(propfindBody))
	if err != nil {
		return nil, nil, errs.NewUpstream("propfind", rawURL, err)
	}
	req.Header.Set("Depth", "1")
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, nil, errs.NewUpstream("propfind", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, errs.NewNotFound("propfind", rawURL)
	case resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK:
		return nil, nil, errs.NewUpstream("propfind", rawURL,
			fmt.Errorf("unexpected status %s", resp.Status))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, errs.NewUpstream("propfind", rawURL, err)
	}
	ms, err := ParseMultistatus(raw)
	if err != nil {
		log.WARN.Printf("Malformed PROPFIND response from %s: %v", rawURL, err)
		return nil, raw, err
	}
	return ms, raw, nil
}

// ParseMultistatus decodes a multistatus body.
func ParseMultistatus(raw []byte) (*Multistatus, error) {
	ms := new(Multistatus)
	if err := xml.Unmarshal(raw, ms); err != nil {
		return nil, errs.NewProtocolParse("multistatus", "", err, raw)
	}
	if len(ms.Responses) == 0 {
		return nil, errs.NewProtocolParse("multistatus", "",
			fmt.Errorf("no response elements"), raw)
	}
	return ms, nil
}

// Stat returns the record of backendPath itself. It satisfies
// meta.Fetcher.
func (c *Client) Stat(ctx context.Context, backendPath, authorization string) (meta.FileRecord, error) {
	ms, _, err := c.Propfind(ctx, c.URL(backendPath), authorization)
	if err != nil {
		return meta.FileRecord{}, err
	}
	want := meta.Key(backendPath)
	for _, r := range ms.Responses {
		if rec := r.Record(c.Prefix); rec.BackendPath == want {
			return rec, nil
		}
	}
	// Some servers report hrefs relative to a different root; the
	// first response always describes the target.
	rec := ms.Responses[0].Record(c.Prefix)
	rec.BackendPath = want
	return rec, nil
}

// List returns the children of backendPath, excluding itself.
func (c *Client) List(ctx context.Context, backendPath, authorization string) ([]meta.FileRecord, error) {
	ms, _, err := c.Propfind(ctx, c.URL(backendPath), authorization)
	if err != nil {
		return nil, err
	}
	want := meta.Key(backendPath)
	var out []meta.FileRecord
	for _, r := range ms.Responses {
		if rec := r.Record(c.Prefix); rec.BackendPath != want {
			out = append(out, rec)
		}
	}
	return out, nil
}
