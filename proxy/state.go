package proxy

import (
	"context"
	"net/http"

	"github.com/blackhillsinfosec/cryptproxy/crypt"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/blackhillsinfosec/cryptproxy/passwd"
)

// RequestState is built once at the entry of a pipeline and carried
// through every stage.
type RequestState struct {
	// Request is the inbound request.
	Request *http.Request
	// Writer receives the response once a stage commits to one.
	Writer http.ResponseWriter
	// WebDAV marks requests that arrived under the WebDAV prefix.
	WebDAV bool

	// Access is the presentation prefix ("/d" or "/p") of an Alist
	// download, empty for WebDAV requests.
	Access string
	// VirtualPath is the clear path the client asked for, without
	// presentation or WebDAV prefixes.
	VirtualPath string
	// BackendPath is the path the resource has at the backend.
	BackendPath string
	// BackendURL is the absolute URL the forwarder requests.
	BackendURL string

	Auth    passwd.Authorization
	Record  *meta.FileRecord
	Session *crypt.Session
}

// Authorization returns the inbound credential header.
func (st *RequestState) Authorization() string {
	return st.Request.Header.Get("Authorization")
}

// Stage is one step of a pipeline. Returning done ends the pipeline
// without running later stages.
type Stage func(ctx context.Context, st *RequestState) (done bool, err error)

// Pipeline runs stages in order until one finishes the request or
// fails.
type Pipeline []Stage

func (p Pipeline) Run(ctx context.Context, st *RequestState) error {
	for _, stage := range p {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := stage(ctx, st)
		if err != nil || done {
			return err
		}
	}
	return nil
}
