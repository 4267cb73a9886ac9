// Package errs defines the failure kinds shared by the proxy pipeline.
//
// Every failure that reaches the request boundary is an *Error carrying a
// Kind. The envelope middleware maps the Kind to a response code; nothing
// below the boundary writes error responses itself.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind uint8

const (
	// Unknown is any failure not produced by this package.
	Unknown Kind = iota
	// NotFound indicates the resource is absent at the backend.
	NotFound
	// Upstream indicates the backend was unreachable, reset or timed out.
	Upstream
	// Codec indicates an obfuscated name failed to decode.
	Codec
	// Cipher indicates a key or size mismatch while preparing decryption.
	Cipher
	// ProtocolParse indicates a malformed WebDAV or Alist response body.
	ProtocolParse
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Upstream:
		return "upstream error"
	case Codec:
		return "codec error"
	case Cipher:
		return "cipher error"
	case ProtocolParse:
		return "protocol parse error"
	}
	return "unknown error"
}

// Status returns the HTTP status code a Kind maps to.
func (k Kind) Status() int {
	switch k {
	case NotFound, Codec:
		return http.StatusNotFound
	case Upstream, ProtocolParse:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "propfind".
	Op string
	// Path is the backend or virtual path involved, if any.
	Path string
	// Msg is a human-readable description.
	Msg string
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Op, e.Path, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind of err, returning Unknown when err is not
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries Kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// StatusOf returns the HTTP status code for err.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return KindOf(err).Status()
}

// StatusError is a failure raised at the request boundary with an
// explicit status, e.g. a malformed client payload.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Code)
	}
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// WithStatus wraps err with an explicit HTTP status.
func WithStatus(code int, err error) error {
	return &StatusError{Code: code, Err: err}
}

func NewNotFound(op, path string) error {
	return &Error{Kind: NotFound, Op: op, Path: path, Msg: "resource not found"}
}

func NewUpstream(op, path string, err error) error {
	return &Error{Kind: Upstream, Op: op, Path: path, Err: err}
}

func NewCodec(op, name, msg string) error {
	return &Error{Kind: Codec, Op: op, Path: name, Msg: msg}
}

func NewCipher(op, msg string) error {
	return &Error{Kind: Cipher, Op: op, Msg: msg}
}

// NewProtocolParse records a malformed response. The raw body is kept in
// Msg so it can be logged for diagnosis; it never reaches a client outside
// of dev mode.
func NewProtocolParse(op, path string, err error, raw []byte) error {
	return &Error{Kind: ProtocolParse, Op: op, Path: path, Err: err,
		Msg: fmt.Sprintf("%v (body: %q)", err, truncate(raw, 2048))}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
