// Package transport defines the request pipeline used by the gateway client:
// a plain request/response pair, a RoundTrip function, and Stages that wrap
// a RoundTrip to add behaviour (auth, retry) without depending on any
// particular HTTP client framework.
package transport

import (
	"context"
	"net/http"
	"net/url"
)

// Request is a resolved gateway call. Path is relative to the backend base URL.
type Request struct {
	// Operation is the logical operation key, e.g. "glucose.create".
	Operation string

	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// RequiresAuth marks requests that carry the session bearer token.
	RequiresAuth bool

	// Idempotent marks requests that may be retried safely.
	Idempotent bool
}

// Clone returns a copy of r whose Header and Query can be modified
// without affecting r.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Query != nil {
		c.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			c.Query[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// WithBearer returns a copy of r carrying the given bearer token.
// An empty token removes the Authorization header.
func (r *Request) WithBearer(token string) *Request {
	c := r.Clone()
	if token == "" {
		c.Header.Del("Authorization")
		return c
	}
	c.Header.Set("Authorization", "Bearer "+token)
	return c
}

// Response is a fully read HTTP response. Body is shared between coalesced
// callers and must be treated as read-only.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the response has a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// RoundTrip executes a request. A non-nil error means no response was
// received (network failure, timeout, cancellation).
type RoundTrip func(ctx context.Context, req *Request) (*Response, error)

// Stage wraps a RoundTrip with additional behaviour.
type Stage func(next RoundTrip) RoundTrip

// Chain composes stages around a terminal RoundTrip. The first stage is the
// outermost: Chain(t, a, b) runs a, then b, then t.
func Chain(terminal RoundTrip, stages ...Stage) RoundTrip {
	rt := terminal
	for i := len(stages) - 1; i >= 0; i-- {
		rt = stages[i](rt)
	}
	return rt
}
