package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxBodySize bounds how much of a response body is read into memory.
const maxBodySize = 10 << 20

// HTTPOptions configures an HTTP terminal.
type HTTPOptions struct {
	// Timeout bounds each individual round trip. Zero means 30s.
	Timeout time.Duration

	// UserAgent is sent on every request.
	UserAgent string

	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit rate.Limit
	Burst     int

	// Client overrides the underlying http.Client (for tests or custom TLS).
	Client *http.Client
}

// HTTP sends requests to a remote base URL using net/http.
type HTTP struct {
	baseURL   string
	timeout   time.Duration
	userAgent string
	limiter   *rate.Limiter
	client    *http.Client
}

// NewHTTP creates an HTTP terminal for baseURL.
func NewHTTP(baseURL string, opts HTTPOptions) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	t := &HTTP{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		client:    client,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return t
}

// RoundTrip performs one HTTP exchange. A per-call timeout is applied on top
// of ctx; hitting it is reported as an error like any other network failure.
func (t *HTTP) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("transport: rate limit: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpReq, err := newHTTPRequest(ctx, t.baseURL, req, t.userAgent)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", req.Method, req.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("transport: read %s %s: %w", req.Method, req.Path, err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Handler serves requests from an in-process http.Handler with no network
// I/O. It backs the mock backend mode.
type Handler struct {
	handler   http.Handler
	userAgent string
}

// NewHandler creates a terminal that dispatches to h.
func NewHandler(h http.Handler, userAgent string) *Handler {
	return &Handler{handler: h, userAgent: userAgent}
}

// RoundTrip runs the handler synchronously and captures its response.
func (t *Handler) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	httpReq, err := newHTTPRequest(ctx, "http://mock.invalid", req, t.userAgent)
	if err != nil {
		return nil, err
	}
	// Servers never hand a handler a nil body.
	if httpReq.Body == nil {
		httpReq.Body = http.NoBody
	}

	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, httpReq)
	res := rec.Result()
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read mock response: %w", err)
	}
	return &Response{Status: res.StatusCode, Header: res.Header, Body: body}, nil
}

func newHTTPRequest(ctx context.Context, baseURL string, req *Request, userAgent string) (*http.Request, error) {
	u := baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build %s %s: %w", req.Method, req.Path, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", userAgent)
	}
	return httpReq, nil
}
