package diabetactic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/diabetactic/diabetactic-go/internal/coalesce"
	"github.com/diabetactic/diabetactic-go/internal/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Request and Response are the pipeline types seen by stages.
type (
	Request  = transport.Request
	Response = transport.Response
)

// DispatcherOptions configures a Dispatcher. Zero values select defaults.
type DispatcherOptions struct {
	// Operations defaults to DefaultOperations().
	Operations *Registry

	// Mock serves requests in mock mode. Defaults to a fresh MockBackend.
	Mock http.Handler

	// HTTPClient overrides the client used in local and cloud modes.
	HTTPClient *http.Client

	// Retry defaults to DefaultRetryPolicy().
	Retry RetryPolicy

	// Auth holds the session. A new Authenticator is created when nil.
	Auth *Authenticator

	UserAgent string

	// RateLimit caps outgoing requests per second in network modes.
	RateLimit float64
	RateBurst int

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// Dispatcher executes logical operations against the resolved backend
// through the Auth and Retry stages.
type Dispatcher struct {
	backend  BackendConfig
	ops      *Registry
	auth     *Authenticator
	pipeline transport.RoundTrip
	group    coalesce.Group
	log      logrus.FieldLogger
	metrics  *Metrics
}

// NewDispatcher wires the stage pipeline for backend.
func NewDispatcher(backend BackendConfig, opts DispatcherOptions) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}
	ops := opts.Operations
	if ops == nil {
		ops = DefaultOperations()
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthenticator(nil, log, opts.Metrics)
	}
	if backend.RequestTimeout > 0 {
		auth.timeout = backend.RequestTimeout
	}

	var terminal transport.RoundTrip
	if backend.IsMock() {
		mock := opts.Mock
		if mock == nil {
			mock = NewMockBackend(MockOptions{})
		}
		terminal = transport.NewHandler(mock, opts.UserAgent).RoundTrip
	} else {
		terminal = transport.NewHTTP(backend.BaseURL, transport.HTTPOptions{
			Timeout:   backend.RequestTimeout,
			UserAgent: opts.UserAgent,
			RateLimit: rate.Limit(opts.RateLimit),
			Burst:     opts.RateBurst,
			Client:    opts.HTTPClient,
		}).RoundTrip
	}

	stages := []transport.Stage{
		auth.Stage(),
		opts.Retry.Stage(log, opts.Metrics),
		logStage(log),
	}
	if opts.Metrics != nil {
		stages = append(stages, opts.Metrics.stage())
	}

	d := &Dispatcher{
		backend:  backend,
		ops:      ops,
		auth:     auth,
		pipeline: transport.Chain(terminal, stages...),
		log:      log,
		metrics:  opts.Metrics,
	}
	if auth.refresh == nil {
		auth.SetRefreshFunc(d.refreshSession)
	}
	return d
}

// Backend returns the configuration the dispatcher was built with.
func (d *Dispatcher) Backend() BackendConfig { return d.backend }

// Operations returns the operation registry.
func (d *Dispatcher) Operations() *Registry { return d.ops }

// Auth returns the session owner.
func (d *Dispatcher) Auth() *Authenticator { return d.auth }

// Execute runs the operation registered under key.
//
// body may be nil, []byte, json.RawMessage, url.Values (form operations) or
// any value encodable as JSON. Identical concurrent GET calls share one
// round trip. Errors are *UnknownOperationError, *AuthExpiredError,
// *GatewayError or the caller's context error.
func (d *Dispatcher) Execute(ctx context.Context, key string, params Params, body any) (*Response, error) {
	op, err := d.ops.Lookup(key)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = NoParams{}
	}

	req, err := buildRequest(op, params, body)
	if err != nil {
		return nil, &GatewayError{Kind: BadRequest, Operation: key, Err: err}
	}

	if !op.Cacheable() {
		return d.send(ctx, op, req)
	}

	v, err, shared := d.group.Do(ctx, coalesceKey(key, params), func(ctx context.Context) (any, error) {
		return d.send(ctx, op, req)
	})
	if shared {
		d.metrics.coalesce(key)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func coalesceKey(key string, params Params) string {
	return key + "?" + params.CacheKey()
}

// ExecuteJSON runs Execute and decodes a successful body into out.
func (d *Dispatcher) ExecuteJSON(ctx context.Context, key string, params Params, body, out any) error {
	resp, err := d.Execute(ctx, key, params, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return DecodeJSON(resp, out)
}

func (d *Dispatcher) send(ctx context.Context, op Operation, req *Request) (*Response, error) {
	resp, err := d.pipeline(ctx, req)
	if err != nil {
		var ae *AuthExpiredError
		var ge *GatewayError
		if errors.As(err, &ae) || errors.As(err, &ge) {
			return nil, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, &GatewayError{Kind: Unavailable, Operation: op.Key, Attempts: 1, Err: err}
	}

	switch {
	case resp.OK():
		return resp, nil
	case resp.Status >= 500:
		return nil, &GatewayError{Kind: ServerError, Operation: op.Key, StatusCode: resp.Status, Err: statusError(resp)}
	default:
		return nil, &GatewayError{Kind: BadRequest, Operation: op.Key, StatusCode: resp.Status, Err: statusError(resp)}
	}
}

// refreshSession is the default RefreshFunc: a refresh_token grant on the
// token endpoint.
func (d *Dispatcher) refreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	var tok TokenResponse
	if err := d.ExecuteJSON(ctx, OpAuthRefresh, NoParams{}, form, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, &GatewayError{Kind: BadRequest, Operation: OpAuthRefresh, Err: errors.New("empty access token")}
	}
	return NewSession(&tok, d.auth.now()), nil
}

func buildRequest(op Operation, params Params, body any) (*Request, error) {
	path, err := op.expandPath(params.PathValues())
	if err != nil {
		return nil, err
	}

	req := &Request{
		Operation:    op.Key,
		Method:       op.Method,
		Path:         path,
		Query:        params.Query(),
		Header:       http.Header{"Accept": {"application/json"}},
		RequiresAuth: op.RequiresAuth,
		Idempotent:   op.Idempotent,
	}

	contentType := "application/json"
	if op.Form {
		contentType = "application/x-www-form-urlencoded"
	}

	switch b := body.(type) {
	case nil:
	case []byte:
		req.Body = b
	case json.RawMessage:
		req.Body = b
	case url.Values:
		req.Body = []byte(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		if op.Form {
			return nil, fmt.Errorf("operation %s: form body must be url.Values, got %T", op.Key, body)
		}
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("operation %s: encode body: %w", op.Key, err)
		}
		req.Body = data
	}
	if len(req.Body) > 0 {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// DecodeJSON unmarshals a response body.
func DecodeJSON(resp *Response, v any) error {
	if resp == nil || len(resp.Body) == 0 {
		return errors.New("decode: empty response body")
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// statusError summarizes a non-2xx response, keeping at most 200 bytes of
// the body.
func statusError(resp *Response) error {
	msg := ""
	if len(resp.Body) > 0 {
		if len(resp.Body) > 200 {
			msg = string(resp.Body[:200]) + "..."
		} else {
			msg = string(resp.Body)
		}
	}
	return fmt.Errorf("HTTP %d: %s", resp.Status, msg)
}
