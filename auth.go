package diabetactic

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/diabetactic/diabetactic-go/internal/transport"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// expirySkew refreshes tokens slightly before they actually expire.
const expirySkew = 10 * time.Second

// Session is the authenticated state held by the Authenticator.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
}

// Expired reports whether the access token is past its expiry at now.
// A zero ExpiresAt never expires.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt.Add(-expirySkew))
}

// NewSession builds a session from a token response. When expires_in is
// absent the expiry is read from the access token's exp claim, if it is a
// JWT. The signature is not verified; the backend remains the authority.
func NewSession(tok *TokenResponse, now time.Time) *Session {
	s := &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	switch {
	case tok.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	default:
		s.ExpiresAt = tokenExpiry(tok.AccessToken)
	}
	return s
}

func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// RefreshFunc exchanges a refresh token for a new session.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Session, error)

// refreshCall is the shared pending-refresh handle. All requests that need
// a refresh while one is running wait on done.
type refreshCall struct {
	done    chan struct{}
	session *Session
	err     error
}

// Authenticator owns the session and implements the auth pipeline stage.
type Authenticator struct {
	mu      sync.Mutex
	session *Session
	pending *refreshCall

	refresh  RefreshFunc
	timeout  time.Duration
	now      func() time.Time
	log      logrus.FieldLogger
	metrics  *Metrics
	onLogout func()
}

// NewAuthenticator creates an Authenticator. refresh may be set later
// with SetRefreshFunc.
func NewAuthenticator(refresh RefreshFunc, log logrus.FieldLogger, metrics *Metrics) *Authenticator {
	if log == nil {
		log = discardLogger()
	}
	return &Authenticator{
		refresh: refresh,
		timeout: DefaultRequestTimeout,
		now:     time.Now,
		log:     log,
		metrics: metrics,
	}
}

// SetRefreshFunc replaces the refresh implementation.
func (a *Authenticator) SetRefreshFunc(fn RefreshFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refresh = fn
}

// OnLogout registers a callback run after the session is cleared because
// it could not be recovered. It is not called by an explicit Logout.
func (a *Authenticator) OnLogout(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLogout = fn
}

// Session returns a copy of the current session, or nil.
func (a *Authenticator) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	s := *a.session
	return &s
}

// SetSession installs a session (after login or when restoring state).
func (a *Authenticator) SetSession(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s == nil {
		a.session = nil
		return
	}
	c := *s
	a.session = &c
}

// Logout clears the session.
func (a *Authenticator) Logout() {
	a.SetSession(nil)
}

// expire clears the session after an unrecoverable auth failure.
func (a *Authenticator) expire() {
	a.mu.Lock()
	a.session = nil
	hook := a.onLogout
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Stage returns the auth pipeline stage.
func (a *Authenticator) Stage() transport.Stage {
	return func(next transport.RoundTrip) transport.RoundTrip {
		return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if !req.RequiresAuth {
				resp, err := next(ctx, req)
				if err == nil && req.Operation == OpAuthRefresh && resp.Status == http.StatusUnauthorized {
					return nil, &AuthExpiredError{Operation: req.Operation, Err: statusError(resp)}
				}
				return resp, err
			}

			token, err := a.token(ctx, req.Operation)
			if err != nil {
				return nil, err
			}

			resp, err := next(ctx, req.WithBearer(token))
			if err != nil || resp.Status != http.StatusUnauthorized {
				return resp, err
			}

			a.log.WithField("op", req.Operation).Debug("unauthorized, refreshing session")
			fresh, err := a.refreshAfter(ctx, req.Operation, token)
			if err != nil {
				return nil, err
			}

			// Replay once. A second 401 means the refreshed token is not
			// accepted either.
			resp, err = next(ctx, req.WithBearer(fresh))
			if err == nil && resp.Status == http.StatusUnauthorized {
				a.log.WithField("op", req.Operation).Warn("unauthorized after refresh, logging out")
				a.expire()
				return nil, &AuthExpiredError{Operation: req.Operation, Err: statusError(resp)}
			}
			return resp, err
		}
	}
}

// token returns the bearer to attach, refreshing first when the current
// token is known to be expired. Without a session no token is attached and
// the backend decides.
func (a *Authenticator) token(ctx context.Context, op string) (string, error) {
	a.mu.Lock()
	s := a.session
	if s == nil {
		a.mu.Unlock()
		return "", nil
	}
	if !s.Expired(a.now()) {
		tok := s.AccessToken
		a.mu.Unlock()
		return tok, nil
	}
	stale := s.AccessToken
	a.mu.Unlock()

	a.log.WithField("op", op).Debug("access token expired, refreshing")
	return a.refreshAfter(ctx, op, stale)
}

// refreshAfter returns a token newer than stale, joining an in-flight
// refresh or starting one. Only one refresh runs at a time.
func (a *Authenticator) refreshAfter(ctx context.Context, op, stale string) (string, error) {
	a.mu.Lock()
	if s := a.session; s != nil && s.AccessToken != stale && !s.Expired(a.now()) {
		tok := s.AccessToken
		a.mu.Unlock()
		return tok, nil
	}

	call := a.pending
	if call == nil {
		if a.session == nil || a.session.RefreshToken == "" || a.refresh == nil {
			a.mu.Unlock()
			a.expire()
			return "", &AuthExpiredError{Operation: op, Err: errors.New("no refresh token")}
		}
		call = &refreshCall{done: make(chan struct{})}
		a.pending = call
		go a.runRefresh(call, a.refresh, a.session.RefreshToken, a.session.UserID)
	}
	a.mu.Unlock()

	select {
	case <-call.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if call.err != nil {
		var ae *AuthExpiredError
		if errors.As(call.err, &ae) {
			return "", &AuthExpiredError{Operation: op, Err: ae.Err}
		}
		return "", call.err
	}
	return call.session.AccessToken, nil
}

// runRefresh performs the refresh detached from any single caller so that
// one caller giving up does not fail the others.
func (a *Authenticator) runRefresh(call *refreshCall, refresh RefreshFunc, refreshToken, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	s, err := refresh(ctx, refreshToken)

	var hook func()
	a.mu.Lock()
	switch {
	case err == nil:
		if s.RefreshToken == "" {
			s.RefreshToken = refreshToken
		}
		if s.UserID == "" {
			s.UserID = userID
		}
		a.session = s
		call.session = s
		a.metrics.refresh("success")
	case IsRetryable(err):
		// Transient failure: keep the session so a later attempt can refresh.
		call.err = err
		a.metrics.refresh("unavailable")
	default:
		a.session = nil
		hook = a.onLogout
		call.err = &AuthExpiredError{Operation: OpAuthRefresh, Err: err}
		a.metrics.refresh("expired")
	}
	a.pending = nil
	a.mu.Unlock()
	close(call.done)

	if err != nil {
		a.log.WithError(err).Warn("session refresh failed")
	}
	if hook != nil {
		hook()
	}
}
