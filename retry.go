package diabetactic

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/diabetactic/diabetactic-go/internal/transport"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

const maxRetryAttempts = 10

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryPolicy bounds retries of idempotent operations.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Clamped to [1, 10]. Default 3.
	MaxAttempts int

	// BaseDelay is the first backoff delay; each later delay doubles it.
	// Default 1s.
	BaseDelay time.Duration

	// MaxDelay caps a single delay, including server-provided Retry-After.
	// Default 4s.
	MaxDelay time.Duration

	// Sleep replaces the real timer (tests).
	Sleep Sleeper
}

// DefaultRetryPolicy returns 3 attempts with delays 1s, 2s, 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MaxAttempts > maxRetryAttempts {
		p.MaxAttempts = maxRetryAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Delays returns the backoff schedule between consecutive attempts.
func (p RetryPolicy) Delays() []time.Duration {
	p = p.withDefaults()
	b := p.backoff()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		d, _ := b.Next()
		delays = append(delays, d)
	}
	return delays
}

func (p RetryPolicy) backoff() retry.Backoff {
	return retry.WithCappedDuration(p.MaxDelay, retry.NewExponential(p.BaseDelay))
}

// Stage returns the retry pipeline stage. Non-idempotent requests pass
// through untouched. Exhausted retries surface GatewayError{Unavailable}.
func (p RetryPolicy) Stage(log logrus.FieldLogger, metrics *Metrics) transport.Stage {
	p = p.withDefaults()
	return func(next transport.RoundTrip) transport.RoundTrip {
		return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if !req.Idempotent {
				return next(ctx, req)
			}

			b := p.backoff()
			for attempt := 1; ; attempt++ {
				resp, err := next(ctx, req)
				if cerr := ctx.Err(); cerr != nil {
					return nil, cerr
				}

				retryable, hint := classifyAttempt(resp, err)
				if !retryable {
					return resp, err
				}

				if attempt >= p.MaxAttempts {
					ge := &GatewayError{Kind: Unavailable, Operation: req.Operation, Attempts: attempt, Err: err}
					if resp != nil {
						ge.StatusCode = resp.Status
						ge.Err = statusError(resp)
					}
					log.WithFields(logrus.Fields{"op": req.Operation, "attempts": attempt}).
						Warn("retries exhausted")
					return nil, ge
				}

				delay, _ := b.Next()
				if hint > 0 {
					delay = min(hint, p.MaxDelay)
				}

				fields := logrus.Fields{"op": req.Operation, "attempt": attempt, "delay": delay}
				if resp != nil {
					fields["status"] = resp.Status
				}
				entry := log.WithFields(fields)
				if err != nil {
					entry = entry.WithError(err)
				}
				entry.Warn("retrying request")
				metrics.retry(req.Operation)

				if err := p.Sleep(ctx, delay); err != nil {
					return nil, err
				}
			}
		}
	}
}

// classifyAttempt decides whether an attempt may be retried and returns a
// server-provided delay when one applies.
func classifyAttempt(resp *transport.Response, err error) (bool, time.Duration) {
	if err != nil {
		return true, 0
	}
	switch {
	case resp.Status >= 500:
		return true, 0
	case resp.Status == http.StatusRequestTimeout, resp.Status == http.StatusTooManyRequests:
		return true, retryAfter(resp.Header.Get("Retry-After"), time.Now())
	default:
		return false, 0
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
