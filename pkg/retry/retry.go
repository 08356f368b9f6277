// Package retry is the single backoff policy used for every outbound
// "wait and try again" in the service. Call sites differ only in the
// Policy values and the predicate they pass in.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Policy parameterizes one bounded retry: total attempt count, base delay,
// growth factor and optional jitter. Multiplier 1 gives a fixed delay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
}

// Predicate decides after a failed attempt whether the error is worth
// retrying. Returning false stops immediately with that error.
type Predicate func(error) bool

// HTTPError carries the status code of a completed-but-failed HTTP exchange
// so predicates can classify it. Errors without an HTTPError in their chain
// are treated as "no response at all".
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

// DefaultRetryable classifies 5xx and 429 responses, plus anything that never
// produced a response (timeouts, connection resets), as transient. Every
// other 4xx is terminal.
func DefaultRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500 || he.StatusCode == 429
	}
	return true
}

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == 404
}

// StatusCode extracts the HTTP status from err, or 0 when there was no
// response.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// Do runs op until it succeeds, the predicate declines, the policy's attempt
// budget is spent, or ctx is cancelled. op receives the 1-based attempt
// number. On exhaustion the last error is returned as-is.
func Do[T any](ctx context.Context, p Policy, retryable Predicate, op func(attempt int) (T, error)) (T, error) {
	if retryable == nil {
		retryable = DefaultRetryable
	}

	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := op(attempt)
		if err != nil && !retryable(err) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.RetryWithData(wrapped, p.newBackOff(ctx))
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval == 0 {
		b.MaxInterval = time.Hour
	}
	// The attempt budget is the only stop condition.
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}
