package fetch

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/pagevault/pagevault/internal/metrics"
)

// Class is the retry disposition of an error.
type Class int

// Error classes. Anything not recognized as transient is permanent.
const (
	ClassPermanent Class = iota
	ClassTransient
)

// transientMarkers match connection-level and browser-session failures
// that a fresh attempt can plausibly recover from. Target/session-closed
// errors appear whenever the pool restarts the browser underneath an
// in-flight fetch, so they must stay retryable.
var transientMarkers = []string{
	"connection reset",
	"connection closed",
	"connection refused",
	"broken pipe",
	"navigation timeout",
	"target closed",
	"session closed",
	"browser restarted",
	"browser unavailable",
	"context deadline exceeded",
	"net::err",
	"unexpected eof",
	"i/o timeout",
}

// Classify decides whether an error is worth retrying.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code >= 500:
			return ClassTransient
		case statusErr.Code == 408 || statusErr.Code == 429:
			return ClassTransient
		default:
			return ClassPermanent
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// RetryPolicy runs an operation through the shared retry ladder:
// up to MaxAttempts tries with linear backoff (BaseDelay × attempt).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns the ladder used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Do executes op until it succeeds, fails permanently, or the attempt cap
// is reached. Only transient errors are retried.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) (RawResult, error)) (RawResult, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if Classify(err) != ClassTransient || attempt == attempts {
			return RawResult{}, err
		}
		metrics.FetchRetriesTotal.Inc()
		if err := sleep(ctx, base*time.Duration(attempt)); err != nil {
			return RawResult{}, err
		}
	}
	return RawResult{}, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
