// Package fetch implements the two page-fetch strategies (direct HTTP and
// pooled headless browser) behind a single contract, plus the shared
// retry ladder and error classification they both use.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Options carries per-request fetch knobs.
type Options struct {
	Timeout time.Duration
	Referer string
}

// RawResult is the undigested outcome of a single successful fetch.
type RawResult struct {
	HTML       []byte
	StatusCode int
	Headers    http.Header
	FinalURL   string
	Duration   time.Duration
}

// Fetcher fetches a URL and returns the raw page plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts Options) (RawResult, error)
}

// StatusError reports a terminal non-success HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.Code, http.StatusText(e.Code))
}

// AsStatusError unwraps err to a *StatusError, or nil.
func AsStatusError(err error) *StatusError {
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
