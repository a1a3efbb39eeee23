// Package crawl composes robots policy, fetch strategy, and content
// extraction into a single crawl operation.
package crawl

import (
	"context"
	"time"
)

// FetchMode selects the fetch strategy for a request.
type FetchMode string

// Fetch modes. HTTP is the default; browser mode renders JavaScript.
const (
	ModeHTTP    FetchMode = "http"
	ModeBrowser FetchMode = "browser"
)

// Settings are the per-request knobs a caller may override.
type Settings struct {
	Mode          FetchMode
	Timeout       time.Duration
	RespectRobots bool
}

// Request is one URL to capture.
type Request struct {
	TaskID   string
	URL      string
	Settings Settings
}

// Result is the terminal outcome of one crawl. Images and Links carry
// the absolutized URLs kept by extraction.
type Result struct {
	Success        bool
	Content        string
	Title          string
	Images         []string
	Links          []string
	Error          string
	StatusCode     int
	ResponseTimeMs int64
}

// Recorder receives status transitions and crawl results. Calls are
// fire-and-forget: the orchestrator logs failures and never lets them
// fail the crawl itself. A successful result is not yet terminal when
// recorded; the caller finalizes the task once its artifact resolves.
type Recorder interface {
	MarkProcessing(ctx context.Context, taskID string) error
	RecordResult(ctx context.Context, taskID string, result Result) error
}
