package crawl

import (
	"context"
	"fmt"
	"net/url"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/extract"
	"github.com/pagevault/pagevault/internal/fetch"
	"github.com/pagevault/pagevault/internal/metrics"
	"github.com/pagevault/pagevault/internal/robots"
)

// Orchestrator runs one URL through the full pipeline: robots gate,
// crawl-delay, fetch with retries, extraction, quality check.
type Orchestrator struct {
	policy     robots.Policy
	httpFetch  fetch.Fetcher
	browser    fetch.Fetcher // nil when the browser pool failed to start
	retry      fetch.RetryPolicy
	extractor  *extract.Extractor
	throttle   *hostThrottle
	recorder   Recorder
	minContent int
	logger     *zap.Logger
}

// Config wires an Orchestrator.
type Config struct {
	Policy         robots.Policy
	HTTPFetcher    fetch.Fetcher
	BrowserFetcher fetch.Fetcher
	Retry          fetch.RetryPolicy
	Extractor      *extract.Extractor
	Recorder       Recorder
	MinContentLen  int
}

// New builds an Orchestrator.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Policy == nil {
		cfg.Policy = robots.AllowAll{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = fetch.DefaultRetryPolicy()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extract.New(0)
	}
	if cfg.MinContentLen <= 0 {
		cfg.MinContentLen = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		policy:     cfg.Policy,
		httpFetch:  cfg.HTTPFetcher,
		browser:    cfg.BrowserFetcher,
		retry:      cfg.Retry,
		extractor:  cfg.Extractor,
		throttle:   newHostThrottle(),
		recorder:   cfg.Recorder,
		minContent: cfg.MinContentLen,
		logger:     logger,
	}
}

// Crawl captures one URL and records the outcome. The returned Result
// is terminal; transient errors have already been retried away or given
// up on.
func (o *Orchestrator) Crawl(ctx context.Context, req Request) Result {
	log := o.logger.With(zap.String("task_id", req.TaskID), zap.String("url", req.URL))

	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return o.finish(ctx, log, req, Result{Error: fmt.Sprintf("invalid url: %s", req.URL)}, "invalid")
	}

	o.markProcessing(ctx, log, req.TaskID)

	if req.Settings.RespectRobots {
		verdict := o.policy.Check(ctx, req.URL)
		if !verdict.Allowed {
			metrics.RobotsDeniedTotal.Inc()
			return o.finish(ctx, log, req, Result{Error: "blocked by robots.txt"}, "denied")
		}
		if err := o.throttle.Wait(ctx, parsed.Host, verdict.CrawlDelay); err != nil {
			return o.finish(ctx, log, req, Result{Error: fmt.Sprintf("crawl-delay wait: %v", err)}, "failure")
		}
	}

	fetcher, err := o.selectFetcher(req.Settings.Mode)
	if err != nil {
		return o.finish(ctx, log, req, Result{Error: err.Error()}, "failure")
	}

	raw, err := o.retry.Do(ctx, func(attemptCtx context.Context) (fetch.RawResult, error) {
		return fetcher.Fetch(attemptCtx, req.URL, fetch.Options{Timeout: req.Settings.Timeout})
	})
	if err != nil {
		res := Result{
			Error:          fmt.Sprintf("fetch failed: %v", err),
			ResponseTimeMs: raw.Duration.Milliseconds(),
		}
		if se := fetch.AsStatusError(err); se != nil {
			res.StatusCode = se.Code
		}
		return o.finish(ctx, log, req, res, "failure")
	}

	extraction, err := o.extractor.Extract(raw.HTML, raw.FinalURL)
	if err != nil {
		return o.finish(ctx, log, req, Result{
			Error:          fmt.Sprintf("extract failed: %v", err),
			StatusCode:     raw.StatusCode,
			ResponseTimeMs: raw.Duration.Milliseconds(),
		}, "failure")
	}

	if utf8.RuneCountInString(extraction.Text) < o.minContent {
		return o.finish(ctx, log, req, Result{
			Error:          "insufficient content after extraction",
			StatusCode:     raw.StatusCode,
			ResponseTimeMs: raw.Duration.Milliseconds(),
		}, "failure")
	}

	return o.finish(ctx, log, req, Result{
		Success:        true,
		Content:        extraction.Content,
		Title:          extraction.Title,
		Images:         extraction.Images,
		Links:          extraction.Links,
		StatusCode:     raw.StatusCode,
		ResponseTimeMs: raw.Duration.Milliseconds(),
	}, "success")
}

func (o *Orchestrator) selectFetcher(mode FetchMode) (fetch.Fetcher, error) {
	switch mode {
	case ModeBrowser:
		if o.browser == nil {
			return nil, fmt.Errorf("browser mode unavailable")
		}
		return o.browser, nil
	case ModeHTTP, "":
		if o.httpFetch == nil {
			return nil, fmt.Errorf("http fetcher not configured")
		}
		return o.httpFetch, nil
	default:
		return nil, fmt.Errorf("unknown fetch mode %q", mode)
	}
}

func (o *Orchestrator) markProcessing(ctx context.Context, log *zap.Logger, taskID string) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.MarkProcessing(ctx, taskID); err != nil {
		log.Warn("mark processing failed", zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, req Request, res Result, outcome string) Result {
	metrics.CrawlsTotal.WithLabelValues(outcome).Inc()
	if res.Success {
		log.Info("crawl completed",
			zap.Int("status", res.StatusCode),
			zap.Int64("ms", res.ResponseTimeMs),
			zap.Int("content_len", len(res.Content)),
		)
	} else {
		log.Info("crawl failed", zap.String("reason", res.Error))
	}
	if o.recorder != nil {
		if err := o.recorder.RecordResult(ctx, req.TaskID, res); err != nil {
			log.Warn("record result failed", zap.Error(err))
		}
	}
	return res
}
