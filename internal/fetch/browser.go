package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagevault/pagevault/internal/browser"
	"github.com/pagevault/pagevault/internal/metrics"
)

// stealthScript masks the most common headless fingerprints before any
// page script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
window.chrome = window.chrome || { runtime: {} };
`

// BrowserFetcher renders pages with real browser sessions drawn from a
// shared pool. Sessions are recycled on success and destroyed on
// connection-level failure so a wedged tab never serves two requests.
type BrowserFetcher struct {
	pool           *browser.Pool
	rotator        *HeaderRotator
	domainQPS      float64
	domainLimiters sync.Map
	timeout        time.Duration
	logger         *zap.Logger
}

// BrowserFetcherConfig tunes the browser strategy.
type BrowserFetcherConfig struct {
	Timeout   time.Duration
	DomainQPS float64
}

// NewBrowserFetcher constructs the headless rendering strategy on top of
// an existing page pool.
func NewBrowserFetcher(pool *browser.Pool, cfg BrowserFetcherConfig, logger *zap.Logger) *BrowserFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &BrowserFetcher{
		pool:      pool,
		rotator:   NewHeaderRotator(time.Now().UnixNano()),
		domainQPS: cfg.DomainQPS,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Fetch renders rawURL in a pooled page and returns the live DOM.
func (f *BrowserFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (RawResult, error) {
	if err := f.waitDomainBudget(ctx, rawURL); err != nil {
		return RawResult{}, fmt.Errorf("render rate limit: %w", err)
	}
	metrics.FetchAttemptsTotal.WithLabelValues("browser").Inc()

	pg, err := f.pool.Acquire(ctx)
	if err != nil {
		return RawResult{}, fmt.Errorf("acquire page: %w", err)
	}

	raw, err := f.render(ctx, pg, rawURL, opts)
	if err != nil {
		if tabReusable(err) {
			f.pool.Release(pg)
		} else {
			// Connection or navigation failure: the tab state cannot be
			// trusted, so it is destroyed rather than recycled.
			f.pool.Discard(pg)
		}
		return RawResult{}, err
	}
	f.pool.Release(pg)
	return raw, nil
}

// tabReusable reports whether the tab can go back to the pool after a
// render error. A navigation that completed and merely returned an
// error status leaves the tab healthy; everything else poisons it.
func tabReusable(err error) bool {
	return AsStatusError(err) != nil
}

func (f *BrowserFetcher) render(ctx context.Context, pg *browser.PooledPage, rawURL string, opts Options) (RawResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}

	tabCtx := pg.TabContext()
	// The outer budget allows the slow-path fallback wait.
	runCtx, cancel := context.WithTimeout(tabCtx, 2*timeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	profile, lang := f.rotator.Pick()
	meta := newResponseMeta()
	domReady := make(chan struct{})
	loaded := make(chan struct{})
	var domOnce, loadOnce sync.Once
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		switch resp := ev.(type) {
		case *network.EventResponseReceived:
			meta.capture(resp)
		case *page.EventDomContentEventFired:
			domOnce.Do(func() { close(domReady) })
		case *page.EventLoadEventFired:
			loadOnce.Do(func() { close(loaded) })
		}
	})

	extra := network.Headers{"Accept-Language": lang}
	if opts.Referer != "" {
		extra["Referer"] = opts.Referer
	}

	start := time.Now()
	var html, finalURL string
	err := chromedp.Run(runCtx,
		network.Enable(),
		emulation.SetDeviceMetricsOverride(1366, 768, 1.0, false),
		f.identityAction(profile, lang),
		network.SetExtraHTTPHeaders(extra),
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(c)
			return err
		}),
		f.navigateAction(rawURL, timeout, domReady, loaded),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return RawResult{}, fmt.Errorf("render %s: %w", rawURL, err)
	}

	if meta.statusCode >= 400 {
		return RawResult{}, &StatusError{Code: meta.statusCode}
	}
	status := meta.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	if finalURL == "" {
		finalURL = rawURL
	}
	return RawResult{
		HTML:       []byte(html),
		StatusCode: status,
		Headers:    meta.headers,
		FinalURL:   finalURL,
		Duration:   time.Since(start),
	}, nil
}

func (f *BrowserFetcher) identityAction(profile HeaderProfile, lang string) chromedp.Action {
	return chromedp.ActionFunc(func(c context.Context) error {
		action := emulation.SetUserAgentOverride(profile.UserAgent).
			WithAcceptLanguage(lang)
		if profile.Platform != "" {
			action = action.WithPlatform(strings.Trim(profile.Platform, `"`))
		}
		if err := action.Do(c); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// navigateAction starts the navigation and waits in two tiers: the fast
// path is DOMContentLoaded within the timeout; if that never fires the
// slow path waits for the full load event with a doubled budget.
func (f *BrowserFetcher) navigateAction(rawURL string, timeout time.Duration, domReady, loaded <-chan struct{}) chromedp.Action {
	return chromedp.ActionFunc(func(c context.Context) error {
		_, _, errText, _, err := page.Navigate(rawURL).Do(c)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if errText != "" {
			return fmt.Errorf("navigate: %s", errText)
		}

		fast := time.NewTimer(timeout)
		defer fast.Stop()
		select {
		case <-domReady:
			return nil
		case <-c.Done():
			return c.Err()
		case <-fast.C:
		}

		slow := time.NewTimer(timeout)
		defer slow.Stop()
		select {
		case <-loaded:
			return nil
		case <-domReady:
			return nil
		case <-c.Done():
			return c.Err()
		case <-slow.C:
			return fmt.Errorf("navigation timeout after %s: %s", 2*timeout, rawURL)
		}
	})
}

func (f *BrowserFetcher) waitDomainBudget(ctx context.Context, rawURL string) error {
	if f.domainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := f.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(f.domainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	return limiter.Wait(ctx)
}

type responseMeta struct {
	once       sync.Once
	statusCode int
	headers    http.Header
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: make(http.Header)}
}

func (m *responseMeta) capture(resp *network.EventResponseReceived) {
	if resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.once.Do(func() {
		m.statusCode = int(resp.Response.Status)
		for k, v := range resp.Response.Headers {
			m.headers.Add(k, fmt.Sprint(v))
		}
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

var _ Fetcher = (*BrowserFetcher)(nil)
