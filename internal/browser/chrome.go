package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ChromeConfig controls the managed Chrome process.
type ChromeConfig struct {
	Headless  bool
	UserAgent string
}

// NewChromeLauncher returns a Launcher that starts a dedicated headless
// Chrome process via chromedp. Every launch produces an independent
// process so a pool restart fully discards corrupted browser state.
func NewChromeLauncher(cfg ChromeConfig) Launcher {
	return func(ctx context.Context) (Browser, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("no-first-run", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}

		allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)

		// Warm up so the process is actually started and faulted in now
		// rather than on the first real navigation.
		warmCtx, warmCancel := context.WithTimeout(browserCtx, 30*time.Second)
		err := chromedp.Run(warmCtx, chromedp.Navigate("about:blank"))
		warmCancel()
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}

		return &chromeBrowser{
			browserCtx:    browserCtx,
			browserCancel: browserCancel,
			allocCancel:   allocCancel,
		}, nil
	}
}

type chromeBrowser struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func (b *chromeBrowser) NewPage(ctx context.Context) (PageHandle, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	runCtx, cancel := context.WithTimeout(tabCtx, 15*time.Second)
	err := chromedp.Run(runCtx, chromedp.Navigate("about:blank"))
	cancel()
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	if err := ctx.Err(); err != nil {
		tabCancel()
		return nil, err
	}
	return &chromeTab{tabCtx: tabCtx, tabCancel: tabCancel}, nil
}

// Ping verifies the DevTools connection is still answering.
func (b *chromeBrowser) Ping(ctx context.Context) error {
	runCtx, cancel := mergeDeadline(b.browserCtx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(c context.Context) error {
		_, getErr := target.GetTargets().Do(c)
		return getErr
	}))
	if err != nil {
		return fmt.Errorf("ping browser: %w", err)
	}
	return nil
}

func (b *chromeBrowser) Close() error {
	b.browserCancel()
	b.allocCancel()
	return nil
}

type chromeTab struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
}

func (t *chromeTab) TabContext() context.Context {
	return t.tabCtx
}

// Reset stops any in-flight load and wipes cookies and origin storage so
// the tab carries nothing across requests.
func (t *chromeTab) Reset(ctx context.Context) error {
	runCtx, cancel := mergeDeadline(t.tabCtx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.ActionFunc(func(c context.Context) error {
			return page.StopLoading().Do(c)
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			return network.ClearBrowserCookies().Do(c)
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			return storage.ClearDataForOrigin("*", "all").Do(c)
		}),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		return fmt.Errorf("reset tab: %w", err)
	}
	return nil
}

func (t *chromeTab) Close() error {
	t.tabCancel()
	return nil
}

// mergeDeadline runs chromedp work on its owning context while honoring
// the caller's deadline.
func mergeDeadline(base, caller context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := caller.Deadline(); ok {
		return context.WithDeadline(base, deadline)
	}
	return context.WithCancel(base)
}

var (
	_ Browser    = (*chromeBrowser)(nil)
	_ PageHandle = (*chromeTab)(nil)
)
