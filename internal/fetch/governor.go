package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Governor spaces outgoing HTTP requests: every request pays a random
// jitter, and once the recent request rate crosses the configured
// threshold an adaptive penalty grows with the overage. It deliberately
// has no per-host state; the crawl-delay throttle handles politeness,
// this only smooths our own burst profile.
type Governor struct {
	mu        sync.Mutex
	rnd       *rand.Rand
	recent    []time.Time
	window    time.Duration
	threshold int
	scale     time.Duration
	jitterMin time.Duration
	jitterMax time.Duration
	maxExtra  time.Duration
	now       func() time.Time
}

// GovernorConfig tunes a Governor.
type GovernorConfig struct {
	Window    time.Duration // sliding window for rate measurement
	Threshold int           // requests per window before penalties start
	Scale     time.Duration // penalty added per request of overage
	JitterMin time.Duration
	JitterMax time.Duration
}

// NewGovernor builds a Governor with sane defaults for zero fields.
func NewGovernor(cfg GovernorConfig) *Governor {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 30
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 250 * time.Millisecond
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	return &Governor{
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		window:    cfg.Window,
		threshold: cfg.Threshold,
		scale:     cfg.Scale,
		jitterMin: cfg.JitterMin,
		jitterMax: cfg.JitterMax,
		maxExtra:  5 * time.Second,
		now:       time.Now,
	}
}

// Delay computes and records the pause owed before the next request.
func (g *Governor) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)
	kept := g.recent[:0]
	for _, t := range g.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.recent = append(kept, now)

	d := g.jitterMin
	if spread := g.jitterMax - g.jitterMin; spread > 0 {
		d += time.Duration(g.rnd.Int63n(int64(spread)))
	}
	if overage := len(g.recent) - g.threshold; overage > 0 {
		extra := g.scale * time.Duration(overage)
		if extra > g.maxExtra {
			extra = g.maxExtra
		}
		d += extra
	}
	return d
}

// Wait blocks for the computed delay, honoring ctx cancellation.
func (g *Governor) Wait(ctx context.Context) error {
	return sleep(ctx, g.Delay())
}
