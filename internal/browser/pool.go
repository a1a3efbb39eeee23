// Package browser manages a bounded, reusable pool of headless-browser
// page handles backed by a single browser process, with health checks,
// memory-adaptive sizing, and scheduled renewal.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/metrics"
)

// PageState tracks the lifecycle of one pooled page.
type PageState int

// Page states. A page is never handed to two concurrent operations; it
// returns to Free only after a successful reset and is Closed forever on
// reset failure, connection error, or capacity eviction.
const (
	PageFree PageState = iota
	PageInUse
	PageClosed
)

// Pool errors.
var (
	ErrPoolClosed         = errors.New("page pool closed")
	ErrBrowserUnavailable = errors.New("browser unavailable")
	errBrowserRestarted   = errors.New("browser restarted")
)

// PageHandle is the browser-facing side of one page/tab.
type PageHandle interface {
	// Reset halts activity and clears all page state so the handle can
	// be reused for an unrelated request.
	Reset(ctx context.Context) error
	// TabContext exposes the page's execution context for navigation.
	TabContext() context.Context
	// Close releases the underlying tab.
	Close() error
}

// Browser is one live browser process.
type Browser interface {
	NewPage(ctx context.Context) (PageHandle, error)
	Ping(ctx context.Context) error
	Close() error
}

// Launcher starts a fresh browser process.
type Launcher func(ctx context.Context) (Browser, error)

// PooledPage is a page owned by the pool.
type PooledPage struct {
	id        uint64
	gen       uint64
	createdAt time.Time
	state     PageState
	handle    PageHandle
}

// TabContext exposes the page's execution context to the fetcher.
func (p *PooledPage) TabContext() context.Context {
	return p.handle.TabContext()
}

// Config tunes the pool.
type Config struct {
	MaxPages        int
	MinPages        int
	HealthInterval  time.Duration
	RestartInterval time.Duration
	MonitorInterval time.Duration
	ResetTimeout    time.Duration
	PingTimeout     time.Duration
	MemoryBaseMB    int
	MemoryPerPageMB int
}

func (c *Config) setDefaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 8
	}
	if c.MinPages < 1 {
		c.MinPages = 2
	}
	if c.MinPages > c.MaxPages {
		c.MinPages = c.MaxPages
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.RestartInterval <= 0 {
		c.RestartInterval = time.Hour
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
}

// Pool owns the browser process and every page created from it. Raw
// handles never leave the pool except while checked out through Acquire.
type Pool struct {
	cfg     Config
	launch  Launcher
	sampler MemorySampler
	monitor *MemoryMonitor
	logger  *zap.Logger

	mu      sync.Mutex
	browser Browser
	free    []*PooledPage
	total   int
	dynMax  int
	gen     uint64
	nextID  uint64
	waiters []chan *PooledPage
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New launches the browser and starts the maintenance loops.
func New(cfg Config, launch Launcher, logger *zap.Logger) (*Pool, error) {
	return newPool(cfg, launch, SystemSampler, logger)
}

func newPool(cfg Config, launch Launcher, sampler MemorySampler, logger *zap.Logger) (*Pool, error) {
	cfg.setDefaults()
	if launch == nil {
		return nil, errors.New("launcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b, err := launch(context.Background())
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	p := &Pool{
		cfg:     cfg,
		launch:  launch,
		sampler: sampler,
		monitor: NewMemoryMonitor(cfg.MemoryBaseMB, cfg.MemoryPerPageMB, cfg.MaxPages),
		logger:  logger,
		browser: b,
		dynMax:  cfg.MaxPages,
		done:    make(chan struct{}),
	}
	metrics.PoolCapacity.Set(float64(p.dynMax))
	p.wg.Add(1)
	go p.maintenanceLoop()
	return p, nil
}

// Acquire returns an exclusive page, creating one if the pool is under
// its dynamic capacity, otherwise blocking until one frees up or ctx
// expires. Errors from a dying browser are transient by contract; the
// caller's retry ladder is expected to absorb them.
func (p *Pool) Acquire(ctx context.Context) (*PooledPage, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.free); n > 0 {
			pg := p.free[n-1]
			p.free = p.free[:n-1]
			pg.state = PageInUse
			p.mu.Unlock()
			return pg, nil
		}
		if p.browser == nil {
			p.mu.Unlock()
			return nil, ErrBrowserUnavailable
		}
		if p.total < p.dynMax {
			p.total++
			metrics.PoolPages.Set(float64(p.total))
			b := p.browser
			gen := p.gen
			p.nextID++
			id := p.nextID
			p.mu.Unlock()
			return p.spawn(ctx, b, gen, id)
		}
		w := make(chan *PooledPage, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.abandonWaiter(w)
			return nil, fmt.Errorf("acquire page: %w", ctx.Err())
		case pg := <-w:
			if pg != nil {
				return pg, nil
			}
			// Capacity or browser state changed; re-evaluate.
		}
	}
}

func (p *Pool) spawn(ctx context.Context, b Browser, gen, id uint64) (*PooledPage, error) {
	handle, err := b.NewPage(ctx)
	if err != nil {
		p.mu.Lock()
		if gen == p.gen {
			p.total--
			metrics.PoolPages.Set(float64(p.total))
		}
		p.notifyLocked(1)
		p.mu.Unlock()
		return nil, fmt.Errorf("create page: %w", err)
	}
	return &PooledPage{
		id:        id,
		gen:       gen,
		createdAt: time.Now(),
		state:     PageInUse,
		handle:    handle,
	}, nil
}

// Release resets the page and returns it to the free list. A failed
// reset closes the page permanently instead of recycling dirty state.
func (p *Pool) Release(pg *PooledPage) {
	if pg == nil {
		return
	}
	p.mu.Lock()
	stale := pg.gen != p.gen || p.closed
	p.mu.Unlock()
	if stale {
		p.closePage(pg)
		return
	}

	rctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	err := pg.handle.Reset(rctx)
	cancel()
	if err != nil {
		p.logger.Warn("page reset failed; closing page", zap.Uint64("page_id", pg.id), zap.Error(err))
		p.Discard(pg)
		return
	}

	p.mu.Lock()
	if pg.gen != p.gen || p.closed {
		p.mu.Unlock()
		p.closePage(pg)
		return
	}
	if p.total > p.dynMax {
		// Capacity shrank while this page was checked out.
		p.total--
		metrics.PoolPages.Set(float64(p.total))
		p.mu.Unlock()
		p.closePage(pg)
		return
	}
	if w := p.popWaiterLocked(); w != nil {
		pg.state = PageInUse
		p.mu.Unlock()
		w <- pg
		return
	}
	pg.state = PageFree
	p.free = append(p.free, pg)
	p.mu.Unlock()
}

// Discard closes a checked-out page without recycling it. Used after
// connection-level failures where the page state cannot be trusted.
func (p *Pool) Discard(pg *PooledPage) {
	if pg == nil {
		return
	}
	p.mu.Lock()
	if pg.gen == p.gen && !p.closed {
		p.total--
		metrics.PoolPages.Set(float64(p.total))
	}
	p.notifyLocked(1)
	p.mu.Unlock()
	p.closePage(pg)
}

func (p *Pool) closePage(pg *PooledPage) {
	if pg.state == PageClosed {
		return
	}
	pg.state = PageClosed
	if err := pg.handle.Close(); err != nil {
		p.logger.Debug("close page failed", zap.Uint64("page_id", pg.id), zap.Error(err))
	}
}

// popWaiterLocked removes and returns the oldest waiter, or nil.
func (p *Pool) popWaiterLocked() chan *PooledPage {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		return w
	}
	return nil
}

// notifyLocked wakes up to n waiters so they re-check pool state.
func (p *Pool) notifyLocked(n int) {
	for i := 0; i < n; i++ {
		w := p.popWaiterLocked()
		if w == nil {
			return
		}
		w <- nil
	}
}

func (p *Pool) abandonWaiter(w chan *PooledPage) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	// Already signalled: drain so a real page is not leaked.
	select {
	case pg := <-w:
		if pg != nil {
			p.Release(pg)
		}
	default:
	}
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	health := time.NewTicker(p.cfg.HealthInterval)
	restart := time.NewTicker(p.cfg.RestartInterval)
	monitor := time.NewTicker(p.cfg.MonitorInterval)
	defer health.Stop()
	defer restart.Stop()
	defer monitor.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-health.C:
			p.checkHealth()
		case <-restart.C:
			p.logger.Info("scheduled browser restart")
			p.restart("scheduled")
		case <-monitor.C:
			p.adaptCapacity()
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.Lock()
	b := p.browser
	p.mu.Unlock()
	if b == nil {
		// Previous relaunch failed; try again.
		p.restart("health")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PingTimeout)
	err := b.Ping(ctx)
	cancel()
	if err == nil {
		return
	}
	p.logger.Warn("browser health check failed; restarting", zap.Error(err))
	p.restart("health")
}

// restart tears down the browser and every pooled page, then relaunches.
// Checked-out pages belong to the old generation: their eventual
// Release/Discard closes them without touching the new accounting, and
// their in-flight operations surface as retryable session errors.
func (p *Pool) restart(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	old := p.browser
	orphans := p.free
	p.browser = nil
	p.free = nil
	p.total = 0
	p.gen++
	metrics.PoolPages.Set(0)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	for _, pg := range orphans {
		p.closePage(pg)
	}
	if old != nil {
		if err := old.Close(); err != nil {
			p.logger.Debug("close old browser failed", zap.Error(err))
		}
	}
	metrics.BrowserRestartsTotal.WithLabelValues(reason).Inc()

	b, err := p.launch(context.Background())
	if err != nil {
		p.logger.Error("browser relaunch failed", zap.Error(err))
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = b.Close()
		return
	}
	p.browser = b
	p.notifyLocked(len(p.waiters))
	p.mu.Unlock()
	p.logger.Info("browser restarted", zap.String("reason", reason))
}

// adaptCapacity feeds one memory sample through the monitor and applies
// the verdict, evicting the oldest free pages when shrinking.
func (p *Pool) adaptCapacity() {
	if p.sampler == nil {
		return
	}
	used, err := p.sampler()
	if err != nil {
		p.logger.Debug("memory sample failed", zap.Error(err))
		return
	}
	switch p.monitor.Observe(used) {
	case Shrink:
		p.resize(-1)
	case Grow:
		p.resize(+1)
	}
}

func (p *Pool) resize(delta int) {
	var evict []*PooledPage
	p.mu.Lock()
	target := p.dynMax + delta
	if target < p.cfg.MinPages {
		target = p.cfg.MinPages
	}
	if target > p.cfg.MaxPages {
		target = p.cfg.MaxPages
	}
	if target == p.dynMax {
		p.mu.Unlock()
		return
	}
	p.dynMax = target
	metrics.PoolCapacity.Set(float64(p.dynMax))
	if delta < 0 {
		for p.total > p.dynMax && len(p.free) > 0 {
			idx := oldestIndex(p.free)
			pg := p.free[idx]
			p.free = append(p.free[:idx], p.free[idx+1:]...)
			p.total--
			evict = append(evict, pg)
		}
		metrics.PoolPages.Set(float64(p.total))
	} else {
		p.notifyLocked(1)
	}
	p.mu.Unlock()

	for _, pg := range evict {
		p.closePage(pg)
	}
	p.logger.Info("pool capacity adjusted",
		zap.Int("capacity", target),
		zap.Int("evicted", len(evict)),
	)
}

func oldestIndex(pages []*PooledPage) int {
	oldest := 0
	for i, pg := range pages {
		if pg.createdAt.Before(pages[oldest].createdAt) {
			oldest = i
		}
	}
	return oldest
}

// Stats reports pool occupancy, mostly for tests and diagnostics.
func (p *Pool) Stats() (total, free, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, len(p.free), p.dynMax
}

// Close shuts the pool down, closing every page and the browser.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pages := p.free
	p.free = nil
	b := p.browser
	p.browser = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.done)
	for _, w := range waiters {
		w <- nil
	}
	for _, pg := range pages {
		p.closePage(pg)
	}
	p.wg.Wait()
	if b != nil {
		if err := b.Close(); err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
	}
	return nil
}
