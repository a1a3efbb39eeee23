// Package robots caches and enforces per-host robots.txt policy.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBytes = 1 << 20

// Verdict is the policy answer for one URL: whether it may be fetched
// and how long to pause before hitting the same host again.
type Verdict struct {
	Allowed    bool
	CrawlDelay time.Duration
}

// Policy answers robots.txt questions for URLs.
type Policy interface {
	Check(ctx context.Context, rawURL string) Verdict
}

// AllowAll ignores robots.txt entirely.
type AllowAll struct{}

// Check implements Policy.
func (AllowAll) Check(context.Context, string) Verdict { return Verdict{Allowed: true} }

// Cache fetches robots.txt once per host and serves policy decisions
// from memory until the entry expires. Unreachable or error-status
// robots files fail open: the temporary absence of a policy file is not
// a prohibition.
type Cache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

// Config tunes the robots cache.
type Config struct {
	UserAgent string
	TTL       time.Duration
	Timeout   time.Duration
}

// NewCache builds a robots.txt cache.
func NewCache(cfg Config, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pagevault"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		ttl:       cfg.TTL,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// Check reports whether rawURL may be fetched under the host's
// robots.txt and the crawl delay owed to that host. Unparseable URLs
// are denied; policy-fetch failures allow.
func (c *Cache) Check(ctx context.Context, rawURL string) Verdict {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return Verdict{Allowed: false}
	}
	data := c.load(ctx, parsed)
	group := data.FindGroup(c.userAgent)
	if group == nil {
		return Verdict{Allowed: true}
	}
	p := parsed.Path
	if p == "" {
		p = "/"
	}
	// Patterns may match on the query string too.
	if parsed.RawQuery != "" {
		p += "?" + parsed.RawQuery
	}
	return Verdict{
		Allowed:    group.Test(p),
		CrawlDelay: group.CrawlDelay,
	}
}

func (c *Cache) load(ctx context.Context, parsed *url.URL) *robotstxt.RobotsData {
	hostKey := strings.ToLower(parsed.Host)

	c.mu.RLock()
	cached, ok := c.entries[hostKey]
	c.mu.RUnlock()
	if ok && time.Since(cached.fetched) < c.ttl {
		return cached.data
	}

	// Concurrent misses may fetch the same file; last write wins and
	// both callers see equivalent policy.
	data, err := c.fetch(ctx, parsed)
	if err != nil {
		c.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", hostKey), zap.Error(err))
		data = allowAllData()
	}

	c.mu.Lock()
	c.entries[hostKey] = &entry{data: data, fetched: time.Now()}
	c.mu.Unlock()
	return data
}

func (c *Cache) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   path.Join("/", "robots.txt"),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("robots status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func allowAllData() *robotstxt.RobotsData {
	data, err := robotstxt.FromBytes(nil)
	if err != nil {
		// Empty input never fails to parse.
		panic(fmt.Sprintf("parse empty robots: %v", err))
	}
	return data
}

var (
	_ Policy = (*Cache)(nil)
	_ Policy = AllowAll{}
)
