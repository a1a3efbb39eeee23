package crawl

import (
	"context"
	"strings"
	"sync"
	"time"
)

// hostThrottle enforces per-host crawl-delay: if less time than required
// has elapsed since the last request to a host, the caller waits out the
// remainder. The slot is reserved under the lock so concurrent crawlers
// to the same host queue up instead of firing together.
type hostThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func newHostThrottle() *hostThrottle {
	return &hostThrottle{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Wait blocks until the host's crawl-delay has elapsed since its last
// reserved request.
func (t *hostThrottle) Wait(ctx context.Context, host string, delay time.Duration) error {
	if host == "" || delay <= 0 {
		return nil
	}
	key := strings.ToLower(host)

	t.mu.Lock()
	now := t.now()
	earliest := now
	if prev, ok := t.last[key]; ok {
		if next := prev.Add(delay); next.After(now) {
			earliest = next
		}
	}
	t.last[key] = earliest
	t.mu.Unlock()

	wait := earliest.Sub(now)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
