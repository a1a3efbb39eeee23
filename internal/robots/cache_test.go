package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCacheDisallowAndCrawlDelay(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			return
		}
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\nCrawl-delay: 2\n")
	}))
	defer srv.Close()

	cache := NewCache(Config{UserAgent: "test-agent"}, zap.NewNop())
	ctx := context.Background()

	v := cache.Check(ctx, srv.URL+"/public/page")
	if !v.Allowed {
		t.Fatal("expected public path to be allowed")
	}
	if v.CrawlDelay != 2*time.Second {
		t.Fatalf("CrawlDelay = %v, want 2s", v.CrawlDelay)
	}

	if cache.Check(ctx, srv.URL+"/private/page").Allowed {
		t.Fatal("expected private path to be denied")
	}
}

func TestCacheMatchesQueryString(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /*?print\n")
	}))
	defer srv.Close()

	cache := NewCache(Config{UserAgent: "test-agent"}, zap.NewNop())
	ctx := context.Background()

	if !cache.Check(ctx, srv.URL+"/page").Allowed {
		t.Fatal("expected plain path to be allowed")
	}
	if cache.Check(ctx, srv.URL+"/page?print=1").Allowed {
		t.Fatal("expected query-matching pattern to deny")
	}
}

func TestCacheAgentSpecificGroup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: badbot\nDisallow: /\n\nUser-agent: *\nDisallow:\n")
	}))
	defer srv.Close()

	ctx := context.Background()
	if NewCache(Config{UserAgent: "badbot"}, zap.NewNop()).Check(ctx, srv.URL+"/x").Allowed {
		t.Fatal("expected named agent to be denied")
	}
	if !NewCache(Config{UserAgent: "goodbot"}, zap.NewNop()).Check(ctx, srv.URL+"/x").Allowed {
		t.Fatal("expected wildcard group to allow")
	}
}

func TestCacheFetchesOncePerHost(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, "User-agent: *\nDisallow: /blocked\n")
	}))
	defer srv.Close()

	cache := NewCache(Config{UserAgent: "test-agent", TTL: time.Hour}, zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		cache.Check(ctx, fmt.Sprintf("%s/page/%d", srv.URL, i))
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("robots fetched %d times, want 1", n)
	}
}

func TestCacheFailsOpen(t *testing.T) {
	t.Parallel()

	// 500 from robots.txt means no usable policy, which must not block.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := NewCache(Config{UserAgent: "test-agent"}, zap.NewNop())
	if !cache.Check(context.Background(), srv.URL+"/anything").Allowed {
		t.Fatal("expected fail-open on robots server error")
	}

	// Unreachable host is the same story.
	down := NewCache(Config{UserAgent: "test-agent", Timeout: 200 * time.Millisecond}, zap.NewNop())
	if !down.Check(context.Background(), "http://127.0.0.1:1/page").Allowed {
		t.Fatal("expected fail-open on unreachable robots host")
	}
}

func TestCacheNotFoundMeansUnrestricted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := NewCache(Config{UserAgent: "test-agent"}, zap.NewNop())
	if !cache.Check(context.Background(), srv.URL+"/anything").Allowed {
		t.Fatal("expected 404 robots to allow everything")
	}
}

func TestCacheDeniesUnparseableURL(t *testing.T) {
	t.Parallel()

	cache := NewCache(Config{UserAgent: "test-agent"}, zap.NewNop())
	if cache.Check(context.Background(), "::not-a-url").Allowed {
		t.Fatal("expected malformed URL to be denied")
	}
}
