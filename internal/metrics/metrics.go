// Package metrics registers the Prometheus instruments shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CrawlsTotal counts finished crawl operations by outcome.
	CrawlsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagevault_crawls_total",
		Help: "Finished crawl operations partitioned by outcome.",
	}, []string{"outcome"})

	// FetchAttemptsTotal counts individual fetch attempts by strategy.
	FetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagevault_fetch_attempts_total",
		Help: "Fetch attempts partitioned by strategy (http or browser).",
	}, []string{"strategy"})

	// FetchRetriesTotal counts retried fetch attempts.
	FetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagevault_fetch_retries_total",
		Help: "Fetch attempts that were retried after a transient error.",
	})

	// RobotsDeniedTotal counts crawls refused by robots.txt.
	RobotsDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagevault_robots_denied_total",
		Help: "Crawl requests denied by robots.txt policy.",
	})

	// PoolPages tracks the number of pages currently owned by the browser pool.
	PoolPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagevault_pool_pages",
		Help: "Pages currently owned by the browser page pool.",
	})

	// PoolCapacity tracks the pool's dynamic capacity.
	PoolCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagevault_pool_capacity",
		Help: "Current dynamic capacity of the browser page pool.",
	})

	// BrowserRestartsTotal counts full browser teardown/relaunch cycles.
	BrowserRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagevault_browser_restarts_total",
		Help: "Browser restarts partitioned by reason (health or scheduled).",
	}, []string{"reason"})

	// BatchesTotal counts batches reaching a terminal status.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagevault_batches_total",
		Help: "Batch jobs reaching a terminal status.",
	}, []string{"status"})

	// ArtifactBytesTotal counts bytes written to the artifact store.
	ArtifactBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagevault_artifact_bytes_total",
		Help: "Bytes written to the artifact store.",
	})
)
