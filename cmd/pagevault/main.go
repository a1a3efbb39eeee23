// Command pagevault runs the capture service: an HTTP API over the
// crawl-and-archive pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/api"
	"github.com/pagevault/pagevault/internal/artifact"
	"github.com/pagevault/pagevault/internal/batch"
	"github.com/pagevault/pagevault/internal/browser"
	"github.com/pagevault/pagevault/internal/config"
	"github.com/pagevault/pagevault/internal/crawl"
	"github.com/pagevault/pagevault/internal/extract"
	"github.com/pagevault/pagevault/internal/fetch"
	"github.com/pagevault/pagevault/internal/logging"
	"github.com/pagevault/pagevault/internal/robots"
	"github.com/pagevault/pagevault/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pagevault: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskStore, closeStore, err := buildTaskStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	artifactStore, err := buildArtifactStore(ctx, cfg.Artifact)
	if err != nil {
		return err
	}

	httpFetcher := fetch.NewHTTPFetcher(fetch.HTTPFetcherConfig{
		Timeout: cfg.Crawler.RequestTimeout,
		Governor: fetch.GovernorConfig{
			Threshold: cfg.HTTP.GovernorRate,
			Scale:     cfg.HTTP.GovernorScale,
			JitterMin: cfg.HTTP.JitterMin,
			JitterMax: cfg.HTTP.JitterMax,
		},
	}, logger.Named("http"))

	// The browser pool is optional at startup: without a working Chrome
	// the service still serves http-mode crawls.
	var browserFetcher fetch.Fetcher
	pool, err := browser.New(browser.Config{
		MaxPages:        cfg.Pool.MaxPages,
		MinPages:        cfg.Pool.MinPages,
		HealthInterval:  cfg.Pool.HealthInterval,
		RestartInterval: cfg.Pool.RestartInterval,
		MonitorInterval: cfg.Pool.MonitorInterval,
		MemoryBaseMB:    cfg.Pool.MemoryBaseMB,
		MemoryPerPageMB: cfg.Pool.MemoryPerPageMB,
	}, browser.NewChromeLauncher(browser.ChromeConfig{
		Headless:  cfg.Pool.Headless,
		UserAgent: cfg.Crawler.UserAgent,
	}), logger.Named("pool"))
	if err != nil {
		logger.Warn("browser pool unavailable; browser mode disabled", zap.Error(err))
	} else {
		defer func() {
			if closeErr := pool.Close(); closeErr != nil {
				logger.Warn("close browser pool failed", zap.Error(closeErr))
			}
		}()
		browserFetcher = fetch.NewBrowserFetcher(pool, fetch.BrowserFetcherConfig{
			Timeout:   cfg.Crawler.RequestTimeout,
			DomainQPS: cfg.Pool.DomainQPS,
		}, logger.Named("browser"))
	}

	var policy robots.Policy = robots.AllowAll{}
	if cfg.Crawler.RespectRobots {
		policy = robots.NewCache(robots.Config{
			UserAgent: cfg.Crawler.UserAgent,
			TTL:       cfg.Crawler.RobotsTTL,
		}, logger.Named("robots"))
	}

	orchestrator := crawl.New(crawl.Config{
		Policy:         policy,
		HTTPFetcher:    httpFetcher,
		BrowserFetcher: browserFetcher,
		Retry: fetch.RetryPolicy{
			MaxAttempts: cfg.Crawler.MaxAttempts,
			BaseDelay:   cfg.Crawler.BackoffBase,
		},
		Extractor:     extract.New(cfg.Crawler.MinContentLen),
		Recorder:      crawl.NewStoreRecorder(taskStore),
		MinContentLen: cfg.Crawler.MinContentLen,
	}, logger.Named("crawl"))

	defaults := crawl.Settings{
		Mode:          crawl.FetchMode(cfg.Crawler.Mode),
		Timeout:       cfg.Crawler.RequestTimeout,
		RespectRobots: cfg.Crawler.RespectRobots,
	}
	scheduler := batch.NewScheduler(batch.Config{
		Crawler:         orchestrator,
		Renderer:        artifact.NewDocumentRenderer(artifactStore),
		Archiver:        artifact.NewArchiver(artifactStore),
		Store:           taskStore,
		DefaultSettings: defaults,
	}, logger.Named("batch"))

	server := api.NewServer(api.Config{
		Store:              taskStore,
		Scheduler:          scheduler,
		Artifacts:          artifactStore,
		DefaultSettings:    defaults,
		DefaultConcurrency: cfg.Batch.DefaultConcurrency,
		RequestTimeout:     cfg.Server.RequestTimeout,
		BaseContext:        ctx,
	}, logger.Named("api"))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildTaskStore(ctx context.Context, cfg config.StorageConfig) (store.TaskStore, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func buildArtifactStore(ctx context.Context, cfg config.ArtifactConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return artifact.NewGCSStore(client, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return artifact.NewLocalStore(cfg.Dir)
	}
}
