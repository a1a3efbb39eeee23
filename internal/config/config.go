// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the pagevault service.
// All values originate from Viper so the service can be configured via
// files, env vars, or flags.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Crawler  CrawlerConfig
	HTTP     HTTPFetchConfig
	Pool     PoolConfig
	Batch    BatchConfig
	Storage  StorageConfig
	Artifact ArtifactConfig
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Port           int
	RequestTimeout time.Duration
}

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Development bool
}

// CrawlerConfig holds knobs shared by every crawl regardless of strategy.
type CrawlerConfig struct {
	UserAgent      string
	Mode           string // "http" or "browser"
	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	RespectRobots  bool
	RobotsTTL      time.Duration
	MinContentLen  int
}

// HTTPFetchConfig tunes the direct HTTP fetch strategy.
type HTTPFetchConfig struct {
	JitterMin     time.Duration
	JitterMax     time.Duration
	GovernorRate  int // requests per window before adaptive delay kicks in
	GovernorScale time.Duration
}

// PoolConfig tunes the browser page pool.
type PoolConfig struct {
	MaxPages        int
	MinPages        int
	HealthInterval  time.Duration
	RestartInterval time.Duration
	MonitorInterval time.Duration
	MemoryBaseMB    int
	MemoryPerPageMB int
	DomainQPS       float64
	Headless        bool
}

// BatchConfig tunes the batch scheduler.
type BatchConfig struct {
	DefaultConcurrency int
}

// StorageConfig selects the task store backend.
type StorageConfig struct {
	Backend     string // "memory" or "postgres"
	PostgresDSN string
}

// ArtifactConfig selects where rendered artifacts live.
type ArtifactConfig struct {
	Backend   string // "local" or "gcs"
	Dir       string
	GCSBucket string
	GCSPrefix string
}

// Load reads configuration from the optional path, the environment, and defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PAGEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Logging: LoggingConfig{
			Development: v.GetBool("logging.development"),
		},
		Crawler: CrawlerConfig{
			UserAgent:      v.GetString("crawler.user_agent"),
			Mode:           v.GetString("crawler.mode"),
			RequestTimeout: v.GetDuration("crawler.request_timeout"),
			MaxAttempts:    v.GetInt("crawler.max_attempts"),
			BackoffBase:    v.GetDuration("crawler.backoff_base"),
			RespectRobots:  v.GetBool("crawler.respect_robots"),
			RobotsTTL:      v.GetDuration("crawler.robots_ttl"),
			MinContentLen:  v.GetInt("crawler.min_content_len"),
		},
		HTTP: HTTPFetchConfig{
			JitterMin:     v.GetDuration("http.jitter_min"),
			JitterMax:     v.GetDuration("http.jitter_max"),
			GovernorRate:  v.GetInt("http.governor_rate"),
			GovernorScale: v.GetDuration("http.governor_scale"),
		},
		Pool: PoolConfig{
			MaxPages:        v.GetInt("pool.max_pages"),
			MinPages:        v.GetInt("pool.min_pages"),
			HealthInterval:  v.GetDuration("pool.health_interval"),
			RestartInterval: v.GetDuration("pool.restart_interval"),
			MonitorInterval: v.GetDuration("pool.monitor_interval"),
			MemoryBaseMB:    v.GetInt("pool.memory_base_mb"),
			MemoryPerPageMB: v.GetInt("pool.memory_per_page_mb"),
			DomainQPS:       v.GetFloat64("pool.domain_qps"),
			Headless:        v.GetBool("pool.headless"),
		},
		Batch: BatchConfig{
			DefaultConcurrency: v.GetInt("batch.default_concurrency"),
		},
		Storage: StorageConfig{
			Backend:     v.GetString("storage.backend"),
			PostgresDSN: v.GetString("storage.postgres_dsn"),
		},
		Artifact: ArtifactConfig{
			Backend:   v.GetString("artifact.backend"),
			Dir:       v.GetString("artifact.dir"),
			GCSBucket: v.GetString("artifact.gcs_bucket"),
			GCSPrefix: v.GetString("artifact.gcs_prefix"),
		},
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("crawler.mode", "http")
	v.SetDefault("crawler.request_timeout", 30*time.Second)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.backoff_base", time.Second)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_ttl", 24*time.Hour)
	v.SetDefault("crawler.min_content_len", 100)
	v.SetDefault("http.jitter_min", 100*time.Millisecond)
	v.SetDefault("http.jitter_max", 600*time.Millisecond)
	v.SetDefault("http.governor_rate", 30)
	v.SetDefault("http.governor_scale", 250*time.Millisecond)
	v.SetDefault("pool.max_pages", 8)
	v.SetDefault("pool.min_pages", 2)
	v.SetDefault("pool.health_interval", 30*time.Second)
	v.SetDefault("pool.restart_interval", time.Hour)
	v.SetDefault("pool.monitor_interval", 10*time.Second)
	v.SetDefault("pool.memory_base_mb", 512)
	v.SetDefault("pool.memory_per_page_mb", 150)
	v.SetDefault("pool.domain_qps", 1.0)
	v.SetDefault("pool.headless", true)
	v.SetDefault("batch.default_concurrency", 3)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("artifact.backend", "local")
	v.SetDefault("artifact.dir", "./artifacts")
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Crawler.Mode != "http" && c.Crawler.Mode != "browser" {
		return fmt.Errorf("crawler.mode must be http or browser, got %q", c.Crawler.Mode)
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.Crawler.BackoffBase <= 0 {
		return fmt.Errorf("crawler.backoff_base must be > 0")
	}
	if c.Crawler.RobotsTTL <= 0 {
		return fmt.Errorf("crawler.robots_ttl must be > 0")
	}
	if c.HTTP.JitterMax < c.HTTP.JitterMin {
		return fmt.Errorf("http.jitter_max must be >= http.jitter_min")
	}
	if c.Pool.MaxPages < 2 {
		return fmt.Errorf("pool.max_pages must be >= 2")
	}
	if c.Pool.MinPages < 1 || c.Pool.MinPages > c.Pool.MaxPages {
		return fmt.Errorf("pool.min_pages must be in [1, pool.max_pages]")
	}
	if c.Pool.HealthInterval <= 0 || c.Pool.RestartInterval <= 0 {
		return fmt.Errorf("pool intervals must be > 0")
	}
	if c.Batch.DefaultConcurrency <= 0 {
		return fmt.Errorf("batch.default_concurrency must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	switch c.Artifact.Backend {
	case "local":
		if c.Artifact.Dir == "" {
			return fmt.Errorf("artifact.dir is required for the local backend")
		}
	case "gcs":
		if c.Artifact.GCSBucket == "" {
			return fmt.Errorf("artifact.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("artifact.backend must be local or gcs, got %q", c.Artifact.Backend)
	}
	return nil
}
