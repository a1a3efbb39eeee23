package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3001 {
		t.Fatalf("default port = %d, want 3001", cfg.Server.Port)
	}
	if cfg.Crawler.Mode != "http" || cfg.Crawler.MaxAttempts != 3 {
		t.Fatalf("crawler defaults = %+v", cfg.Crawler)
	}
	if cfg.Crawler.RobotsTTL != 24*time.Hour {
		t.Fatalf("robots TTL = %v, want 24h", cfg.Crawler.RobotsTTL)
	}
	if cfg.Pool.MaxPages != 8 || cfg.Pool.MinPages != 2 {
		t.Fatalf("pool defaults = %+v", cfg.Pool)
	}
	if cfg.Storage.Backend != "memory" || cfg.Artifact.Backend != "local" {
		t.Fatalf("backend defaults = %q/%q", cfg.Storage.Backend, cfg.Artifact.Backend)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 30s
crawler:
  mode: browser
  max_attempts: 5
  min_content_len: 250
pool:
  max_pages: 12
  min_pages: 4
  domain_qps: 0.5
batch:
  default_concurrency: 5
storage:
  backend: postgres
  postgres_dsn: postgres://pagevault:pw@localhost:5432/pagevault
artifact:
  backend: gcs
  gcs_bucket: captures
  gcs_prefix: prod
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 30*time.Second {
		t.Fatalf("server overrides not applied: %+v", cfg.Server)
	}
	if cfg.Crawler.Mode != "browser" || cfg.Crawler.MaxAttempts != 5 || cfg.Crawler.MinContentLen != 250 {
		t.Fatalf("crawler overrides not applied: %+v", cfg.Crawler)
	}
	if cfg.Pool.MaxPages != 12 || cfg.Pool.MinPages != 4 || cfg.Pool.DomainQPS != 0.5 {
		t.Fatalf("pool overrides not applied: %+v", cfg.Pool)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Storage.PostgresDSN == "" {
		t.Fatalf("storage overrides not applied: %+v", cfg.Storage)
	}
	if cfg.Artifact.GCSBucket != "captures" || cfg.Artifact.GCSPrefix != "prod" {
		t.Fatalf("artifact overrides not applied: %+v", cfg.Artifact)
	}
	if !cfg.Logging.Development {
		t.Fatal("logging override not applied")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	valid, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "server.port",
		},
		{
			name:   "bad mode",
			mutate: func(c *Config) { c.Crawler.Mode = "turbo" },
			want:   "crawler.mode",
		},
		{
			name:   "no attempts",
			mutate: func(c *Config) { c.Crawler.MaxAttempts = 0 },
			want:   "crawler.max_attempts",
		},
		{
			name:   "jitter inverted",
			mutate: func(c *Config) { c.HTTP.JitterMin = time.Second; c.HTTP.JitterMax = 0 },
			want:   "http.jitter_max",
		},
		{
			name:   "min pages above max",
			mutate: func(c *Config) { c.Pool.MinPages = 20 },
			want:   "pool.min_pages",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Storage.Backend = "postgres" },
			want:   "postgres_dsn",
		},
		{
			name:   "gcs without bucket",
			mutate: func(c *Config) { c.Artifact.Backend = "gcs" },
			want:   "gcs_bucket",
		},
		{
			name:   "unknown artifact backend",
			mutate: func(c *Config) { c.Artifact.Backend = "s3" },
			want:   "artifact.backend",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
