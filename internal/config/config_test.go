package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  jwt_secret: secret
runs:
  workers: 4
  queue_depth: 16
  cancel_poll_seconds: 2
quota:
  daily_cap: 3
  timezone: America/New_York
retry:
  max_attempts: 5
  base_delay_ms: 100
  max_delay_ms: 800
research:
  provider: tavily
  api_key: tv-key
generator:
  provider: gemini
  api_key: gm-key
storage:
  backend: postgres
db:
  dsn: postgres://localhost/autopub
archive:
  backend: gcs
  gcs_bucket: drafts-bucket
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.JWTSecret != "secret" {
		t.Fatalf("expected auth enabled with secret")
	}
	if cfg.Runs.Workers != 4 || cfg.Runs.QueueDepth != 16 {
		t.Fatalf("expected run overrides to apply: %+v", cfg.Runs)
	}
	if got := cfg.CancelPoll(); got != 2*time.Second {
		t.Fatalf("expected cancel poll 2s, got %v", got)
	}
	if cfg.Quota.DailyCap != 3 || cfg.Location().String() != "America/New_York" {
		t.Fatalf("expected quota overrides to apply: %+v", cfg.Quota)
	}
	base, maxDelay := cfg.RetryDelays()
	if base != 100*time.Millisecond || maxDelay != 800*time.Millisecond {
		t.Fatalf("unexpected retry delays %v/%v", base, maxDelay)
	}
	if cfg.Archive.Prefix != "drafts" {
		t.Fatalf("expected default archive prefix, got %q", cfg.Archive.Prefix)
	}
	if cfg.Fetch.UserAgent == "" || cfg.Progress.BufferSize != 1024 {
		t.Fatalf("expected defaults to fill unset sections")
	}
	if !cfg.Fetch.RespectRobots || cfg.Fetch.MaxBodyBytes != 5<<20 {
		t.Fatalf("expected polite fetch defaults, got robots=%v max_body=%d", cfg.Fetch.RespectRobots, cfg.Fetch.MaxBodyBytes)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != "memory" || cfg.Generator.Provider != "template" || cfg.Research.Provider != "none" {
		t.Fatalf("unexpected default providers: %+v %+v %+v", cfg.Storage, cfg.Generator, cfg.Research)
	}
	if cfg.Quota.DailyCap != 5 || cfg.Runs.CancelPollSeconds != 5 {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Quota, cfg.Runs)
	}
	if cfg.Lease() != 2*time.Minute || cfg.Runs.InstanceID != "" {
		t.Fatalf("unexpected lease defaults: %+v", cfg.Runs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func validBase() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Runs:      RunsConfig{Workers: 1, QueueDepth: 1, CancelPollSeconds: 5, LeaseSeconds: 60},
		Quota:     QuotaConfig{DailyCap: 5, Timezone: "UTC"},
		Retry:     RetryConfig{MaxAttempts: 1, BaseDelayMs: 10, MaxDelayMs: 10},
		Fetch:     FetchConfig{TimeoutSeconds: 10},
		Research:  ResearchConfig{Provider: "none"},
		Generator: GeneratorConfig{Provider: "template"},
		Storage:   StorageConfig{Backend: "memory"},
		Archive:   ArchiveConfig{Backend: "none"},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validBase().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "no workers", mutate: func(c *Config) { c.Runs.Workers = 0 }, want: "runs.workers"},
		{name: "lease shorter than poll", mutate: func(c *Config) { c.Runs.LeaseSeconds = 5 }, want: "runs.lease_seconds"},
		{name: "zero cap", mutate: func(c *Config) { c.Quota.DailyCap = 0 }, want: "quota.daily_cap"},
		{name: "bad timezone", mutate: func(c *Config) { c.Quota.Timezone = "Mars/Olympus" }, want: "quota.timezone"},
		{name: "retry bounds", mutate: func(c *Config) { c.Retry.MaxDelayMs = 1 }, want: "retry.max_delay_ms"},
		{name: "invalid timeout", mutate: func(c *Config) { c.Fetch.TimeoutSeconds = 0 }, want: "fetch.timeout_seconds"},
		{
			name: "headless missing max parallel",
			mutate: func(c *Config) {
				c.Headless.Enabled = true
			},
			want: "headless.max_parallel",
		},
		{name: "auth missing secret", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.jwt_secret"},
		{name: "unknown generator", mutate: func(c *Config) { c.Generator.Provider = "gpt" }, want: "generator.provider"},
		{name: "gemini without key", mutate: func(c *Config) { c.Generator.Provider = "gemini" }, want: "generator.api_key"},
		{name: "tavily without key", mutate: func(c *Config) { c.Research.Provider = "tavily" }, want: "research.api_key"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Backend = "postgres" }, want: "db.dsn"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Archive.Backend = "gcs" }, want: "archive.gcs_bucket"},
		{name: "local without dir", mutate: func(c *Config) { c.Archive.Backend = "local" }, want: "archive.base_dir"},
		{name: "pubsub without topic", mutate: func(c *Config) { c.PubSub.Enabled = true }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validBase()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
