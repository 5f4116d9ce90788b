// Package config loads and validates autopublisher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Research  ResearchConfig  `mapstructure:"research"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Linker    LinkerConfig    `mapstructure:"linker"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ReadTimeoutSeconds     int `mapstructure:"read_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig configures bearer-token authentication for the API.
type AuthConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	JWTSecret       string `mapstructure:"jwt_secret"`
	Issuer          string `mapstructure:"issuer"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
}

// LoggingConfig selects the zap preset and optional rotating file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// RunsConfig sizes the run queue and worker pool.
type RunsConfig struct {
	Workers           int  `mapstructure:"workers"`
	QueueDepth        int  `mapstructure:"queue_depth"`
	CancelPollSeconds int  `mapstructure:"cancel_poll_seconds"`
	ResumeOnStart     bool `mapstructure:"resume_on_start"`

	// LeaseSeconds bounds how long a crashed executor keeps a run claimed.
	LeaseSeconds int `mapstructure:"lease_seconds"`
	// InstanceID names this process in run leases; empty picks a random id.
	InstanceID string `mapstructure:"instance_id"`
}

// QuotaConfig sets the global daily cap and the timezone days are cut in.
type QuotaConfig struct {
	DailyCap int    `mapstructure:"daily_cap"`
	Timezone string `mapstructure:"timezone"`
}

// RetryConfig bounds collaborator retries.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// FetchConfig configures the detail fetcher.
type FetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	URLTemplate    string  `mapstructure:"url_template"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures headless promotion of detail pages.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
	MinTextBytes    int  `mapstructure:"min_text_bytes"`
}

// ResearchConfig selects the research enricher.
type ResearchConfig struct {
	Provider   string  `mapstructure:"provider"`
	APIKey     string  `mapstructure:"api_key"`
	MaxResults int     `mapstructure:"max_results"`
	Topic      string  `mapstructure:"topic"`
	RPS        float64 `mapstructure:"rps"`
}

// GeneratorConfig selects the content generator.
type GeneratorConfig struct {
	Provider    string  `mapstructure:"provider"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// LinkerConfig configures link augmentation.
type LinkerConfig struct {
	TagPath     string `mapstructure:"tag_path"`
	MaxTagLinks int    `mapstructure:"max_tag_links"`
}

// PublisherConfig configures the target-site publisher.
type PublisherConfig struct {
	PostStatus     string  `mapstructure:"post_status"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
}

// StorageConfig picks the repository backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	MigrateOnStart         bool   `mapstructure:"migrate_on_start"`
}

// ArchiveConfig picks where generated drafts are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the topic progress events are published to.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int `mapstructure:"sink_timeout_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUTOPUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.shutdown_timeout_seconds", 20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.issuer", "autopublisher")
	v.SetDefault("auth.token_ttl_minutes", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("runs.workers", 2)
	v.SetDefault("runs.queue_depth", 64)
	v.SetDefault("runs.cancel_poll_seconds", 5)
	v.SetDefault("runs.resume_on_start", true)
	v.SetDefault("runs.lease_seconds", 120)
	v.SetDefault("quota.daily_cap", 5)
	v.SetDefault("quota.timezone", "UTC")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("fetch.user_agent", "autopublisher/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.rps", 1.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.min_text_bytes", 200)
	v.SetDefault("research.provider", "none")
	v.SetDefault("research.max_results", 5)
	v.SetDefault("research.topic", "news")
	v.SetDefault("research.rps", 1.0)
	v.SetDefault("generator.provider", "template")
	v.SetDefault("generator.model", "gemini-1.5-flash")
	v.SetDefault("generator.temperature", 0.4)
	v.SetDefault("linker.tag_path", "tag")
	v.SetDefault("linker.max_tag_links", 5)
	v.SetDefault("publisher.post_status", "publish")
	v.SetDefault("publisher.timeout_seconds", 30)
	v.SetDefault("publisher.user_agent", "autopublisher/0.1")
	v.SetDefault("publisher.rps", 0.5)
	v.SetDefault("publisher.burst", 1)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.prefix", "drafts")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}
	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Runs.Workers > 0, "runs.workers must be > 0")
	check(c.Runs.QueueDepth > 0, "runs.queue_depth must be > 0")
	check(c.Runs.LeaseSeconds > c.Runs.CancelPollSeconds, "runs.lease_seconds must be > runs.cancel_poll_seconds")
	check(c.Quota.DailyCap > 0, "quota.daily_cap must be > 0")
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("quota.timezone %q is not a known location", c.Quota.Timezone))
	}
	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be > 0")
	check(c.Retry.MaxDelayMs >= c.Retry.BaseDelayMs, "retry.max_delay_ms must be >= retry.base_delay_ms")
	check(c.Fetch.TimeoutSeconds > 0, "fetch.timeout_seconds must be > 0")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	check(!c.Auth.Enabled || c.Auth.JWTSecret != "", "auth.jwt_secret must be set when auth is enabled")
	check(oneOf(c.Research.Provider, "none", "tavily"), "research.provider must be none or tavily")
	check(c.Research.Provider != "tavily" || c.Research.APIKey != "", "research.api_key is required for tavily")
	check(oneOf(c.Generator.Provider, "template", "gemini"), "generator.provider must be template or gemini")
	check(c.Generator.Provider != "gemini" || c.Generator.APIKey != "", "generator.api_key is required for gemini")
	check(oneOf(c.Storage.Backend, "memory", "postgres"), "storage.backend must be memory or postgres")
	check(c.Storage.Backend != "postgres" || c.DB.DSN != "", "db.dsn is required for the postgres backend")
	check(oneOf(c.Archive.Backend, "none", "memory", "local", "gcs"), "archive.backend must be none, memory, local or gcs")
	check(c.Archive.Backend != "local" || c.Archive.BaseDir != "", "archive.base_dir is required for the local archive")
	check(c.Archive.Backend != "gcs" || c.Archive.GCSBucket != "", "archive.gcs_bucket is required for the gcs archive")
	check(!c.PubSub.Enabled || (c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""),
		"pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location returns the quota timezone. Validate has already checked it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CancelPoll is how often workers re-read the durable cancel flag.
func (c Config) CancelPoll() time.Duration {
	return time.Duration(c.Runs.CancelPollSeconds) * time.Second
}

// Lease is how long a run claim lasts without renewal.
func (c Config) Lease() time.Duration {
	return time.Duration(c.Runs.LeaseSeconds) * time.Second
}

// RetryDelays converts the retry bounds to durations.
func (c Config) RetryDelays() (base, maxDelay time.Duration) {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond, time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
