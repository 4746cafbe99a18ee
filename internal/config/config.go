// Package config loads and validates scheduler configuration via Viper.
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
	Workers   WorkersConfig   `mapstructure:"workers"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Reclaimer ReclaimerConfig `mapstructure:"reclaimer"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkersConfig governs the worker pool and job execution.
type WorkersConfig struct {
	Concurrency           int `mapstructure:"concurrency"`
	MaxJobDurationSeconds int `mapstructure:"max_job_duration_seconds"`
	LeaseDurationSeconds  int `mapstructure:"lease_duration_seconds"`
	PollMinMs             int `mapstructure:"poll_min_ms"`
	PollMaxMs             int `mapstructure:"poll_max_ms"`
}

// RetryConfig governs failure handling.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// ReclaimerConfig governs the lease-expiry sweep.
type ReclaimerConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	BatchLimit      int `mapstructure:"batch_limit"`
}

// MemoryConfig governs dequeue backpressure.
type MemoryConfig struct {
	LimitBytes           uint64  `mapstructure:"limit_bytes"`
	HighWatermark        float64 `mapstructure:"high_watermark"`
	LowWatermark         float64 `mapstructure:"low_watermark"`
	SampleIntervalSecond int     `mapstructure:"sample_interval_seconds"`
	RecycleGraceSeconds  int     `mapstructure:"recycle_grace_seconds"`
}

// ScraperConfig controls the bundled colly scraper.
type ScraperConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	MaxPages       int    `mapstructure:"max_pages"`
	MaxDepth       int    `mapstructure:"max_depth"`
}

// DBConfig controls the Postgres job store. An empty DSN selects the
// in-memory store (dev mode; state does not survive a restart).
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinConns     int    `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for completion-event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEQUEUE")
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
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.max_job_duration_seconds", 300)
	v.SetDefault("workers.lease_duration_seconds", 30)
	v.SetDefault("workers.poll_min_ms", 200)
	v.SetDefault("workers.poll_max_ms", 800)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("reclaimer.interval_seconds", 15)
	v.SetDefault("reclaimer.batch_limit", 100)
	v.SetDefault("memory.limit_bytes", 0)
	v.SetDefault("memory.high_watermark", 0.85)
	v.SetDefault("memory.low_watermark", 0.70)
	v.SetDefault("memory.sample_interval_seconds", 5)
	v.SetDefault("memory.recycle_grace_seconds", 120)
	v.SetDefault("scraper.user_agent", "scrapequeue-bot/0.1")
	v.SetDefault("scraper.timeout_seconds", 15)
	v.SetDefault("scraper.respect_robots", true)
	v.SetDefault("scraper.max_pages", 50)
	v.SetDefault("scraper.max_depth", 2)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Workers.LeaseDurationSeconds <= 0 {
		return fmt.Errorf("workers.lease_duration_seconds must be > 0")
	}
	if c.Workers.MaxJobDurationSeconds <= 0 {
		return fmt.Errorf("workers.max_job_duration_seconds must be > 0")
	}
	if c.Workers.PollMaxMs <= c.Workers.PollMinMs {
		return fmt.Errorf("workers.poll_max_ms must exceed workers.poll_min_ms")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Memory.LimitBytes > 0 && c.Memory.LowWatermark >= c.Memory.HighWatermark {
		return fmt.Errorf("memory.low_watermark must be below memory.high_watermark")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// MaxJobDuration returns the execution deadline as a duration.
func (c Config) MaxJobDuration() time.Duration {
	return time.Duration(c.Workers.MaxJobDurationSeconds) * time.Second
}

// LeaseDuration returns the claim lifetime as a duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Workers.LeaseDurationSeconds) * time.Second
}
