// Package config loads the Cadence configuration from TOML files and
// CADENCE_-prefixed environment variables via Viper.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/cadencehq/cadence/errors"
)

// Config is the full runtime configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Autopilot AutopilotConfig `mapstructure:"autopilot"`
	Outreach  OutreachConfig  `mapstructure:"outreach"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig tunes the job queue and worker pool
type QueueConfig struct {
	Workers          int `mapstructure:"workers"`            // Concurrent job workers (default: 4)
	MaxPending       int `mapstructure:"max_pending"`        // Backlog bound before enqueue rejects (default: 1000)
	RetentionDays    int `mapstructure:"retention_days"`     // Terminal jobs older than this are cleaned up (default: 7)
	ShutdownTimeoutS int `mapstructure:"shutdown_timeout_s"` // Grace period for in-flight jobs on stop (default: 30)
}

// BreakerConfig tunes the default per-dependency circuit breaker
type BreakerConfig struct {
	WindowSeconds         int     `mapstructure:"window_seconds"`          // Rolling stats window (default: 60)
	VolumeThreshold       int     `mapstructure:"volume_threshold"`        // Min calls in window before the error rate matters (default: 10)
	ErrorThresholdPercent float64 `mapstructure:"error_threshold_percent"` // Error rate above which the breaker opens (default: 50)
	ResetTimeoutSeconds   int     `mapstructure:"reset_timeout_seconds"`   // Open duration before a half-open probe (default: 30)
	CallTimeoutSeconds    int     `mapstructure:"call_timeout_seconds"`    // Per-call timeout inside the breaker (default: 30)
}

// RetryConfig tunes the retry policy that runs inside the breaker
type RetryConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts"`       // Attempts per logical call (default: 3)
	InitialBackoffMs int     `mapstructure:"initial_backoff_ms"` // First backoff (default: 200)
	MaxBackoffMs     int     `mapstructure:"max_backoff_ms"`     // Backoff ceiling (default: 2000)
	Multiplier       float64 `mapstructure:"multiplier"`         // Backoff growth factor (default: 2.0)
	Jitter           float64 `mapstructure:"jitter"`             // Random backoff fraction (default: 0.2)
}

// AutopilotConfig tunes the autonomous pipeline loop. Operational state
// (enabled, caps, thresholds) lives in the database; this covers the
// process-level loop parameters.
type AutopilotConfig struct {
	TickIntervalSeconds int    `mapstructure:"tick_interval_seconds"` // Cycle-due check cadence (default: 15)
	StageTimeoutSeconds int    `mapstructure:"stage_timeout_seconds"` // Max duration of one stage job (default: 600)
	BatchLimit          int    `mapstructure:"batch_limit"`           // Prospects per discovery run (default: 25)
	CampaignID          string `mapstructure:"campaign_id"`           // Campaign autonomous enrollments join
	TotalSteps          int    `mapstructure:"total_steps"`           // Steps per autonomous enrollment (default: 5)
	Channel             string `mapstructure:"channel"`               // email, linkedin, or both (default: email)
	ICPProfile          string `mapstructure:"icp_profile"`           // Profile name passed to the scoring provider
}

// OutreachConfig paces outbound sends
type OutreachConfig struct {
	SendsPerSecond float64 `mapstructure:"sends_per_second"` // Send pacing; 0 disables (default: 0.5)
}

// MetricsConfig controls the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"` // Listen address (default: :9090)
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "cadence.db")

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.max_pending", 1000)
	v.SetDefault("queue.retention_days", 7)
	v.SetDefault("queue.shutdown_timeout_s", 30)

	v.SetDefault("breaker.window_seconds", 60)
	v.SetDefault("breaker.volume_threshold", 10)
	v.SetDefault("breaker.error_threshold_percent", 50.0)
	v.SetDefault("breaker.reset_timeout_seconds", 30)
	v.SetDefault("breaker.call_timeout_seconds", 30)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("autopilot.tick_interval_seconds", 15)
	v.SetDefault("autopilot.stage_timeout_seconds", 600)
	v.SetDefault("autopilot.batch_limit", 25)
	v.SetDefault("autopilot.campaign_id", "default")
	v.SetDefault("autopilot.total_steps", 5)
	v.SetDefault("autopilot.channel", "email")
	v.SetDefault("autopilot.icp_profile", "default")

	v.SetDefault("outreach.sends_per_second", 0.5)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// Load reads configuration from cadence.toml (searched upward from the
// working directory), layered under CADENCE_ environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path := findProjectConfig(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	return &config, nil
}

// findProjectConfig searches for cadence.toml by walking up the
// directory tree. Returns empty string if none is found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "cadence.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
