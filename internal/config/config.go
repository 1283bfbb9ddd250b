// Package config loads registry configuration from a YAML file with
// environment overrides. Configuration is an explicit object handed to each
// component constructor; reloading means calling Load again, never mutating
// a global.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"icdev/internal/registry"
	"icdev/internal/telemetry"
)

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory|sqlite|postgres
	Path   string `yaml:"path"`   // sqlite file path
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// BlobConfig selects the blob backend.
type BlobConfig struct {
	Driver string `yaml:"driver"` // fs|s3|memory
	FSRoot string `yaml:"fs_root"`
}

// EvaluatorConfig carries dimension weights.
type EvaluatorConfig struct {
	Weights map[string]float64 `yaml:"weights"`
}

// StagingConfig carries staging manager settings.
type StagingConfig struct {
	TTLHours        int      `yaml:"ttl_hours"`
	WorkspaceRoot   string   `yaml:"workspace_root"`
	PipelineCommand string   `yaml:"pipeline_command"`
	PipelineArgs    []string `yaml:"pipeline_args"`
	PipelineTimeout string   `yaml:"pipeline_timeout"`
}

// PropagationConfig carries the rollout budget.
type PropagationConfig struct {
	Quota       int `yaml:"quota"`
	PeriodHours int `yaml:"period_hours"`
}

// TelemetryConfig carries poller settings.
type TelemetryConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Parallelism    int    `yaml:"parallelism"`
	SummaryWindow  string `yaml:"summary_window"`
}

// LoggingConfig carries logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// ObservabilityConfig selects the metrics recorder.
type ObservabilityConfig struct {
	Metrics string `yaml:"metrics"` // expvar|prometheus
}

// Config is the full registry configuration.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Blob          BlobConfig          `yaml:"blob"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator"`
	Staging       StagingConfig       `yaml:"staging"`
	Propagation   PropagationConfig   `yaml:"propagation"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "icdev.db"},
		Blob:     BlobConfig{Driver: "fs", FSRoot: "./archive"},
		Evaluator: EvaluatorConfig{
			Weights: registry.DefaultWeights(),
		},
		Staging: StagingConfig{
			TTLHours:      72,
			WorkspaceRoot: "./staging",
		},
		Propagation: PropagationConfig{
			Quota:       registry.DefaultPropagationQuota,
			PeriodHours: 24,
		},
		Telemetry: TelemetryConfig{
			TimeoutSeconds: 5,
			Parallelism:    telemetry.DefaultParallelism,
			SummaryWindow:  "24h",
		},
		Logging:       LoggingConfig{Level: "info", Format: "json"},
		Observability: ObservabilityConfig{Metrics: "expvar"},
	}
}

// Load reads the file at path (when non-empty), layers environment
// overrides on top of defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers ICDEV_* overrides onto the config.
func applyEnv(cfg *Config) {
	setString(&cfg.Database.Driver, "ICDEV_DB_DRIVER")
	setString(&cfg.Database.Path, "ICDEV_DB_PATH")
	setString(&cfg.Database.DSN, "ICDEV_DB_DSN")
	setString(&cfg.Blob.Driver, "ICDEV_BLOB_DRIVER")
	setString(&cfg.Blob.FSRoot, "ICDEV_BLOB_FS_ROOT")
	setInt(&cfg.Staging.TTLHours, "ICDEV_STAGING_TTL_HOURS")
	setString(&cfg.Staging.WorkspaceRoot, "ICDEV_STAGING_WORKSPACE_ROOT")
	setString(&cfg.Staging.PipelineCommand, "ICDEV_STAGING_PIPELINE")
	setInt(&cfg.Propagation.Quota, "ICDEV_PROPAGATION_QUOTA")
	setInt(&cfg.Propagation.PeriodHours, "ICDEV_PROPAGATION_PERIOD_HOURS")
	setInt(&cfg.Telemetry.TimeoutSeconds, "ICDEV_TELEMETRY_TIMEOUT_SECONDS")
	setInt(&cfg.Telemetry.Parallelism, "ICDEV_TELEMETRY_PARALLELISM")
	setString(&cfg.Logging.Level, "ICDEV_LOG_LEVEL")
	setString(&cfg.Logging.Format, "ICDEV_LOG_FORMAT")
	setString(&cfg.Observability.Metrics, "ICDEV_METRICS")
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// Validate rejects configurations the components cannot run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "s3", "memory":
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	if c.Staging.TTLHours <= 0 {
		return fmt.Errorf("staging ttl_hours must be positive")
	}
	if c.Propagation.Quota <= 0 {
		return fmt.Errorf("propagation quota must be positive")
	}
	if c.Propagation.PeriodHours <= 0 {
		return fmt.Errorf("propagation period_hours must be positive")
	}
	if c.Telemetry.TimeoutSeconds <= 0 {
		return fmt.Errorf("telemetry timeout_seconds must be positive")
	}
	switch c.Observability.Metrics {
	case "expvar", "prometheus":
	default:
		return fmt.Errorf("unknown metrics recorder %q", c.Observability.Metrics)
	}
	if _, err := c.SummaryWindow(); err != nil {
		return err
	}
	return nil
}

// StagingTTL returns the staging TTL as a duration.
func (c Config) StagingTTL() time.Duration {
	return time.Duration(c.Staging.TTLHours) * time.Hour
}

// PropagationPeriod returns the quota evaluation period as a duration.
func (c Config) PropagationPeriod() time.Duration {
	return time.Duration(c.Propagation.PeriodHours) * time.Hour
}

// TelemetryTimeout returns the poll timeout as a duration.
func (c Config) TelemetryTimeout() time.Duration {
	return time.Duration(c.Telemetry.TimeoutSeconds) * time.Second
}

// PipelineTimeout parses the optional pipeline timeout; zero means none.
func (c Config) PipelineTimeout() (time.Duration, error) {
	if c.Staging.PipelineTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Staging.PipelineTimeout)
	if err != nil {
		return 0, fmt.Errorf("parse pipeline_timeout: %w", err)
	}
	return d, nil
}

// SummaryWindow parses the telemetry summary window.
func (c Config) SummaryWindow() (time.Duration, error) {
	if c.Telemetry.SummaryWindow == "" {
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(c.Telemetry.SummaryWindow)
	if err != nil {
		return 0, fmt.Errorf("parse summary_window: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("summary_window must be positive")
	}
	return d, nil
}
