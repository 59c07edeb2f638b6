// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the namespace service configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, then PRENS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/prens/pkg/logging"
)

// Storage drivers.
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Trace exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// =============================================================================
// Types
// =============================================================================

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Compactor CompactorConfig `yaml:"compactor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr"`

	// UIDir is served under /ui when set, with / redirecting to it.
	UIDir string `yaml:"ui_dir"`

	// WriteRatePerSecond throttles POST and DELETE. Zero disables it.
	WriteRatePerSecond float64 `yaml:"write_rate_per_second"`

	// WriteBurst is the token bucket size for writes.
	WriteBurst int `yaml:"write_burst"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and tunes the tree store.
type StorageConfig struct {
	// Driver is "badger" or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the badger directory or the sqlite DSN.
	Path string `yaml:"path"`

	// SyncWrites fsyncs every badger commit.
	SyncWrites bool `yaml:"sync_writes"`

	// ValueLogGCInterval schedules badger value-log GC. Zero disables it.
	ValueLogGCInterval time.Duration `yaml:"value_log_gc_interval"`

	// CompactBatchSize bounds the nodes removed per compaction round.
	CompactBatchSize int `yaml:"compact_batch_size"`

	// MaxTxnRetries bounds badger conflict retries.
	MaxTxnRetries int `yaml:"max_txn_retries"`
}

// CompactorConfig tunes the background compaction worker.
type CompactorConfig struct {
	Backoff     time.Duration `yaml:"backoff"`
	QueueSize   int           `yaml:"queue_size"`
	PassTimeout time.Duration `yaml:"pass_timeout"`
	Interval    time.Duration `yaml:"interval"`

	// AuditLog is a JSON-lines file receiving one record per pass.
	AuditLog string `yaml:"audit_log"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// =============================================================================
// Defaults and Loading
// =============================================================================

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:               ":8080",
			WriteRatePerSecond: 50,
			WriteBurst:         100,
			ShutdownTimeout:    10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:             DriverBadger,
			Path:               "./data/prens",
			SyncWrites:         true,
			ValueLogGCInterval: 5 * time.Minute,
			CompactBatchSize:   1000,
			MaxTxnRetries:      16,
		},
		Compactor: CompactorConfig{
			Backoff:     5 * time.Second,
			QueueSize:   1,
			PassTimeout: time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{
			Exporter: ExporterStdout,
			Endpoint: "localhost:4317",
		},
	}
}

// Load builds the configuration.
//
// # Description
//
// Starts from Default, overlays the YAML file at path when path is not
// empty, applies environment overrides and validates the result. Keys
// missing from the file keep their defaults.
//
// # Inputs
//
//   - path: YAML file. Empty means defaults and environment only.
//
// # Outputs
//
//   - Config: The validated configuration.
//   - error: Read, parse, override or validation failure.
//
// # Examples
//
//	cfg, err := config.Load("/etc/prens/prens.yaml")
//	if err != nil {
//	    return fmt.Errorf("load config: %w", err)
//	}
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate rejects unusable settings. Every error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.HTTP.Addr == "" {
		fail("http.addr is required")
	}
	if c.HTTP.WriteRatePerSecond < 0 {
		fail("http.write_rate_per_second must not be negative")
	}
	if c.HTTP.WriteRatePerSecond > 0 && c.HTTP.WriteBurst < 1 {
		fail("http.write_burst must be at least 1 when rate limiting is on")
	}

	switch c.Storage.Driver {
	case DriverBadger, DriverSQLite:
	default:
		fail("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		fail("storage.path is required")
	}
	if c.Storage.CompactBatchSize < 1 {
		fail("storage.compact_batch_size must be positive")
	}
	if c.Storage.MaxTxnRetries < 1 {
		fail("storage.max_txn_retries must be positive")
	}

	if c.Compactor.Backoff <= 0 {
		fail("compactor.backoff must be positive")
	}
	if c.Compactor.QueueSize < 1 {
		fail("compactor.queue_size must be positive")
	}
	if c.Compactor.PassTimeout < 0 || c.Compactor.Interval < 0 {
		fail("compactor durations must not be negative")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		fail("logging.level: %v", err)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case ExporterStdout:
		case ExporterOTLP:
			if c.Tracing.Endpoint == "" {
				fail("tracing.endpoint is required for the otlp exporter")
			}
		default:
			fail("unknown tracing.exporter %q", c.Tracing.Exporter)
		}
	}

	return errors.Join(errs...)
}

// =============================================================================
// Environment Overrides
// =============================================================================

// applyEnv overlays PRENS_* variables. Unset or empty variables are
// ignored; malformed values are errors.
func (c *Config) applyEnv() error {
	var errs []error

	setString("PRENS_HTTP_ADDR", &c.HTTP.Addr)
	setString("PRENS_UI_DIR", &c.HTTP.UIDir)
	errs = append(errs, setFloat("PRENS_WRITE_RATE_PER_SECOND", &c.HTTP.WriteRatePerSecond))
	errs = append(errs, setInt("PRENS_WRITE_BURST", &c.HTTP.WriteBurst))

	setString("PRENS_STORAGE_DRIVER", &c.Storage.Driver)
	setString("PRENS_STORAGE_PATH", &c.Storage.Path)
	errs = append(errs, setBool("PRENS_STORAGE_SYNC_WRITES", &c.Storage.SyncWrites))
	errs = append(errs, setInt("PRENS_COMPACT_BATCH_SIZE", &c.Storage.CompactBatchSize))

	errs = append(errs, setDuration("PRENS_COMPACTOR_BACKOFF", &c.Compactor.Backoff))
	errs = append(errs, setDuration("PRENS_COMPACTOR_INTERVAL", &c.Compactor.Interval))
	setString("PRENS_COMPACTOR_AUDIT_LOG", &c.Compactor.AuditLog)

	setString("PRENS_LOG_LEVEL", &c.Logging.Level)
	setString("PRENS_LOG_DIR", &c.Logging.Dir)
	errs = append(errs, setBool("PRENS_LOG_JSON", &c.Logging.JSON))

	errs = append(errs, setBool("PRENS_METRICS_ENABLED", &c.Metrics.Enabled))

	errs = append(errs, setBool("PRENS_TRACING_ENABLED", &c.Tracing.Enabled))
	setString("PRENS_TRACING_EXPORTER", &c.Tracing.Exporter)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	setString("PRENS_TRACING_ENDPOINT", &c.Tracing.Endpoint)

	return errors.Join(errs...)
}

func setString(key string, dst *string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setFloat(key string, dst *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setBool(key string, dst *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}
