// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, DriverBadger, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Second, cfg.Compactor.Backoff)
	assert.Equal(t, 1, cfg.Compactor.QueueSize)
	assert.Equal(t, 16, cfg.Storage.MaxTxnRetries)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
  ui_dir: ./ui
storage:
  driver: sqlite
  path: ":memory:"
compactor:
  backoff: 250ms
  interval: 1m
tracing:
  enabled: true
  exporter: otlp
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "./ui", cfg.HTTP.UIDir)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, ":memory:", cfg.Storage.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Compactor.Backoff)
	assert.Equal(t, time.Minute, cfg.Compactor.Interval)
	assert.Equal(t, ExporterOTLP, cfg.Tracing.Exporter)

	// Untouched keys keep their defaults.
	assert.Equal(t, 1000, cfg.Storage.CompactBatchSize)
	assert.Equal(t, time.Minute, cfg.Compactor.PassTimeout)
	assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read the config file")
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "http: [unclosed")
	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse the config file")
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: badger\n")
	t.Setenv("PRENS_HTTP_ADDR", ":7000")
	t.Setenv("PRENS_STORAGE_DRIVER", "sqlite")
	t.Setenv("PRENS_STORAGE_PATH", "/tmp/prens.db")
	t.Setenv("PRENS_COMPACTOR_BACKOFF", "2s")
	t.Setenv("PRENS_LOG_JSON", "true")
	t.Setenv("PRENS_METRICS_ENABLED", "false")
	t.Setenv("PRENS_WRITE_RATE_PER_SECOND", "0")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/prens.db", cfg.Storage.Path)
	assert.Equal(t, 2*time.Second, cfg.Compactor.Backoff)
	assert.True(t, cfg.Logging.JSON)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Zero(t, cfg.HTTP.WriteRatePerSecond)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("PRENS_COMPACTOR_BACKOFF", "soon")
	t.Setenv("PRENS_LOG_JSON", "maybe")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRENS_COMPACTOR_BACKOFF")
	assert.Contains(t, err.Error(), "PRENS_LOG_JSON")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, `unknown storage.driver "postgres"`},
		{"empty path", func(c *Config) { c.Storage.Path = "" }, "storage.path is required"},
		{"zero backoff", func(c *Config) { c.Compactor.Backoff = 0 }, "compactor.backoff must be positive"},
		{"negative backoff", func(c *Config) { c.Compactor.Backoff = -time.Second }, "compactor.backoff must be positive"},
		{"zero queue", func(c *Config) { c.Compactor.QueueSize = 0 }, "compactor.queue_size"},
		{"zero batch", func(c *Config) { c.Storage.CompactBatchSize = 0 }, "storage.compact_batch_size"},
		{"zero retries", func(c *Config) { c.Storage.MaxTxnRetries = 0 }, "storage.max_txn_retries"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr is required"},
		{"zero burst", func(c *Config) { c.HTTP.WriteBurst = 0 }, "http.write_burst"},
		{"unknown exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, `unknown tracing.exporter "zipkin"`},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = ExporterOTLP
			c.Tracing.Endpoint = ""
		}, "tracing.endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// An unknown exporter is ignored while tracing is off.
func TestValidate_ExporterIgnoredWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Tracing.Exporter = "zipkin"
	assert.NoError(t, cfg.Validate())
}

func TestMarshal_RoundTripsDurations(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "backoff: 5s")

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, Default(), cfg)
}
