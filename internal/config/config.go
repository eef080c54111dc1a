// Package config loads tailspin configuration from an optional YAML file
// and the environment. Precedence, lowest first: Default, the file, then
// environment variables.
//
// Environment keys are TAILSPIN_<SECTION>_<KEY> (for example
// TAILSPIN_STORAGE_DB_PATH); the bare key (DB_PATH) is accepted as a
// fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"tailspin/internal/aggregate"
	"tailspin/internal/ingest"
	"tailspin/internal/insights"
	"tailspin/internal/logging"
	"tailspin/internal/server"
	"tailspin/internal/storage"
	"tailspin/internal/stream"
)

// EnvPrefix prefixes every environment key.
const EnvPrefix = "TAILSPIN"

// Config holds all application configuration.
type Config struct {
	Server   server.Config            `yaml:"server"`
	Logging  logging.Config           `yaml:"logging"`
	Storage  storage.Config           `yaml:"storage"`
	Archive  storage.ArchiveConfig    `yaml:"archive"`
	Buffer   BufferConfig             `yaml:"buffer"`
	Sessions aggregate.SessionOptions `yaml:"sessions"`
	Traces   aggregate.TraceOptions   `yaml:"traces"`
	Stream   stream.Options           `yaml:"stream"`
	Insights insights.Options         `yaml:"insights"`
	Ingest   ingest.Options           `yaml:"ingest"`
}

// BufferConfig sizes the in-memory span ring.
type BufferConfig struct {
	Capacity int `yaml:"capacity" envconfig:"BUFFER_CAPACITY"`
}

// Load reads path (skipped when empty) over Default and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Buffer.Capacity < 1 {
		errs = append(errs, fmt.Errorf("buffer.capacity must be >= 1, got %d", c.Buffer.Capacity))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Archive.RetentionHours < 0 {
		errs = append(errs, fmt.Errorf("archive.retention_hours must be >= 0, got %d", c.Archive.RetentionHours))
	}
	if c.Archive.RetentionHours > 0 && c.Archive.Dir == "" {
		errs = append(errs, errors.New("archive.dir is required when retention is enabled"))
	}
	if a := c.Server.Auth; !a.Enabled() && a.BootstrapKey != "" {
		errs = append(errs, errors.New("server.auth.db_path is required when a bootstrap key is set"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: server.Config{
			Addr:                ":4318",
			MaxBodyBytes:        10 * 1024 * 1024,
			MaxConcurrentIngest: 64,
			MaxConcurrentQuery:  8,
			ShutdownTimeout:     5 * time.Second,
		},
		Logging: logging.Config{
			Level:       "info",
			Development: false,
		},
		Storage: storage.Config{
			Path:               "tailspin.duckdb",
			MaxReadConns:       8,
			ReadAcquireTimeout: 5 * time.Second,
			WriteQueueSize:     256,
			MaxCoalesceRows:    5000,
		},
		Archive: storage.ArchiveConfig{
			Dir:            "archive",
			RetentionHours: 0,
			IntervalMins:   60,
		},
		Buffer: BufferConfig{
			Capacity: 10_000,
		},
		Sessions: aggregate.SessionOptions{
			ActiveTimeout:   5 * time.Minute,
			BootstrapWindow: 24 * time.Hour,
			BootstrapLimit:  100_000,
		},
		Traces: aggregate.TraceOptions{
			MaxTraces:     10_000,
			IdleTimeout:   5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Stream: stream.Options{
			Capacity:          stream.DefaultCapacity,
			HeartbeatInterval: 15 * time.Second,
		},
		Insights: insights.Options{
			Interval:              5 * time.Minute,
			Warmup:                30 * time.Second,
			TopEdges:              20,
			TopOperations:         15,
			TopErrors:             10,
			ErrorRateThreshold:    0.05,
			LatencyP95ThresholdMs: 2000,
			MinSpans:              20,
		},
		Ingest: ingest.Options{
			WaitDurable: true,
		},
	}
}
