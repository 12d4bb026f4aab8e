// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the relay configuration from a YAML
// file, environment variables and command-line flags, in that order of
// precedence.
package config // import "github.com/telemetryrelay/relay/internal/config"

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/spf13/pflag"

	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/submit"
)

// envPrefix namespaces the relay's environment variables. A variable such
// as RELAY_SERVER__TOKEN maps to the key "server.token".
const envPrefix = "RELAY_"

type Config struct {
	Server     Server                  `mapstructure:"server"`
	Push       Push                    `mapstructure:"push"`
	Backlog    Backlog                 `mapstructure:"backlog"`
	Histogram  Histogram               `mapstructure:"histogram"`
	Checkin    Checkin                 `mapstructure:"checkin"`
	Metrics    Metrics                 `mapstructure:"metrics"`
	Validation entity.ValidationConfig `mapstructure:"validation"`
	Logging    Logging                 `mapstructure:"logging"`
}

// Server identifies the ingestion backend.
type Server struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// Push controls batching, splitting and queueing of outbound submissions.
type Push struct {
	// QueueLevel is one of NEVER, PUSHBACK, ANY_ERROR, ALWAYS.
	QueueLevel string `mapstructure:"queue_level"`
	// SplitWhenRateLimited enables halving a throttled batch instead of
	// retrying it whole.
	SplitWhenRateLimited bool `mapstructure:"split_when_rate_limited"`
	// ItemsPerBatch caps the batch size handed to one submission.
	ItemsPerBatch int `mapstructure:"items_per_batch"`
	// MinBatchSplitSize is the smallest batch a throttle-driven split may
	// produce.
	MinBatchSplitSize int `mapstructure:"min_batch_split_size"`
	// RateLimit is the local per-second item allowance per entity type.
	// Zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
	// RateLimits overrides RateLimit per entity type, keyed by the type
	// name in config spelling (points, histograms, sourceTags, spans,
	// spanLogs, events).
	RateLimits map[string]float64 `mapstructure:"rate_limits"`

	FlushInterval        time.Duration `mapstructure:"flush_interval"`
	SenderWorkers        int           `mapstructure:"sender_workers"`
	SampleLogRate        float64       `mapstructure:"sample_log_rate"`
	BlockedLogsPerMinute int           `mapstructure:"blocked_logs_per_minute"`
	ShutdownGrace        time.Duration `mapstructure:"shutdown_grace"`
}

// Backlog configures the durable queue directory and its drain retries.
type Backlog struct {
	Dir                  string        `mapstructure:"dir"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
}

// Granularity configures one histogram accumulator.
type Granularity struct {
	Enabled bool `mapstructure:"enabled"`
	// FlushInterval is the dispatcher period for this accumulator.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// Capacity is the expected digest count; the monitor warns at 2x and
	// escalates at 5x.
	Capacity       int     `mapstructure:"capacity"`
	AvgKeyBytes    int     `mapstructure:"avg_key_bytes"`
	AvgDigestBytes int     `mapstructure:"avg_digest_bytes"`
	Compression    float64 `mapstructure:"compression"`
	// Persisted keeps digests on disk across restarts. When false the
	// store still uses its file but caches everything in memory.
	Persisted bool `mapstructure:"persisted"`
	// MemoryCache loads the whole store into memory and writes back
	// periodically.
	MemoryCache       bool          `mapstructure:"memory_cache"`
	WriteBackInterval time.Duration `mapstructure:"write_back_interval"`
}

// Histogram configures the accumulation pipeline.
type Histogram struct {
	Dir string `mapstructure:"dir"`
	// DispatchLimit bounds how many closed buckets one dispatcher cycle
	// may emit. Zero means unbounded.
	DispatchLimit int         `mapstructure:"dispatch_limit"`
	Minute        Granularity `mapstructure:"minute"`
	Hour          Granularity `mapstructure:"hour"`
	Day           Granularity `mapstructure:"day"`
	Distribution  Granularity `mapstructure:"distribution"`
}

type Checkin struct {
	Interval time.Duration `mapstructure:"interval"`
}

type Metrics struct {
	// Addr serves Prometheus metrics when non-empty, e.g. ":2878".
	Addr string `mapstructure:"addr"`
}

type Logging struct {
	// Level is a zap level string: debug, info, warn, error.
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Default returns the configuration the relay runs with when nothing is
// overridden. Matches the documented defaults.
func Default() *Config {
	return &Config{
		Push: Push{
			QueueLevel:           "ANY_ERROR",
			SplitWhenRateLimited: true,
			ItemsPerBatch:        40000,
			MinBatchSplitSize:    100,
			FlushInterval:        time.Second,
			SenderWorkers:        4,
			SampleLogRate:        0,
			BlockedLogsPerMinute: 5,
			ShutdownGrace:        5 * time.Second,
		},
		Backlog: Backlog{
			Dir:                  "data/backlog",
			RetryInitialInterval: time.Second,
			RetryMaxInterval:     time.Minute,
		},
		Histogram: Histogram{
			Dir:           "data/histograms",
			DispatchLimit: 0,
			Minute:        defaultGranularity(time.Minute),
			Hour:          defaultGranularity(time.Hour),
			Day:           defaultGranularity(24 * time.Hour),
			Distribution:  defaultGranularity(time.Minute),
		},
		Checkin:    Checkin{Interval: time.Minute},
		Metrics:    Metrics{Addr: ""},
		Validation: entity.DefaultValidationConfig(),
		Logging:    Logging{Level: "info"},
	}
}

func defaultGranularity(flush time.Duration) Granularity {
	return Granularity{
		Enabled:           false,
		FlushInterval:     flush,
		Capacity:          100000,
		AvgKeyBytes:       150,
		AvgDigestBytes:    500,
		Compression:       32,
		Persisted:         true,
		MemoryCache:       false,
		WriteBackInterval: 5 * time.Second,
	}
}

// Load merges file, environment and flag sources over the defaults. path
// may be empty; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load configuration file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load command line arguments: %w", err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if _, err := submit.ParseQueueLevel(c.Push.QueueLevel); err != nil {
		return fmt.Errorf("push.queue_level: %w", err)
	}
	if c.Push.ItemsPerBatch <= 0 {
		return fmt.Errorf("push.items_per_batch must be positive, got %d", c.Push.ItemsPerBatch)
	}
	if c.Push.MinBatchSplitSize <= 0 {
		return fmt.Errorf("push.min_batch_split_size must be positive, got %d", c.Push.MinBatchSplitSize)
	}
	if c.Push.RateLimit < 0 {
		return fmt.Errorf("push.rate_limit must not be negative")
	}
	for name := range c.Push.RateLimits {
		if _, ok := entity.ParseType(name); !ok {
			return fmt.Errorf("push.rate_limits: unknown entity type %q", name)
		}
	}
	if c.Backlog.Dir == "" {
		return fmt.Errorf("backlog.dir is required")
	}
	if c.Checkin.Interval <= 0 {
		return fmt.Errorf("checkin.interval must be positive")
	}
	for _, g := range []struct {
		name string
		cfg  Granularity
	}{
		{"minute", c.Histogram.Minute},
		{"hour", c.Histogram.Hour},
		{"day", c.Histogram.Day},
		{"distribution", c.Histogram.Distribution},
	} {
		if !g.cfg.Enabled {
			continue
		}
		if c.Histogram.Dir == "" {
			return fmt.Errorf("histogram.dir is required when a granularity is enabled")
		}
		if g.cfg.FlushInterval <= 0 {
			return fmt.Errorf("histogram.%s.flush_interval must be positive", g.name)
		}
		if g.cfg.Capacity <= 0 {
			return fmt.Errorf("histogram.%s.capacity must be positive", g.name)
		}
	}
	return nil
}

// RateFor resolves the configured local rate for one entity type.
func (c *Config) RateFor(t entity.Type) float64 {
	if r, ok := c.Push.RateLimits[t.String()]; ok {
		return r
	}
	return c.Push.RateLimit
}
