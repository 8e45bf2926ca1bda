// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config defines the MarketDeck process configuration.
//
// Configuration is supplied once at process start (YAML file plus a small
// set of environment overrides) and is immutable for the process lifetime.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse
// directly into duration fields.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler using time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root MarketDeck configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Health    HealthConfig    `yaml:"health"`
	Collector CollectorConfig `yaml:"collector"`
}

// ServerConfig holds the HTTP bind settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	// ShutdownGrace bounds how long teardown waits for islands and
	// in-flight requests before abandoning them.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	LogDir string `yaml:"log_dir"`
	JSON   bool   `yaml:"json"`
}

// HeartbeatConfig controls WebSocket liveness handling. The liveness cutoff
// must stay comfortably below the 90 second idle-disconnect threshold of the
// fronting proxy, and pings must fire well inside the cutoff.
type HeartbeatConfig struct {
	PingInterval   Duration `yaml:"ping_interval"`
	LivenessCutoff Duration `yaml:"liveness_cutoff"`
	SweepInterval  Duration `yaml:"sweep_interval"`
	SendBuffer     int      `yaml:"send_buffer" validate:"min=1"`
}

// KeyClassConfig assigns a TTL to a class of cache keys.
type KeyClassConfig struct {
	Name string   `yaml:"name" validate:"required"`
	TTL  Duration `yaml:"ttl"`
}

// CacheConfig controls summary cache behavior.
type CacheConfig struct {
	// DefaultTTL applies to keys without a matching class.
	DefaultTTL Duration `yaml:"default_ttl"`

	// FirstReadTimeout bounds how long a Get blocks waiting for the very
	// first computation of a key.
	FirstReadTimeout Duration `yaml:"first_read_timeout"`

	// Classes maps key classes to TTLs (e.g. crypto summaries refresh
	// faster than index summaries).
	Classes []KeyClassConfig `yaml:"classes" validate:"dive"`
}

// RateLimitConfig controls the per-client token buckets that gate
// force-refresh requests.
type RateLimitConfig struct {
	Capacity      int      `yaml:"capacity" validate:"min=1"`
	RefillPerSec  float64  `yaml:"refill_per_sec" validate:"gt=0"`
	IdleEviction  Duration `yaml:"idle_eviction"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// HealthConfig controls the cross-island health poller.
type HealthConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	FailThreshold int      `yaml:"fail_threshold" validate:"min=1"`
	HistorySize   int      `yaml:"history_size" validate:"min=1"`
}

// CollectorConfig controls the market-data acquisition loop.
type CollectorConfig struct {
	// Symbols lists the market symbols to summarize, e.g. ["BTC-USD", "SPY"].
	Symbols []string `yaml:"symbols" validate:"required,min=1"`

	// Endpoint is the upstream chart API base URL. The symbol is appended
	// as the final path element.
	Endpoint string `yaml:"endpoint" validate:"required,url"`

	FetchInterval  Duration `yaml:"fetch_interval"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxConcurrent  int      `yaml:"max_concurrent" validate:"min=1"`

	// Critical marks the collector island as critical for startup: when
	// true, a failed initial fetch aborts the whole process instead of
	// serving an empty dashboard.
	Critical bool `yaml:"critical"`
}

// ClassForSymbol maps a market symbol to its key class. Crypto pairs
// carry a quote-currency suffix ("BTC-USD"); plain tickers are equities.
func ClassForSymbol(symbol string) string {
	if strings.Contains(symbol, "-") {
		return "crypto"
	}
	return "equity"
}

// Default returns the configuration used when no file is supplied.
// Every value can be overridden by the YAML file or environment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          12310,
			ShutdownGrace: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Heartbeat: HeartbeatConfig{
			PingInterval:   Duration(30 * time.Second),
			LivenessCutoff: Duration(75 * time.Second),
			SweepInterval:  Duration(10 * time.Second),
			SendBuffer:     32,
		},
		Cache: CacheConfig{
			DefaultTTL:       Duration(30 * time.Second),
			FirstReadTimeout: Duration(5 * time.Second),
			Classes: []KeyClassConfig{
				{Name: "crypto", TTL: Duration(5 * time.Second)},
				{Name: "equity", TTL: Duration(30 * time.Second)},
			},
		},
		RateLimit: RateLimitConfig{
			Capacity:      5,
			RefillPerSec:  0.5,
			IdleEviction:  Duration(10 * time.Minute),
			SweepInterval: Duration(1 * time.Minute),
		},
		Health: HealthConfig{
			PollInterval:  Duration(10 * time.Second),
			ProbeTimeout:  Duration(2 * time.Second),
			FailThreshold: 3,
			HistorySize:   10,
		},
		Collector: CollectorConfig{
			Symbols:        []string{"BTC-USD", "ETH-USD", "SPY"},
			Endpoint:       "https://query1.finance.yahoo.com/v8/finance/chart",
			FetchInterval:  Duration(15 * time.Second),
			RequestTimeout: Duration(5 * time.Second),
			MaxConcurrent:  4,
			Critical:       false,
		},
	}
}
