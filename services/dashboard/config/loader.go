// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/marketdeck/marketdeck/pkg/validation"
)

// Load reads the configuration from path, applies environment overrides,
// and validates the result.
//
// An empty path loads defaults (plus environment overrides), so the
// service starts with zero configuration.
//
// Environment overrides (applied after the file):
//
//	MARKETDECK_HOST - server bind host
//	MARKETDECK_PORT - server bind port
//	MARKETDECK_LOG_LEVEL - debug|info|warn|error
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("MARKETDECK_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("MARKETDECK_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("MARKETDECK_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Validate checks structural constraints (via validator tags) plus the
// cross-field rules the tags cannot express.
func Validate(cfg Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := validation.ValidateSymbols(cfg.Collector.Symbols); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The fronting proxy drops idle connections at 90s. Liveness handling
	// has to resolve well before that, and pings must fire inside the
	// cutoff or every connection gets reaped.
	if cfg.Heartbeat.LivenessCutoff.Std() >= 90*time.Second {
		return fmt.Errorf("invalid configuration: liveness_cutoff %s must be below 90s", cfg.Heartbeat.LivenessCutoff.Std())
	}
	if cfg.Heartbeat.PingInterval.Std() >= cfg.Heartbeat.LivenessCutoff.Std() {
		return fmt.Errorf("invalid configuration: ping_interval %s must be below liveness_cutoff %s",
			cfg.Heartbeat.PingInterval.Std(), cfg.Heartbeat.LivenessCutoff.Std())
	}

	for _, class := range cfg.Cache.Classes {
		if class.TTL.Std() <= 0 {
			return fmt.Errorf("invalid configuration: key class %q needs a positive ttl", class.Name)
		}
	}

	return nil
}

// TTLForClass resolves the TTL for a key class name, falling back to the
// default TTL for unknown classes.
func (c CacheConfig) TTLForClass(name string) time.Duration {
	for _, class := range c.Classes {
		if class.Name == name {
			return class.TTL.Std()
		}
	}
	return c.DefaultTTL.Std()
}
