// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketdeck/marketdeck/pkg/validation"
	"github.com/marketdeck/marketdeck/services/dashboard/cache"
	"github.com/marketdeck/marketdeck/services/dashboard/observability"
	"github.com/marketdeck/marketdeck/services/dashboard/runtime"
)

// Config tunes the acquisition loop.
type Config struct {
	// Symbols to track. Each symbol owns one cache key.
	Symbols []string

	// FetchInterval is the period between scheduled refresh rounds.
	FetchInterval time.Duration

	// RequestTimeout bounds a single upstream fetch.
	RequestTimeout time.Duration

	// MaxConcurrent caps parallel upstream fetches within one round.
	MaxConcurrent int

	// TTLForSymbol maps a symbol to its cache TTL. Nil means every key
	// uses the cache default.
	TTLForSymbol func(symbol string) time.Duration
}

// Collector owns upstream acquisition. It registers one compute function
// per symbol with the cache and then drives scheduled refresh rounds, so
// a scheduled refresh and a client-triggered one for the same key always
// collapse into a single upstream call.
type Collector struct {
	cfg     Config
	fetcher Fetcher
	store   *cache.Store
	keys    []string

	startedAt   atomic.Int64 // unix nanos, set by Init
	lastSuccess atomic.Int64 // unix nanos of the last successful fetch

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New validates the symbol list and registers each symbol's compute
// function with the cache. The returned collector is idle until Init.
func New(cfg Config, fetcher Fetcher, store *cache.Store) (*Collector, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("collector: no symbols configured")
	}
	if err := validation.ValidateSymbols(cfg.Symbols); err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("collector: nil fetcher")
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	c := &Collector{cfg: cfg, fetcher: fetcher, store: store}
	for _, symbol := range cfg.Symbols {
		key := KeyForSymbol(symbol)
		var ttl time.Duration
		if cfg.TTLForSymbol != nil {
			ttl = cfg.TTLForSymbol(symbol)
		}
		if err := store.RegisterKey(key, ttl, c.computeFunc(symbol)); err != nil {
			return nil, fmt.Errorf("collector: register %s: %w", key, err)
		}
		c.keys = append(c.keys, key)
	}
	return c, nil
}

// Keys returns the cache keys owned by this collector.
func (c *Collector) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// computeFunc builds the cache compute function for one symbol.
func (c *Collector) computeFunc(symbol string) cache.ComputeFunc {
	return func(ctx context.Context) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		start := time.Now()
		var summary *Summary
		series, err := c.fetcher.Fetch(ctx, symbol)
		if err == nil {
			summary, err = Summarize(series)
		}

		status := "success"
		if err != nil {
			status = "error"
		}
		if m := observability.DefaultMetrics; m != nil {
			m.FetchDurationSeconds.WithLabelValues(symbol, status).
				Observe(time.Since(start).Seconds())
			m.CacheRecomputesTotal.WithLabelValues(KeyForSymbol(symbol), status).Inc()
		}
		if err != nil {
			return nil, err
		}
		c.lastSuccess.Store(time.Now().UnixNano())
		return summary, nil
	}
}

// Init warms every key once and starts the scheduled refresh loop. A cold
// upstream at boot is not fatal: misses surface to clients as not-ready
// until the first successful round lands.
func (c *Collector) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.startedAt.Store(time.Now().UnixNano())
	c.refreshAll(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.FetchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.refreshAll(context.Background())
			}
		}
	}()

	slog.Info("collector started",
		"symbols", c.cfg.Symbols,
		"interval", c.cfg.FetchInterval.String())
	return nil
}

// Shutdown stops the refresh loop.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	slog.Info("collector stopped")
	return nil
}

// refreshAll refreshes every key with bounded parallelism. Failures are
// already logged and retained as stale by the cache.
func (c *Collector) refreshAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrent)
	for _, key := range c.keys {
		g.Go(func() error {
			if _, err := c.store.ForceRefresh(gctx, key); err != nil {
				slog.Warn("scheduled refresh failed", "key", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// LastSuccess returns when an upstream fetch last succeeded, zero if never.
func (c *Collector) LastSuccess() time.Time {
	nanos := c.lastSuccess.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Health reports Degraded after three missed intervals without a
// successful fetch and Failed after ten, measured from startup when no
// fetch has ever succeeded.
func (c *Collector) Health(ctx context.Context) runtime.Probe {
	reference := c.lastSuccess.Load()
	if reference == 0 {
		reference = c.startedAt.Load()
	}
	if reference == 0 {
		return runtime.Probe{Status: runtime.StatusHealthy, Detail: "not started"}
	}

	sinceSuccess := time.Since(time.Unix(0, reference))
	detail := fmt.Sprintf("no successful fetch for %s", sinceSuccess.Round(time.Second))
	switch {
	case sinceSuccess > 10*c.cfg.FetchInterval:
		return runtime.Probe{Status: runtime.StatusFailed, Detail: detail}
	case sinceSuccess > 3*c.cfg.FetchInterval:
		return runtime.Probe{Status: runtime.StatusDegraded, Detail: detail}
	default:
		return runtime.Probe{Status: runtime.StatusHealthy}
	}
}
