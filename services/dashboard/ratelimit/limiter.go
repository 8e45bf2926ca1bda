// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit provides per-client token bucket admission control
// for the HTTP and WebSocket surfaces.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one admission check. RetryAfter is only
// meaningful when Allowed is false and tells the client when the next
// token becomes available.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Config tunes the per-client buckets.
type Config struct {
	// Capacity is the bucket size: the number of requests a client may
	// burst before refill pacing applies.
	Capacity int

	// RefillPerSec is the sustained tokens-per-second refill rate.
	RefillPerSec float64

	// IdleEviction is how long an unseen client's bucket is retained.
	// A client returning after eviction starts with a full bucket.
	IdleEviction time.Duration

	// SweepInterval is the period between idle-bucket sweeps.
	SweepInterval time.Duration
}

// DefaultConfig returns production admission settings.
func DefaultConfig() Config {
	return Config{
		Capacity:      5,
		RefillPerSec:  0.5,
		IdleEviction:  10 * time.Minute,
		SweepInterval: time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter maintains one token bucket per client key. Buckets are created
// lazily on first sight and evicted after the idle window, so memory
// tracks the active client set rather than the historical one.
//
// Refill is computed lazily from elapsed time inside x/time/rate; there
// is no per-bucket timer.
//
// # Thread Safety
//
// Safe for concurrent use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a limiter. Zero config fields fall back to DefaultConfig
// values.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = def.RefillPerSec
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = def.IdleEviction
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
	}
}

// Allow spends one token from the client's bucket if one is available.
// When the bucket is empty, the reservation is cancelled so the denied
// request does not consume future capacity, and RetryAfter reports the
// wait until a token would be free.
func (l *Limiter) Allow(clientKey string) Decision {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[clientKey]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RefillPerSec), l.cfg.Capacity)}
		l.buckets[clientKey] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: time.Second}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// ClientCount returns the number of tracked buckets.
func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// EvictIdle removes buckets unseen for longer than the idle window and
// returns how many were dropped.
func (l *Limiter) EvictIdle() int {
	cutoff := time.Now().Add(-l.cfg.IdleEviction)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Start launches the idle-bucket sweep loop.
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n := l.EvictIdle(); n > 0 {
					slog.Debug("evicted idle rate limit buckets", "count", n)
				}
			}
		}
	}()
	return nil
}

// Stop halts the sweep loop.
func (l *Limiter) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.done)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}
