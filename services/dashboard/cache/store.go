// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marketdeck/marketdeck/pkg/validation"
)

const (
	// DefaultTTL applies to keys registered without an explicit TTL.
	DefaultTTL = 15 * time.Second

	// DefaultFirstReadTimeout bounds how long a reader waits for a key's
	// very first computation before giving up with ErrNotReady.
	DefaultFirstReadTimeout = 2 * time.Second
)

type keyState struct {
	compute ComputeFunc
	ttl     time.Duration
	entry   *Entry // nil until the first successful compute
}

// Store is the versioned summary cache.
//
// # Description
//
//	Store maps registered keys to computed values with per-key TTLs and
//	versions. Reads are served from memory. An expired value is served
//	stale while a background recompute runs; a value retained after a
//	failed recompute stays served, flagged stale, until a recompute
//	succeeds. There is no upper bound on how long a stale value may be
//	served, only repeated recompute attempts and warnings in the log.
//
// # Thread Safety
//
//	All methods are safe for concurrent use. Per-key recomputes collapse
//	through a singleflight group, so N racing refresh triggers for one
//	key run the compute function exactly once. Subscriber callbacks fire
//	under the store lock, which is what guarantees updates for a key are
//	observed in version order; callbacks must therefore not call back
//	into the Store and must not block.
type Store struct {
	mu          sync.RWMutex
	keys        map[string]*keyState
	subscribers []Subscriber
	flight      singleflight.Group

	defaultTTL       time.Duration
	firstReadTimeout time.Duration
	logger           *slog.Logger
	now              func() time.Time

	hits            atomic.Int64
	misses          atomic.Int64
	staleServes     atomic.Int64
	recomputes      atomic.Int64
	recomputeErrors atomic.Int64
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithDefaultTTL sets the TTL for keys registered without one.
func WithDefaultTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithFirstReadTimeout bounds first-read waits.
func WithFirstReadTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.firstReadTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects the time source. Tests use this to control TTL expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		keys:             make(map[string]*keyState),
		defaultTTL:       DefaultTTL,
		firstReadTimeout: DefaultFirstReadTimeout,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterKey binds a key to its compute function and TTL. A non-positive
// TTL falls back to the store default. Keys cannot be re-registered.
func (s *Store) RegisterKey(key string, ttl time.Duration, compute ComputeFunc) error {
	if err := validation.ValidateKey(key); err != nil {
		return err
	}
	if compute == nil {
		return fmt.Errorf("cache: key %q registered with nil compute", key)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	s.keys[key] = &keyState{compute: compute, ttl: ttl}
	return nil
}

// Subscribe registers an update callback. All subscribers see every
// successful recompute.
func (s *Store) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Keys returns the registered keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for key := range s.keys {
		out = append(out, key)
	}
	return out
}

// Get returns the current entry for a key.
//
// Fresh values are returned as-is. Expired values are returned with
// Stale set while a background recompute is kicked off. A key that has
// never computed successfully blocks for at most the first-read timeout;
// if the computation is still running after that, Get returns ErrNotReady.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	s.mu.RLock()
	state, ok := s.keys[key]
	if !ok {
		s.mu.RUnlock()
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	if state.entry != nil {
		entry := *state.entry
		expired := s.now().After(entry.ComputedAt.Add(state.ttl))
		s.mu.RUnlock()

		if !expired && !entry.Stale {
			s.hits.Add(1)
			return entry, nil
		}

		// Serve the stale value immediately and recompute off the read
		// path. Readers never pay compute latency after the first fill.
		s.staleServes.Add(1)
		entry.Stale = true
		go func() {
			_, _ = s.refresh(context.WithoutCancel(ctx), key)
		}()
		return entry, nil
	}
	s.mu.RUnlock()

	// First read: wait a bounded time for the initial computation.
	s.misses.Add(1)
	done := make(chan struct{})
	var (
		entry Entry
		err   error
	)
	go func() {
		entry, err = s.refresh(context.WithoutCancel(ctx), key)
		close(done)
	}()

	timer := time.NewTimer(s.firstReadTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return entry, err
	case <-timer.C:
		return Entry{}, fmt.Errorf("%w: %q", ErrNotReady, key)
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// ForceRefresh recomputes a key immediately, merged with any recompute
// already in flight. On failure the previous value, if any, is returned
// stale alongside the error.
func (s *Store) ForceRefresh(ctx context.Context, key string) (Entry, error) {
	s.mu.RLock()
	_, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return s.refresh(ctx, key)
}

// refresh runs the compute function for key under singleflight and
// installs the result. The compute runs detached from the first caller's
// cancellation, since joined callers and subscribers share its outcome.
func (s *Store) refresh(ctx context.Context, key string) (Entry, error) {
	computeCtx := context.WithoutCancel(ctx)
	result, err, _ := s.flight.Do(key, func() (any, error) {
		s.mu.RLock()
		state, ok := s.keys[key]
		s.mu.RUnlock()
		if !ok {
			return Entry{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
		}

		s.recomputes.Add(1)
		value, computeErr := state.compute(computeCtx)
		if computeErr != nil {
			return s.retainStale(key, computeErr), computeErr
		}
		return s.install(key, value), nil
	})

	entry, _ := result.(Entry)
	return entry, err
}

// install publishes a freshly computed value under the write lock and
// notifies subscribers before the lock is released, which is what keeps
// per-key update delivery in version order.
func (s *Store) install(key string, value any) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.keys[key]
	var version uint64 = 1
	if state.entry != nil {
		version = state.entry.Version + 1
	}
	entry := Entry{
		Key:        key,
		Version:    version,
		Value:      value,
		ComputedAt: s.now().UTC(),
	}
	state.entry = &entry

	update := Update{Key: key, Version: version, Value: value, ComputedAt: entry.ComputedAt}
	for _, fn := range s.subscribers {
		fn(update)
	}
	return entry
}

// retainStale marks the existing value stale after a failed recompute and
// returns it. A key with no prior value stays empty.
func (s *Store) retainStale(key string, cause error) Entry {
	s.recomputeErrors.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.keys[key]
	if state.entry == nil {
		s.logger.Warn("initial compute failed, key has no value to serve",
			"key", key, "error", cause)
		return Entry{}
	}

	state.entry.Stale = true
	age := s.now().Sub(state.entry.ComputedAt)
	s.logger.Warn("recompute failed, continuing to serve stale value",
		"key", key, "version", state.entry.Version,
		"age", age.String(), "error", cause)
	return *state.entry
}

// Snapshot returns the current entry for every key that has one, for
// resyncing a newly attached consumer.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.keys))
	for _, state := range s.keys {
		if state.entry != nil {
			out = append(out, *state.entry)
		}
	}
	return out
}

// Stats returns a counter snapshot.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:            s.hits.Load(),
		Misses:          s.misses.Load(),
		StaleServes:     s.staleServes.Load(),
		Recomputes:      s.recomputes.Load(),
		RecomputeErrors: s.recomputeErrors.Load(),
	}
}
