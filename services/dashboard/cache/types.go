// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the versioned summary cache backing the
// dashboard. Each registered key owns a compute function, a TTL, and a
// monotonically increasing version; concurrent recomputes of the same key
// collapse into a single in-flight computation.
package cache

import (
	"context"
	"time"
)

// ComputeFunc produces a fresh value for one key. It is invoked at most
// once per key at any moment regardless of how many readers or refresh
// triggers race.
type ComputeFunc func(ctx context.Context) (any, error)

// Entry is an immutable snapshot of one cached key.
type Entry struct {
	Key        string    `json:"key"`
	Version    uint64    `json:"version"`
	Value      any       `json:"value"`
	ComputedAt time.Time `json:"computed_at"`

	// Stale marks a value older than its TTL or one retained after a
	// failed recompute. Stale values are served until a recompute
	// succeeds; they are never silently dropped.
	Stale bool `json:"stale"`
}

// Update is delivered to subscribers after a successful recompute.
// Updates for one key arrive in strictly increasing version order.
type Update struct {
	Key        string    `json:"key"`
	Version    uint64    `json:"version"`
	Value      any       `json:"value"`
	ComputedAt time.Time `json:"computed_at"`
}

// Subscriber receives updates. Callbacks run on the recompute path and
// must not block; slow consumers buffer on their own side.
type Subscriber func(Update)

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	StaleServes     int64 `json:"stale_serves"`
	Recomputes      int64 `json:"recomputes"`
	RecomputeErrors int64 `json:"recompute_errors"`
}
