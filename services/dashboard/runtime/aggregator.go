// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeRecord is one observed poll outcome for an island.
type ProbeRecord struct {
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IslandReport is the externally visible health view of one island.
type IslandReport struct {
	ID               string        `json:"id"`
	Layer            int           `json:"layer"`
	Critical         bool          `json:"critical"`
	Status           Status        `json:"status"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	History          []ProbeRecord `json:"history,omitempty"`
}

// HealthSnapshot is the aggregate view served by the health endpoint.
type HealthSnapshot struct {
	Aggregate Status         `json:"aggregate"`
	Islands   []IslandReport `json:"islands"`
	Timestamp time.Time      `json:"timestamp"`
}

// AggregatorConfig tunes the poll loop.
type AggregatorConfig struct {
	// PollInterval is the period between poll cycles.
	PollInterval time.Duration
	// ProbeTimeout bounds a single island probe. A probe that does not
	// answer within this window counts as a failed observation.
	ProbeTimeout time.Duration
	// FailThreshold is the number of consecutive failed observations
	// required before an island is marked Failed. Smoothing only delays
	// the transition into Failed; a single healthy probe moves an island
	// between Healthy and Degraded immediately.
	FailThreshold int
	// HistorySize caps the per-island probe history ring.
	HistorySize int
}

// Aggregator periodically probes every started island and feeds the
// observed statuses back into the supervisor. Probes run with a hard
// timeout so a wedged island cannot stall the poll cycle.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine; Stop blocks until the
// poll loop exits and is idempotent.
type Aggregator struct {
	sup    *Supervisor
	cfg    AggregatorConfig
	logger *slog.Logger

	mu      sync.Mutex
	fails   map[string]int
	history map[string][]ProbeRecord
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewAggregator wires an aggregator to a supervisor. Zero config fields get
// conservative defaults.
func NewAggregator(sup *Supervisor, cfg AggregatorConfig, logger *slog.Logger) *Aggregator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		sup:     sup,
		cfg:     cfg,
		logger:  logger,
		fails:   make(map[string]int),
		history: make(map[string][]ProbeRecord),
	}
}

// Start launches the poll loop. Safe to call once; subsequent calls while
// running are no-ops.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				a.PollOnce(context.Background())
			}
		}
	}()
	a.logger.Info("health aggregator started",
		"poll_interval", a.cfg.PollInterval.String(),
		"fail_threshold", a.cfg.FailThreshold)
}

// Stop halts the poll loop and waits for it to exit.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.done)
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("health aggregator stopped")
}

// PollOnce probes every started island once and applies the results.
// Exposed so the serving layer can force an immediate refresh.
func (a *Aggregator) PollOnce(ctx context.Context) {
	for _, island := range a.sup.Islands() {
		status, ok := a.sup.Status(island.ID())
		if !ok || !status.Terminal() || status == StatusFailed {
			continue
		}
		record := a.probe(ctx, island)
		a.apply(island, record)
	}
}

// probe runs one island health check bounded by ProbeTimeout. A probe that
// panics or never returns is observed as Failed.
func (a *Aggregator) probe(ctx context.Context, island Island) ProbeRecord {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()

	result := make(chan Probe, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- Probe{Status: StatusFailed, Detail: "probe panicked"}
			}
		}()
		result <- island.Health(ctx)
	}()

	select {
	case p := <-result:
		return ProbeRecord{Status: p.Status, Detail: p.Detail, Timestamp: time.Now().UTC()}
	case <-ctx.Done():
		return ProbeRecord{
			Status:    StatusFailed,
			Detail:    "probe timed out",
			Timestamp: time.Now().UTC(),
		}
	}
}

// apply folds one observation into the per-island state, with K-consecutive
// smoothing before any transition into Failed.
func (a *Aggregator) apply(island Island, record ProbeRecord) {
	id := island.ID()

	a.mu.Lock()
	ring := append(a.history[id], record)
	if len(ring) > a.cfg.HistorySize {
		ring = ring[len(ring)-a.cfg.HistorySize:]
	}
	a.history[id] = ring

	var effective Status
	switch record.Status {
	case StatusFailed:
		a.fails[id]++
		if a.fails[id] >= a.cfg.FailThreshold {
			effective = StatusFailed
		} else {
			// Not enough consecutive failures yet. The island is visibly
			// unwell, so it is held at Degraded rather than Failed.
			effective = StatusDegraded
		}
	case StatusDegraded:
		a.fails[id] = 0
		effective = StatusDegraded
	default:
		a.fails[id] = 0
		effective = StatusHealthy
	}
	fails := a.fails[id]
	a.mu.Unlock()

	if record.Status == StatusFailed {
		a.logger.Warn("island probe failed",
			"island", id, "detail", record.Detail,
			"consecutive_fails", fails, "threshold", a.cfg.FailThreshold)
	}
	a.sup.ApplyProbe(id, effective)
}

// Snapshot assembles the current health view without probing.
func (a *Aggregator) Snapshot() HealthSnapshot {
	statuses := a.sup.Statuses()

	a.mu.Lock()
	defer a.mu.Unlock()

	snap := HealthSnapshot{
		Aggregate: a.sup.AggregateHealth(),
		Timestamp: time.Now().UTC(),
	}
	for _, island := range a.sup.Islands() {
		id := island.ID()
		report := IslandReport{
			ID:               id,
			Layer:            island.Layer(),
			Critical:         island.Critical(),
			Status:           statuses[id],
			ConsecutiveFails: a.fails[id],
		}
		report.History = append(report.History, a.history[id]...)
		snap.Islands = append(snap.Islands, report)
	}
	return snap
}
