// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultGracePeriod bounds how long Shutdown waits for islands to stop
// cooperatively before abandoning them.
const DefaultGracePeriod = 10 * time.Second

// Supervisor owns the island registry and drives layer-ordered startup and
// shutdown.
//
// # Startup
//
// Start initializes islands layer by layer, ascending. Islands within one
// layer share no dependencies by construction, so they initialize
// concurrently. A layer begins only after every island in strictly lower
// layers reached a terminal status. When a critical island fails, Start
// aborts, unwinds already-started islands in reverse order, and returns an
// IslandInitFailure naming the layer and island. A non-critical failure
// leaves the island Failed and the aggregate Degraded.
//
// # Ownership
//
// The registry is owned exclusively by the Supervisor; other components
// observe islands only through Statuses, Islands, and AggregateHealth.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Start and Shutdown are expected
// to be called once each by the process lifecycle.
type Supervisor struct {
	mu       sync.RWMutex
	islands  map[string]Island
	statuses map[string]Status
	started  []string // ids in successful start order, for unwind/shutdown
	running  bool

	logger *slog.Logger
	grace  time.Duration
}

// NewSupervisor creates an empty supervisor. A nil logger falls back to
// slog.Default(); a non-positive grace period falls back to
// DefaultGracePeriod.
func NewSupervisor(logger *slog.Logger, grace time.Duration) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Supervisor{
		islands:  make(map[string]Island),
		statuses: make(map[string]Status),
		logger:   logger,
		grace:    grace,
	}
}

// Register adds an island to the registry before startup.
//
// Returns a ConfigurationError when the id is already taken, the layer is
// out of range, or a declared dependency is unregistered or does not live
// in a strictly lower layer. Dependencies therefore must be registered
// first, which keeps the graph acyclic by construction.
func (s *Supervisor) Register(island Island) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}

	id := island.ID()
	if id == "" {
		return &ConfigurationError{IslandID: id, Reason: "empty island id"}
	}
	if _, exists := s.islands[id]; exists {
		return &ConfigurationError{IslandID: id, Reason: "duplicate island id"}
	}
	if island.Layer() < 1 || island.Layer() > MaxLayer {
		return &ConfigurationError{
			IslandID: id,
			Reason:   fmt.Sprintf("layer %d out of range 1..%d", island.Layer(), MaxLayer),
		}
	}

	for _, dep := range island.DependsOn() {
		depIsland, ok := s.islands[dep]
		if !ok {
			return &ConfigurationError{
				IslandID: id,
				Reason:   fmt.Sprintf("dependency %q is not registered", dep),
			}
		}
		if depIsland.Layer() >= island.Layer() {
			return &ConfigurationError{
				IslandID: id,
				Reason: fmt.Sprintf("dependency %q at layer %d must be below layer %d",
					dep, depIsland.Layer(), island.Layer()),
			}
		}
	}

	s.islands[id] = island
	s.statuses[id] = StatusUninitialized
	return nil
}

// Start initializes all registered islands in ascending layer order.
// Islands within a layer initialize concurrently. Blocks until every layer
// finished or a critical island failed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	layers := s.layersLocked()
	s.mu.Unlock()

	for _, layer := range layers {
		islands := s.islandsInLayer(layer)

		var (
			failMu   sync.Mutex
			critical *IslandInitFailure
		)

		g, gctx := errgroup.WithContext(ctx)
		for _, island := range islands {
			g.Go(func() error {
				s.setStatus(island.ID(), StatusInitializing)
				s.logger.Info("island initializing", "island", island.ID(), "layer", layer)

				if err := island.Init(gctx); err != nil {
					s.setStatus(island.ID(), StatusFailed)
					if island.Critical() {
						failMu.Lock()
						if critical == nil {
							critical = &IslandInitFailure{Layer: layer, IslandID: island.ID(), Err: err}
						}
						failMu.Unlock()
						s.logger.Error("critical island failed to initialize",
							"island", island.ID(), "layer", layer, "error", err)
					} else {
						s.logger.Warn("island failed to initialize, continuing degraded",
							"island", island.ID(), "layer", layer, "error", err)
					}
					return nil // siblings in the layer still finish their own init
				}

				s.setStatus(island.ID(), StatusHealthy)
				s.markStarted(island.ID())
				s.logger.Info("island healthy", "island", island.ID(), "layer", layer)
				return nil
			})
		}
		_ = g.Wait()

		if critical != nil {
			s.logger.Error("aborting startup, unwinding started islands",
				"failed_island", critical.IslandID, "layer", critical.Layer)
			s.unwind(ctx)
			return critical
		}
	}

	s.logger.Info("all layers started", "aggregate", s.AggregateHealth().String())
	return nil
}

// Shutdown stops islands in strictly descending layer order, best-effort:
// one island failing to stop never blocks the others. The whole teardown
// is bounded by the configured grace period.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()

	s.shutdownStarted(ctx)
	return nil
}

// unwind reverses a partial startup after a critical failure.
func (s *Supervisor) unwind(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.grace)
	defer cancel()
	s.shutdownStarted(ctx)
}

// shutdownStarted stops every successfully started island, highest layer
// first. Layer-internal order is unspecified.
func (s *Supervisor) shutdownStarted(ctx context.Context) {
	s.mu.Lock()
	started := make([]Island, 0, len(s.started))
	for _, id := range s.started {
		started = append(started, s.islands[id])
	}
	s.started = nil
	s.mu.Unlock()

	sort.SliceStable(started, func(i, j int) bool {
		return started[i].Layer() > started[j].Layer()
	})

	for _, island := range started {
		s.logger.Info("island shutting down", "island", island.ID(), "layer", island.Layer())
		if err := island.Shutdown(ctx); err != nil {
			s.logger.Warn("island shutdown failed", "island", island.ID(), "error", err)
		}
	}
}

// AggregateHealth folds per-island statuses into one value: Healthy only
// when every island is Healthy; Failed when any critical island is Failed;
// Degraded otherwise (some island Degraded, or a non-critical one Failed).
func (s *Supervisor) AggregateHealth() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	aggregate := StatusHealthy
	for id, status := range s.statuses {
		switch status {
		case StatusFailed:
			if s.islands[id].Critical() {
				return StatusFailed
			}
			aggregate = StatusDegraded
		case StatusHealthy:
			// no effect
		default:
			// Degraded, Initializing, and Uninitialized all keep the
			// aggregate below Healthy.
			aggregate = StatusDegraded
		}
	}
	return aggregate
}

// Statuses returns a copy of the per-island status map.
func (s *Supervisor) Statuses() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Status, len(s.statuses))
	for id, status := range s.statuses {
		out[id] = status
	}
	return out
}

// Status returns a single island's status. The bool is false for unknown ids.
func (s *Supervisor) Status(id string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[id]
	return status, ok
}

// Islands returns a snapshot of the registered islands, for the health
// aggregator's poll cycle.
func (s *Supervisor) Islands() []Island {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Island, 0, len(s.islands))
	for _, island := range s.islands {
		out = append(out, island)
	}
	return out
}

// ApplyProbe records a poll result for a started island, enforcing the
// status machine: Failed is terminal, nothing returns to Uninitialized,
// and islands that have not finished initializing are left alone.
func (s *Supervisor) ApplyProbe(id string, status Status) {
	if !status.Terminal() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.statuses[id]
	if !ok {
		return
	}
	switch current {
	case StatusUninitialized, StatusInitializing, StatusFailed:
		return
	}
	if current != status {
		s.logger.Info("island status changed", "island", id,
			"from", current.String(), "to", status.String())
	}
	s.statuses[id] = status
}

func (s *Supervisor) setStatus(id string, status Status) {
	s.mu.Lock()
	s.statuses[id] = status
	s.mu.Unlock()
}

func (s *Supervisor) markStarted(id string) {
	s.mu.Lock()
	s.started = append(s.started, id)
	s.mu.Unlock()
}

// layersLocked returns the distinct registered layers in ascending order.
func (s *Supervisor) layersLocked() []int {
	seen := make(map[int]bool)
	var layers []int
	for _, island := range s.islands {
		if !seen[island.Layer()] {
			seen[island.Layer()] = true
			layers = append(layers, island.Layer())
		}
	}
	sort.Ints(layers)
	return layers
}

func (s *Supervisor) islandsInLayer(layer int) []Island {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Island
	for _, island := range s.islands {
		if island.Layer() == layer {
			out = append(out, island)
		}
	}
	return out
}
