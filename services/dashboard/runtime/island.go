// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package runtime implements the layered island supervisor for MarketDeck.
//
// The service is organized as dependency-ordered functional layers
// ("islands"): infrastructure at the bottom, acquisition and real-time
// communication above it, the API surface on top. A higher layer may call
// into lower layers but never the reverse. The supervisor owns the island
// registry, enforces layer-ordered startup and shutdown, and exposes
// aggregate health; the aggregator polls every island's self-reported
// health probe on an independent schedule.
//
// # Layer Discipline
//
// Every island declares a numeric layer (1..5) and the ids of the islands
// it depends on. Registration rejects any dependency whose layer is not
// strictly lower, which makes circular coupling structurally impossible
// rather than a convention.
package runtime

import (
	"context"
	"fmt"
	"strings"
)

// MaxLayer is the highest allowed island layer.
const MaxLayer = 5

// Status is the lifecycle/health state of an island.
//
// Transitions only move forward: Uninitialized -> Initializing ->
// {Healthy, Degraded, Failed}. Healthy and Degraded islands may later
// drop to Degraded or Failed on health polls; nothing ever returns to
// Uninitialized, and Failed is terminal for the process lifetime.
type Status int

const (
	// StatusUninitialized is the state before Start reaches the island.
	StatusUninitialized Status = iota

	// StatusInitializing is the state while Init is running.
	StatusInitializing

	// StatusHealthy means the island initialized and its probes pass.
	StatusHealthy

	// StatusDegraded means the island works with reduced capability.
	StatusDegraded

	// StatusFailed means the island is not serving. Terminal.
	StatusFailed
)

// String returns the lowercase status name used in logs and the health API.
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a lowercase status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	name := strings.Trim(string(data), `"`)
	for candidate := StatusUninitialized; candidate <= StatusFailed; candidate++ {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", name)
}

// Terminal reports whether the status is a per-cycle terminal state, i.e.
// one that allows higher layers to proceed with their own startup.
func (s Status) Terminal() bool {
	return s == StatusHealthy || s == StatusDegraded || s == StatusFailed
}

// Probe is an island's self-reported health result.
type Probe struct {
	Status Status
	Detail string
}

// Island is an independently health-checked functional unit assigned to a
// layer. Implementations must be safe for concurrent use: Init and
// Shutdown are called by the supervisor, Health by the aggregator on its
// own schedule.
type Island interface {
	// ID returns the unique island identifier.
	ID() string

	// Layer returns the dependency tier, 1..MaxLayer.
	Layer() int

	// DependsOn returns the ids of islands this one depends on. All of
	// them must live in strictly lower layers.
	DependsOn() []string

	// Critical reports whether an init failure of this island aborts the
	// whole startup instead of degrading the aggregate.
	Critical() bool

	// Init brings the island up. Blocking work must honor ctx.
	Init(ctx context.Context) error

	// Shutdown stops the island. Best-effort; errors are logged by the
	// supervisor, never fatal for siblings.
	Shutdown(ctx context.Context) error

	// Health returns the island's current self-assessment. Must return
	// promptly; the aggregator applies its own timeout regardless.
	Health(ctx context.Context) Probe
}

// IslandSpec declares an island from plain functions. Components that do
// not want to implement Island themselves wrap their lifecycle in a spec:
//
//	island := runtime.NewIsland(runtime.IslandSpec{
//	    ID:       "collector",
//	    Layer:    2,
//	    DependsOn: []string{"cache"},
//	    Init:     collector.Start,
//	    Shutdown: collector.Stop,
//	    Health:   collector.Health,
//	})
type IslandSpec struct {
	ID        string
	Layer     int
	DependsOn []string
	Critical  bool

	// Init may be nil for islands with no startup work.
	Init func(ctx context.Context) error

	// Shutdown may be nil for islands with no teardown work.
	Shutdown func(ctx context.Context) error

	// Health may be nil; such islands always report Healthy.
	Health func(ctx context.Context) Probe
}

type funcIsland struct {
	spec IslandSpec
}

// NewIsland builds an Island from an IslandSpec.
func NewIsland(spec IslandSpec) Island {
	return &funcIsland{spec: spec}
}

func (f *funcIsland) ID() string          { return f.spec.ID }
func (f *funcIsland) Layer() int          { return f.spec.Layer }
func (f *funcIsland) DependsOn() []string { return f.spec.DependsOn }
func (f *funcIsland) Critical() bool      { return f.spec.Critical }

func (f *funcIsland) Init(ctx context.Context) error {
	if f.spec.Init == nil {
		return nil
	}
	return f.spec.Init(ctx)
}

func (f *funcIsland) Shutdown(ctx context.Context) error {
	if f.spec.Shutdown == nil {
		return nil
	}
	return f.spec.Shutdown(ctx)
}

func (f *funcIsland) Health(ctx context.Context) Probe {
	if f.spec.Health == nil {
		return Probe{Status: StatusHealthy}
	}
	return f.spec.Health(ctx)
}
