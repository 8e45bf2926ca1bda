// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// orderLog records lifecycle events across islands for ordering assertions.
type orderLog struct {
	mu     sync.Mutex
	events []string
}

func (l *orderLog) add(event string) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *orderLog) index(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

func recordingIsland(log *orderLog, id string, layer int, deps []string, critical bool, initErr error) Island {
	return NewIsland(IslandSpec{
		ID:        id,
		Layer:     layer,
		DependsOn: deps,
		Critical:  critical,
		Init: func(ctx context.Context) error {
			log.add("init:" + id)
			return initErr
		},
		Shutdown: func(ctx context.Context) error {
			log.add("stop:" + id)
			return nil
		},
	})
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name   string
		setup  []IslandSpec
		reject IslandSpec
	}{
		{
			name:   "empty id",
			reject: IslandSpec{ID: "", Layer: 1},
		},
		{
			name:   "duplicate id",
			setup:  []IslandSpec{{ID: "cache", Layer: 1}},
			reject: IslandSpec{ID: "cache", Layer: 2},
		},
		{
			name:   "layer zero",
			reject: IslandSpec{ID: "cache", Layer: 0},
		},
		{
			name:   "layer above max",
			reject: IslandSpec{ID: "cache", Layer: MaxLayer + 1},
		},
		{
			name:   "missing dependency",
			reject: IslandSpec{ID: "hub", Layer: 3, DependsOn: []string{"cache"}},
		},
		{
			name:   "dependency at same layer",
			setup:  []IslandSpec{{ID: "cache", Layer: 2}},
			reject: IslandSpec{ID: "hub", Layer: 2, DependsOn: []string{"cache"}},
		},
		{
			name:   "dependency at higher layer",
			setup:  []IslandSpec{{ID: "api", Layer: 4}},
			reject: IslandSpec{ID: "hub", Layer: 3, DependsOn: []string{"api"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := NewSupervisor(nil, time.Second)
			for _, spec := range tt.setup {
				if err := sup.Register(NewIsland(spec)); err != nil {
					t.Fatalf("setup Register(%q) failed: %v", spec.ID, err)
				}
			}

			err := sup.Register(NewIsland(tt.reject))
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Register(%q) = %v, want *ConfigurationError", tt.reject.ID, err)
			}
		})
	}
}

func TestRegister_AfterStart(t *testing.T) {
	sup := NewSupervisor(nil, time.Second)
	if err := sup.Register(NewIsland(IslandSpec{ID: "cache", Layer: 1})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := sup.Register(NewIsland(IslandSpec{ID: "hub", Layer: 3}))
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("Register after Start = %v, want ErrAlreadyStarted", err)
	}
	if err := sup.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestStart_LayerOrdering(t *testing.T) {
	log := &orderLog{}
	sup := NewSupervisor(nil, time.Second)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(sup.Register(recordingIsland(log, "cache", 1, nil, true, nil)))
	must(sup.Register(recordingIsland(log, "ratelimit", 1, nil, false, nil)))
	must(sup.Register(recordingIsland(log, "collector", 2, []string{"cache"}, true, nil)))
	must(sup.Register(recordingIsland(log, "hub", 3, []string{"cache", "collector"}, true, nil)))
	must(sup.Register(recordingIsland(log, "api", 4, []string{"hub", "ratelimit"}, true, nil)))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Both layer-1 islands initialize before anything in layer 2; each
	// subsequent layer starts only after the previous one finished.
	pairs := [][2]string{
		{"init:cache", "init:collector"},
		{"init:ratelimit", "init:collector"},
		{"init:collector", "init:hub"},
		{"init:hub", "init:api"},
	}
	for _, p := range pairs {
		if log.index(p[0]) > log.index(p[1]) {
			t.Errorf("%s ran after %s: %v", p[0], p[1], log.events)
		}
	}

	if got := sup.AggregateHealth(); got != StatusHealthy {
		t.Errorf("AggregateHealth = %v, want healthy", got)
	}
}

func TestStart_CriticalFailureUnwinds(t *testing.T) {
	log := &orderLog{}
	sup := NewSupervisor(nil, time.Second)

	boom := errors.New("connection refused")
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(sup.Register(recordingIsland(log, "cache", 1, nil, true, nil)))
	must(sup.Register(recordingIsland(log, "collector", 2, []string{"cache"}, true, boom)))
	must(sup.Register(recordingIsland(log, "hub", 3, []string{"collector"}, true, nil)))

	err := sup.Start(context.Background())
	var fail *IslandInitFailure
	if !errors.As(err, &fail) {
		t.Fatalf("Start = %v, want *IslandInitFailure", err)
	}
	if fail.IslandID != "collector" || fail.Layer != 2 {
		t.Errorf("failure = %q layer %d, want collector layer 2", fail.IslandID, fail.Layer)
	}
	if !errors.Is(err, boom) {
		t.Errorf("failure does not wrap the init error")
	}

	// The layer above the failure never started; the layer below was
	// unwound.
	if log.index("init:hub") != -1 {
		t.Errorf("hub initialized despite aborted startup: %v", log.events)
	}
	if log.index("stop:cache") == -1 {
		t.Errorf("cache was not unwound: %v", log.events)
	}

	statuses := sup.Statuses()
	if statuses["collector"] != StatusFailed {
		t.Errorf("collector status = %v, want failed", statuses["collector"])
	}
	if statuses["hub"] != StatusUninitialized {
		t.Errorf("hub status = %v, want uninitialized", statuses["hub"])
	}
}

func TestStart_NonCriticalFailureDegrades(t *testing.T) {
	log := &orderLog{}
	sup := NewSupervisor(nil, time.Second)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(sup.Register(recordingIsland(log, "cache", 1, nil, true, nil)))
	must(sup.Register(recordingIsland(log, "ratelimit", 1, nil, false, errors.New("bad config"))))
	must(sup.Register(recordingIsland(log, "hub", 3, []string{"cache"}, true, nil)))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if log.index("init:hub") == -1 {
		t.Errorf("hub did not start despite the failure being non-critical")
	}
	if got := sup.AggregateHealth(); got != StatusDegraded {
		t.Errorf("AggregateHealth = %v, want degraded", got)
	}
	if status, _ := sup.Status("ratelimit"); status != StatusFailed {
		t.Errorf("ratelimit status = %v, want failed", status)
	}
}

func TestShutdown_DescendingOrder(t *testing.T) {
	log := &orderLog{}
	sup := NewSupervisor(nil, time.Second)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(sup.Register(recordingIsland(log, "cache", 1, nil, true, nil)))
	must(sup.Register(recordingIsland(log, "collector", 2, []string{"cache"}, true, nil)))
	must(sup.Register(recordingIsland(log, "api", 4, []string{"collector"}, true, nil)))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if log.index("stop:api") > log.index("stop:collector") ||
		log.index("stop:collector") > log.index("stop:cache") {
		t.Errorf("shutdown order not descending: %v", log.events)
	}
}

func TestShutdown_ErrorDoesNotBlockOthers(t *testing.T) {
	log := &orderLog{}
	sup := NewSupervisor(nil, time.Second)

	stubborn := NewIsland(IslandSpec{
		ID:    "hub",
		Layer: 3,
		Shutdown: func(ctx context.Context) error {
			log.add("stop:hub")
			return errors.New("connections still draining")
		},
	})
	if err := sup.Register(recordingIsland(log, "cache", 1, nil, true, nil)); err != nil {
		t.Fatal(err)
	}
	if err := sup.Register(stubborn); err != nil {
		t.Fatal(err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if log.index("stop:cache") == -1 {
		t.Errorf("cache shutdown skipped after hub error: %v", log.events)
	}
}

func TestAggregateHealth_Rules(t *testing.T) {
	build := func(t *testing.T) *Supervisor {
		t.Helper()
		sup := NewSupervisor(nil, time.Second)
		for _, spec := range []IslandSpec{
			{ID: "cache", Layer: 1, Critical: true},
			{ID: "ratelimit", Layer: 1},
			{ID: "collector", Layer: 2, Critical: true},
		} {
			if err := sup.Register(NewIsland(spec)); err != nil {
				t.Fatal(err)
			}
		}
		if err := sup.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		return sup
	}

	t.Run("all healthy", func(t *testing.T) {
		sup := build(t)
		if got := sup.AggregateHealth(); got != StatusHealthy {
			t.Errorf("AggregateHealth = %v, want healthy", got)
		}
	})

	t.Run("non-critical failed is degraded", func(t *testing.T) {
		sup := build(t)
		sup.ApplyProbe("ratelimit", StatusDegraded)
		sup.ApplyProbe("ratelimit", StatusFailed)
		if got := sup.AggregateHealth(); got != StatusDegraded {
			t.Errorf("AggregateHealth = %v, want degraded", got)
		}
	})

	t.Run("critical failed wins over degraded", func(t *testing.T) {
		sup := build(t)
		sup.ApplyProbe("ratelimit", StatusDegraded)
		sup.ApplyProbe("cache", StatusFailed)
		if got := sup.AggregateHealth(); got != StatusFailed {
			t.Errorf("AggregateHealth = %v, want failed", got)
		}
	})
}

func TestApplyProbe_Transitions(t *testing.T) {
	sup := NewSupervisor(nil, time.Second)
	if err := sup.Register(NewIsland(IslandSpec{ID: "cache", Layer: 1, Critical: true})); err != nil {
		t.Fatal(err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	sup.ApplyProbe("cache", StatusDegraded)
	if status, _ := sup.Status("cache"); status != StatusDegraded {
		t.Fatalf("status = %v, want degraded", status)
	}

	sup.ApplyProbe("cache", StatusHealthy)
	if status, _ := sup.Status("cache"); status != StatusHealthy {
		t.Fatalf("status = %v, want healthy after recovery", status)
	}

	sup.ApplyProbe("cache", StatusFailed)
	sup.ApplyProbe("cache", StatusHealthy)
	if status, _ := sup.Status("cache"); status != StatusFailed {
		t.Fatalf("status = %v, failed must be terminal", status)
	}

	// Probes for unknown islands and non-terminal statuses are ignored.
	sup.ApplyProbe("ghost", StatusHealthy)
	sup.ApplyProbe("cache", StatusInitializing)
	if status, _ := sup.Status("cache"); status != StatusFailed {
		t.Fatalf("status = %v after bogus probes, want failed", status)
	}
}
