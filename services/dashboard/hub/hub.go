// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketdeck/marketdeck/services/dashboard/cache"
	"github.com/marketdeck/marketdeck/services/dashboard/observability"
)

// Snapshotter supplies current cache entries for resyncing a client that
// just attached or subscribed.
type Snapshotter interface {
	Snapshot() []cache.Entry
}

// Config tunes the heartbeat and buffering behavior.
type Config struct {
	// PingInterval is the period between heartbeat ping frames. Must be
	// comfortably below LivenessCutoff so a healthy client always gets a
	// chance to answer before the sweep reaps it.
	PingInterval time.Duration

	// LivenessCutoff is the maximum client silence tolerated before the
	// sweep closes the connection. Kept below upstream proxy idle
	// windows (commonly 90s) so the reap happens on our terms.
	LivenessCutoff time.Duration

	// SweepInterval is the period between liveness sweeps.
	SweepInterval time.Duration

	// SendBuffer is the per-connection outbound frame buffer. A client
	// that falls this many frames behind is dropped.
	SendBuffer int
}

// DefaultConfig returns production heartbeat settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		LivenessCutoff: 75 * time.Second,
		SweepInterval:  15 * time.Second,
		SendBuffer:     64,
	}
}

// Hub owns the registry of attached WebSocket clients and fans cache
// updates out to the subscribers of each key.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Broadcast is called from the
// cache's update path and must stay non-blocking, which it is: delivery
// to each client is a buffered channel send that drops the client rather
// than wait.
type Hub struct {
	cfg      Config
	snapshot Snapshotter

	mu    sync.RWMutex
	conns map[string]*Connection

	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a hub. Zero config fields fall back to DefaultConfig values.
func New(cfg Config, snapshot Snapshotter) *Hub {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.LivenessCutoff <= 0 {
		cfg.LivenessCutoff = def.LivenessCutoff
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &Hub{
		cfg:      cfg,
		snapshot: snapshot,
		conns:    make(map[string]*Connection),
	}
}

// Start launches the liveness sweep loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				h.sweep()
			}
		}
	}()

	slog.Info("websocket hub started",
		"ping_interval", h.cfg.PingInterval.String(),
		"liveness_cutoff", h.cfg.LivenessCutoff.String())
	return nil
}

// Stop halts the sweep loop and closes every connection.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.done)
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
	slog.Info("websocket hub stopped", "connections_closed", len(conns))
	return nil
}

// Attach registers an upgraded socket with its initial key subscriptions,
// starts its pumps, and resyncs it with the current value of every
// subscribed key. Blocks until the connection dies.
func (h *Hub) Attach(ws *websocket.Conn, keys []string) {
	c := newConnection(h, ws, keys)

	h.mu.Lock()
	h.conns[c.id] = c
	count := len(h.conns)
	h.mu.Unlock()

	if m := observability.DefaultMetrics; m != nil {
		m.ActiveConnections.Set(float64(count))
	}
	slog.Info("websocket client attached",
		"connection_id", c.id, "keys", keys, "active", count)

	go c.writePump()
	h.resync(c, c.subscriptions())
	c.readPump()
}

// Broadcast delivers one cache update to every connection subscribed to
// its key. Called by the cache on the recompute path; never blocks.
func (h *Hub) Broadcast(u cache.Update) {
	frame := Frame{
		Type:      FrameData,
		Timestamp: time.Now().UTC(),
		Key:       u.Key,
		Version:   u.Version,
		Payload:   u.Value,
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		if c.subscribed(u.Key) {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.enqueue(frame) {
			sent++
		}
	}
	if m := observability.DefaultMetrics; m != nil && sent > 0 {
		m.FramesSentTotal.WithLabelValues(FrameData).Add(float64(sent))
	}
}

// ConnectionCount returns the number of attached clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// resync pushes the current cached value of the given keys to one client,
// so a fresh subscriber starts from the latest version instead of waiting
// for the next recompute.
func (h *Hub) resync(c *Connection, keys []string) {
	if h.snapshot == nil || len(keys) == 0 {
		return
	}
	want := make(map[string]bool, len(keys))
	for _, key := range keys {
		want[key] = true
	}

	for _, entry := range h.snapshot.Snapshot() {
		if !want[entry.Key] {
			continue
		}
		c.enqueue(Frame{
			Type:      FrameData,
			Timestamp: time.Now().UTC(),
			Key:       entry.Key,
			Version:   entry.Version,
			Stale:     entry.Stale,
			Payload:   entry.Value,
		})
	}
}

// drop removes a connection from the registry and closes it. Safe to call
// multiple times for the same connection.
func (h *Hub) drop(c *Connection, reason string) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	count := len(h.conns)
	h.mu.Unlock()

	c.close()

	if present {
		if m := observability.DefaultMetrics; m != nil {
			m.ActiveConnections.Set(float64(count))
		}
		slog.Info("websocket client detached",
			"connection_id", c.id, "reason", reason, "active", count)
	}
}

// sweep closes every connection silent for longer than the liveness
// cutoff. The client is expected to answer heartbeat pings well within
// that window.
func (h *Hub) sweep() {
	h.mu.RLock()
	var idle []*Connection
	for _, c := range h.conns {
		if c.idleFor() > h.cfg.LivenessCutoff {
			idle = append(idle, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		slog.Info("reaping silent websocket client",
			"connection_id", c.id, "idle", c.idleFor().String())
		if m := observability.DefaultMetrics; m != nil {
			m.ConnectionsReapedTotal.Inc()
		}
		h.drop(c, "liveness cutoff exceeded")
	}
}
