// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketdeck/marketdeck/pkg/validation"
)

const maxInboundMessageBytes = 4 * 1024

// Connection is one attached WebSocket client. All writes to the socket
// go through the buffered send channel and a single writer goroutine, so
// frame order on the wire matches enqueue order.
type Connection struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	send chan Frame

	mu   sync.RWMutex
	subs map[string]bool

	lastSeen  atomic.Int64 // unix nanos of the last inbound message
	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(h *Hub, ws *websocket.Conn, keys []string) *Connection {
	c := &Connection{
		id:     uuid.New().String(),
		hub:    h,
		ws:     ws,
		send:   make(chan Frame, h.cfg.SendBuffer),
		subs:   make(map[string]bool, len(keys)),
		closed: make(chan struct{}),
	}
	for _, key := range keys {
		c.subs[key] = true
	}
	c.touch()
	return c
}

// ID returns the connection's identifier, used in logs only.
func (c *Connection) ID() string { return c.id }

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// idleFor reports how long the client has been silent.
func (c *Connection) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastSeen.Load())
}

func (c *Connection) subscribed(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[key]
}

func (c *Connection) subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for key := range c.subs {
		out = append(out, key)
	}
	return out
}

// enqueue offers a frame without blocking. A full buffer means the client
// cannot keep up; the connection is closed rather than letting one slow
// reader stall the broadcast path.
func (c *Connection) enqueue(frame Frame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.closed:
		return false
	default:
		slog.Warn("client send buffer full, dropping connection",
			"connection_id", c.id, "buffer", cap(c.send))
		c.hub.drop(c, "send buffer overflow")
		return false
	}
}

// close tears the connection down exactly once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// writePump is the sole socket writer. It drains the send channel and
// emits heartbeat pings on the hub's interval.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.hub.drop(c, "writer exited")
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(frame); err != nil {
				slog.Info("websocket write failed", "connection_id", c.id, "error", err)
				return
			}
			if frame.terminal {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(Frame{Type: FramePing, Timestamp: time.Now().UTC()}); err != nil {
				slog.Info("websocket ping failed", "connection_id", c.id, "error", err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readPump consumes client messages until the socket dies. Every inbound
// message, not just pong, counts as liveness. A malformed payload or an
// unknown action gets an error frame and then the close; the write pump
// tears the connection down after flushing that frame.
func (c *Connection) readPump() {
	c.ws.SetReadLimit(maxInboundMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if protocolFault(err) {
				c.fail("malformed message: " + err.Error())
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("websocket client disconnected", "connection_id", c.id, "error", err)
			}
			c.hub.drop(c, "reader exited")
			return
		}
		c.touch()

		switch {
		case msg.Action == ActionPong || msg.Type == FramePong:
			// touch above is the whole effect
		case msg.Action == ActionSubscribe:
			c.handleSubscribe(msg.Keys)
		case msg.Action == ActionUnsubscribe:
			c.handleUnsubscribe(msg.Keys)
		default:
			what := msg.Action
			if what == "" {
				what = msg.Type
			}
			c.fail("unknown action: " + what)
			return
		}
	}
}

// fail notifies the client of a protocol violation. The error frame is
// terminal, so the write pump closes the connection once it is flushed.
func (c *Connection) fail(reason string) {
	c.enqueue(Frame{
		Type:      FrameError,
		Timestamp: time.Now().UTC(),
		Error:     reason,
		terminal:  true,
	})
}

// protocolFault reports whether a read error came from the client's
// payload rather than the transport going away.
func protocolFault(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return false
	}
	return true
}

// handleSubscribe adds keys to the subscription set and resyncs the new
// keys with their current cached values.
func (c *Connection) handleSubscribe(keys []string) {
	if err := validation.ValidateKeys(keys); err != nil {
		c.enqueue(Frame{Type: FrameError, Timestamp: time.Now().UTC(), Error: err.Error()})
		return
	}

	var added []string
	c.mu.Lock()
	for _, key := range keys {
		if !c.subs[key] {
			c.subs[key] = true
			added = append(added, key)
		}
	}
	c.mu.Unlock()

	if len(added) > 0 {
		c.hub.resync(c, added)
	}
}

func (c *Connection) handleUnsubscribe(keys []string) {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.subs, key)
	}
	c.mu.Unlock()
}
