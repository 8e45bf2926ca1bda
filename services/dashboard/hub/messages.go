// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hub implements the WebSocket broadcast layer: one registry of
// live connections, per-key fan-out of cache updates, and an application
// level heartbeat that reaps silent clients before the upstream idle
// window closes the socket.
package hub

import "time"

// Frame types on the wire. Data, ping, and error flow server to client;
// pong is the frame-shaped client answer to a ping.
const (
	FrameData  = "data"
	FramePing  = "ping"
	FramePong  = "pong"
	FrameError = "error"
)

// Client actions accepted from the socket.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPong        = "pong"
)

// Frame is an outbound message. Data frames carry one versioned cache
// entry for one key; ping frames carry only the timestamp.
type Frame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key,omitempty"`
	Version   uint64    `json:"version,omitempty"`
	Stale     bool      `json:"stale,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`

	// terminal marks the final frame before the server closes the
	// connection. It never goes on the wire.
	terminal bool
}

// ClientMessage is an inbound message. A pong is either the frame shape
// {"type":"pong","timestamp":...} or the bare {"action":"pong"};
// subscribe and unsubscribe name the keys they affect.
type ClientMessage struct {
	Type   string   `json:"type,omitempty"`
	Action string   `json:"action,omitempty"`
	Keys   []string `json:"keys,omitempty"`
}
