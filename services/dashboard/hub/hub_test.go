// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketdeck/marketdeck/services/dashboard/cache"
)

type fakeSnapshot struct {
	entries []cache.Entry
}

func (f *fakeSnapshot) Snapshot() []cache.Entry { return f.entries }

// newTestServer runs a hub behind an httptest server that upgrades any
// request and attaches it with the keys from the query string.
func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		var keys []string
		if raw := r.URL.Query().Get("keys"); raw != "" {
			keys = strings.Split(raw, ",")
		}
		h.Attach(ws, keys)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, keys string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?keys=" + keys
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func waitForConnections(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for h.ConnectionCount() != want {
		select {
		case <-deadline:
			t.Fatalf("connection count = %d, want %d", h.ConnectionCount(), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestAttach_ResyncsSubscribedKeys(t *testing.T) {
	snap := &fakeSnapshot{entries: []cache.Entry{
		{Key: "btc_summary", Version: 7, Value: map[string]any{"price": 64000.5}},
		{Key: "eth_summary", Version: 3, Value: map[string]any{"price": 3100.0}},
	}}
	h := New(Config{}, snap)
	srv := newTestServer(t, h)

	ws := dial(t, srv, "btc_summary")

	frame := readFrame(t, ws)
	if frame.Type != FrameData || frame.Key != "btc_summary" || frame.Version != 7 {
		t.Errorf("resync frame = %+v, want btc_summary version 7", frame)
	}
}

func TestBroadcast_DeliversOnlyToSubscribers(t *testing.T) {
	h := New(Config{}, &fakeSnapshot{})
	srv := newTestServer(t, h)

	btc := dial(t, srv, "btc_summary")
	eth := dial(t, srv, "eth_summary")
	waitForConnections(t, h, 2)

	h.Broadcast(cache.Update{Key: "btc_summary", Version: 1, Value: "up"})
	h.Broadcast(cache.Update{Key: "eth_summary", Version: 1, Value: "down"})

	frame := readFrame(t, btc)
	if frame.Key != "btc_summary" || frame.Payload != "up" {
		t.Errorf("btc client got %+v, want its own key", frame)
	}
	frame = readFrame(t, eth)
	if frame.Key != "eth_summary" || frame.Payload != "down" {
		t.Errorf("eth client got %+v, want its own key", frame)
	}
}

func TestBroadcast_VersionOrderPreserved(t *testing.T) {
	h := New(Config{}, &fakeSnapshot{})
	srv := newTestServer(t, h)

	ws := dial(t, srv, "spy_summary")
	waitForConnections(t, h, 1)

	for v := uint64(1); v <= 5; v++ {
		h.Broadcast(cache.Update{Key: "spy_summary", Version: v, Value: v})
	}

	for v := uint64(1); v <= 5; v++ {
		frame := readFrame(t, ws)
		if frame.Version != v {
			t.Fatalf("frame version = %d, want %d", frame.Version, v)
		}
	}
}

func TestSubscribeAction_AddsKeyAndResyncs(t *testing.T) {
	snap := &fakeSnapshot{entries: []cache.Entry{
		{Key: "eth_summary", Version: 9, Value: "cached"},
	}}
	h := New(Config{}, snap)
	srv := newTestServer(t, h)

	ws := dial(t, srv, "")
	waitForConnections(t, h, 1)

	if err := ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Keys: []string{"eth_summary"}}); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, ws)
	if frame.Key != "eth_summary" || frame.Version != 9 {
		t.Errorf("resync after subscribe = %+v, want eth_summary version 9", frame)
	}

	h.Broadcast(cache.Update{Key: "eth_summary", Version: 10, Value: "live"})
	frame = readFrame(t, ws)
	if frame.Version != 10 {
		t.Errorf("broadcast after subscribe = %+v, want version 10", frame)
	}
}

func TestUnsubscribeAction_StopsDelivery(t *testing.T) {
	h := New(Config{}, &fakeSnapshot{})
	srv := newTestServer(t, h)

	ws := dial(t, srv, "btc_summary")
	waitForConnections(t, h, 1)

	if err := ws.WriteJSON(ClientMessage{Action: ActionUnsubscribe, Keys: []string{"btc_summary"}}); err != nil {
		t.Fatal(err)
	}

	// Wait until the server side processed the unsubscribe.
	deadline := time.After(2 * time.Second)
	for {
		h.mu.RLock()
		var still bool
		for _, c := range h.conns {
			still = still || c.subscribed("btc_summary")
		}
		h.mu.RUnlock()
		if !still {
			break
		}
		select {
		case <-deadline:
			t.Fatal("unsubscribe never applied")
		case <-time.After(time.Millisecond):
		}
	}

	h.Broadcast(cache.Update{Key: "btc_summary", Version: 2, Value: "ignored"})

	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var frame Frame
	if err := ws.ReadJSON(&frame); err == nil {
		t.Errorf("received %+v after unsubscribe", frame)
	}
}

func TestInvalidAction_ErrorFrameThenClose(t *testing.T) {
	h := New(Config{}, &fakeSnapshot{})
	srv := newTestServer(t, h)

	ws := dial(t, srv, "")
	waitForConnections(t, h, 1)

	if err := ws.WriteJSON(ClientMessage{Action: "rewind"}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, ws)
	if frame.Type != FrameError || !strings.Contains(frame.Error, "rewind") {
		t.Errorf("frame = %+v, want error naming the action", frame)
	}

	waitForConnections(t, h, 0)
	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	var next Frame
	if err := ws.ReadJSON(&next); err == nil {
		t.Errorf("read %+v after the error frame, want a closed socket", next)
	}
}

func TestMalformedMessage_ErrorFrameThenClose(t *testing.T) {
	h := New(Config{}, &fakeSnapshot{})
	srv := newTestServer(t, h)

	ws := dial(t, srv, "btc_summary")
	waitForConnections(t, h, 1)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, ws)
	if frame.Type != FrameError || !strings.Contains(frame.Error, "malformed") {
		t.Errorf("frame = %+v, want a malformed-message error", frame)
	}

	waitForConnections(t, h, 0)
	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	var next Frame
	if err := ws.ReadJSON(&next); err == nil {
		t.Errorf("read %+v after the error frame, want a closed socket", next)
	}
}

func TestSweep_ReapsSilentConnections(t *testing.T) {
	h := New(Config{LivenessCutoff: 20 * time.Millisecond}, &fakeSnapshot{})
	srv := newTestServer(t, h)

	dial(t, srv, "btc_summary")
	waitForConnections(t, h, 1)

	time.Sleep(40 * time.Millisecond)
	h.sweep()
	waitForConnections(t, h, 0)
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	h := New(Config{LivenessCutoff: 60 * time.Millisecond}, &fakeSnapshot{})
	srv := newTestServer(t, h)

	ws := dial(t, srv, "btc_summary")
	waitForConnections(t, h, 1)

	// Keep answering while the cutoff elapses several times over.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := ws.WriteJSON(ClientMessage{Action: ActionPong}); err != nil {
			t.Fatal(err)
		}
		h.sweep()
	}
	if h.ConnectionCount() != 1 {
		t.Errorf("live client was reaped")
	}
}

func TestPongFrameShapeKeepsConnectionAlive(t *testing.T) {
	h := New(Config{LivenessCutoff: 60 * time.Millisecond}, &fakeSnapshot{})
	srv := newTestServer(t, h)

	ws := dial(t, srv, "btc_summary")
	waitForConnections(t, h, 1)

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := ws.WriteJSON(Frame{Type: FramePong, Timestamp: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
		h.sweep()
	}
	if h.ConnectionCount() != 1 {
		t.Errorf("client answering with pong frames was reaped")
	}
}

func TestStop_ClosesAllConnections(t *testing.T) {
	h := New(Config{}, &fakeSnapshot{})
	srv := newTestServer(t, h)

	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ws := dial(t, srv, "btc_summary")
	waitForConnections(t, h, 1)

	if err := h.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.ConnectionCount() != 0 {
		t.Errorf("connections remain after Stop")
	}

	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	var frame Frame
	for ws.ReadJSON(&frame) == nil {
		// drain anything already buffered; the read must error out soon
	}
}

func TestEnqueue_OverflowDropsConnection(t *testing.T) {
	h := New(Config{SendBuffer: 1}, &fakeSnapshot{})

	// A connection with no running write pump: the buffer never drains,
	// so the second enqueue must overflow and drop the client.
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	attached := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := newConnection(h, ws, []string{"btc_summary"})
		h.mu.Lock()
		h.conns[c.id] = c
		h.mu.Unlock()
		attached <- c
	}))
	t.Cleanup(srv.Close)

	dial(t, srv, "btc_summary")
	c := <-attached

	if !c.enqueue(Frame{Type: FrameData}) {
		t.Fatal("first enqueue rejected with room in the buffer")
	}
	if c.enqueue(Frame{Type: FrameData}) {
		t.Fatal("second enqueue accepted past the buffer capacity")
	}
	if h.ConnectionCount() != 0 {
		t.Errorf("overflowing connection was not dropped")
	}
}
