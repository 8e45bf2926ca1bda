// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers for the dashboard API.
package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/marketdeck/marketdeck/pkg/validation"
	"github.com/marketdeck/marketdeck/services/dashboard/hub"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 16 * 1024,
}

// HandleDashboardWebSocket upgrades the request and hands the socket to
// the hub. Initial subscriptions come from the comma-separated keys query
// parameter; clients can adjust them later with subscribe/unsubscribe
// messages.
func HandleDashboardWebSocket(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		var keys []string
		if raw := c.Query("keys"); raw != "" {
			keys = strings.Split(raw, ",")
			if err := validation.ValidateKeys(keys); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}

		// Attach blocks for the connection's lifetime and closes the
		// socket on the way out.
		h.Attach(ws, keys)
	}
}
