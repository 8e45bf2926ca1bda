// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketdeck/marketdeck/pkg/validation"
	"github.com/marketdeck/marketdeck/services/dashboard/cache"
	"github.com/marketdeck/marketdeck/services/dashboard/observability"
)

// HandleRefresh forces an immediate recompute of one key. Concurrent
// refreshes of the same key, manual or scheduled, share a single upstream
// call. On failure the retained stale entry is returned alongside the
// error so the caller still sees the latest known value.
func HandleRefresh(store *cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		if err := validation.ValidateKey(key); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		entry, err := store.ForceRefresh(c.Request.Context(), key)
		status := "success"
		if err != nil {
			status = "error"
		}
		if m := observability.DefaultMetrics; m != nil {
			m.RefreshRequestsTotal.WithLabelValues(key, status).Inc()
		}

		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"entry": entry})
		case errors.Is(err, cache.ErrUnknownKey):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case entry.Version > 0:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "stale_entry": entry})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
	}
}

// HandleGetSummary reads one key from the cache without forcing a
// recompute. A key whose first computation is still running answers 503
// with a retry hint.
func HandleGetSummary(store *cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		if err := validation.ValidateKey(key); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		entry, err := store.Get(c.Request.Context(), key)
		switch {
		case err == nil:
			if entry.Stale {
				if m := observability.DefaultMetrics; m != nil {
					m.CacheStaleServesTotal.WithLabelValues(key).Inc()
				}
			}
			c.JSON(http.StatusOK, gin.H{"entry": entry})
		case errors.Is(err, cache.ErrUnknownKey):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, cache.ErrNotReady):
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
	}
}

// ListKeys enumerates the registered cache keys.
func ListKeys(store *cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := store.Keys()
		c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
	}
}
