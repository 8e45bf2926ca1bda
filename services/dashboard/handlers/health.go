// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketdeck/marketdeck/services/dashboard/runtime"
)

// HealthCheck reports the aggregate health and the per-island breakdown.
// Healthy and Degraded answer 200 so load balancers keep routing while
// the service limps; only a Failed aggregate answers 503.
func HealthCheck(agg *runtime.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := agg.Snapshot()

		status := http.StatusOK
		if snap.Aggregate == runtime.StatusFailed {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":    snap.Aggregate,
			"islands":   snap.Islands,
			"timestamp": snap.Timestamp,
		})
	}
}
