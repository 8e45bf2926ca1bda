// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketdeck/marketdeck/services/dashboard/cache"
	"github.com/marketdeck/marketdeck/services/dashboard/handlers"
	"github.com/marketdeck/marketdeck/services/dashboard/hub"
	"github.com/marketdeck/marketdeck/services/dashboard/middleware"
	"github.com/marketdeck/marketdeck/services/dashboard/ratelimit"
	"github.com/marketdeck/marketdeck/services/dashboard/runtime"
)

// SetupRoutes wires the dashboard API onto the router.
//
// The health and metrics endpoints bypass rate limiting so probes and
// scrapers are never turned away by client admission control.
func SetupRoutes(router *gin.Engine, store *cache.Store, h *hub.Hub,
	agg *runtime.Aggregator, limiter *ratelimit.Limiter) {

	router.GET("/health", handlers.HealthCheck(agg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := router.Group("/", middleware.RateLimit(limiter))
	{
		limited.GET("/ws", handlers.HandleDashboardWebSocket(h))

		v1 := limited.Group("/v1")
		{
			v1.GET("/keys", handlers.ListKeys(store))
			v1.GET("/summaries/:key", handlers.HandleGetSummary(store))
			v1.POST("/refresh/:key", handlers.HandleRefresh(store))
		}
	}
}
