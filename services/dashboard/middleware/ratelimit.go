// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the dashboard service.
package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/marketdeck/marketdeck/services/dashboard/observability"
	"github.com/marketdeck/marketdeck/services/dashboard/ratelimit"
)

// RateLimit rejects requests from clients that exhausted their token
// bucket with 429 and a Retry-After header. The client key is the remote
// IP as resolved by gin, which honors trusted proxy headers.
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := limiter.Allow(c.ClientIP())
		if decision.Allowed {
			c.Next()
			return
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RateLimitRejectionsTotal.Inc()
		}
		retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":               "rate limit exceeded",
			"retry_after_seconds": retryAfter,
		})
	}
}
