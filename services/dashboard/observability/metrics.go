// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the dashboard.
//
// # Description
//
// Metrics cover the four hot paths of the service:
//   - WebSocket fan-out (active connections, frames by type, reaped clients)
//   - Summary cache (recomputes by outcome, stale serves)
//   - Upstream collection (fetch latency and outcome by symbol)
//   - Admission control (rate limit rejections)
//
// # Integration
//
// Exposed on the /metrics endpoint. Initialize once via InitMetrics()
// before the HTTP surface comes up.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "marketdeck"

const dashboardSubsystem = "dashboard"

// DashboardMetrics holds all Prometheus metrics for the dashboard service.
type DashboardMetrics struct {
	// ActiveConnections tracks currently attached WebSocket clients.
	ActiveConnections prometheus.Gauge

	// FramesSentTotal counts outbound WebSocket frames.
	// Labels: type (data, ping, error)
	FramesSentTotal *prometheus.CounterVec

	// ConnectionsReapedTotal counts clients closed by the liveness sweep.
	ConnectionsReapedTotal prometheus.Counter

	// CacheRecomputesTotal counts compute runs by key and outcome.
	// Labels: key, status (success, error)
	CacheRecomputesTotal *prometheus.CounterVec

	// CacheStaleServesTotal counts reads answered with a stale value.
	// Labels: key
	CacheStaleServesTotal *prometheus.CounterVec

	// FetchDurationSeconds measures upstream quote fetches.
	// Labels: symbol, status (success, error)
	FetchDurationSeconds *prometheus.HistogramVec

	// RateLimitRejectionsTotal counts requests rejected with 429.
	RateLimitRejectionsTotal prometheus.Counter

	// RefreshRequestsTotal counts manual refresh requests by key and outcome.
	// Labels: key, status (success, error)
	RefreshRequestsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance. Initialized by InitMetrics().
// Nil until then; callers on library paths must tolerate that.
var DefaultMetrics *DashboardMetrics

// InitMetrics creates and registers all metrics. Call once at startup;
// a second call panics on duplicate registration.
func InitMetrics() *DashboardMetrics {
	DefaultMetrics = &DashboardMetrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: dashboardSubsystem,
			Name:      "active_connections",
			Help:      "Number of currently attached WebSocket clients",
		}),

		FramesSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "frames_sent_total",
				Help:      "Outbound WebSocket frames by type",
			},
			[]string{"type"},
		),

		ConnectionsReapedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: dashboardSubsystem,
			Name:      "connections_reaped_total",
			Help:      "WebSocket clients closed by the liveness sweep",
		}),

		CacheRecomputesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "cache_recomputes_total",
				Help:      "Summary recomputes by key and outcome",
			},
			[]string{"key", "status"},
		),

		CacheStaleServesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "cache_stale_serves_total",
				Help:      "Reads answered with a stale cached value",
			},
			[]string{"key"},
		),

		FetchDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "fetch_duration_seconds",
				Help:      "Upstream quote fetch duration by symbol and outcome",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"symbol", "status"},
		),

		RateLimitRejectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: dashboardSubsystem,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected with HTTP 429",
		}),

		RefreshRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dashboardSubsystem,
				Name:      "refresh_requests_total",
				Help:      "Manual refresh requests by key and outcome",
			},
			[]string{"key", "status"},
		),
	}
	return DefaultMetrics
}
