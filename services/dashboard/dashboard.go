// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dashboard assembles the live market dashboard service.
//
// The service is composed of layered islands wired under one supervisor:
//
//	layer 1: cache      (summary store)         critical
//	layer 1: ratelimit  (client admission)      non-critical
//	layer 2: collector  (upstream acquisition)  critical by config
//	layer 3: hub        (WebSocket fan-out)     critical
//	layer 4: api        (HTTP surface)          critical
//
// Startup walks the layers bottom-up, shutdown walks them top-down, and
// the health aggregator polls every island between the two.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/marketdeck/marketdeck/pkg/logging"
	"github.com/marketdeck/marketdeck/services/dashboard/cache"
	"github.com/marketdeck/marketdeck/services/dashboard/collector"
	"github.com/marketdeck/marketdeck/services/dashboard/config"
	"github.com/marketdeck/marketdeck/services/dashboard/hub"
	"github.com/marketdeck/marketdeck/services/dashboard/observability"
	"github.com/marketdeck/marketdeck/services/dashboard/ratelimit"
	"github.com/marketdeck/marketdeck/services/dashboard/routes"
	"github.com/marketdeck/marketdeck/services/dashboard/runtime"
)

// Options carries optional dependency overrides, used by tests and by
// deployments that front the upstream with their own transport.
type Options struct {
	// Fetcher overrides the upstream chart client.
	Fetcher collector.Fetcher

	// SkipMetrics leaves the Prometheus registry untouched.
	SkipMetrics bool
}

// Service is the assembled dashboard: all islands, their supervisor, and
// the HTTP server.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger

	sup       *runtime.Supervisor
	agg       *runtime.Aggregator
	store     *cache.Store
	hub       *hub.Hub
	limiter   *ratelimit.Limiter
	collector *collector.Collector

	engine *gin.Engine
	server *http.Server
}

// New assembles the service from configuration. Nothing starts running
// until Run.
func New(cfg *config.Config, logger *logging.Logger, opts *Options) (*Service, error) {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	if logger == nil {
		logger = logging.Default()
	}
	if opts == nil {
		opts = &Options{}
	}
	if !opts.SkipMetrics && observability.DefaultMetrics == nil {
		observability.InitMetrics()
	}

	s := &Service{cfg: cfg, logger: logger}

	s.store = cache.NewStore(
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL.Std()),
		cache.WithFirstReadTimeout(cfg.Cache.FirstReadTimeout.Std()),
		cache.WithLogger(logger.Slog()),
	)

	s.limiter = ratelimit.New(ratelimit.Config{
		Capacity:      cfg.RateLimit.Capacity,
		RefillPerSec:  cfg.RateLimit.RefillPerSec,
		IdleEviction:  cfg.RateLimit.IdleEviction.Std(),
		SweepInterval: cfg.RateLimit.SweepInterval.Std(),
	})

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = collector.NewYahooClient(cfg.Collector.Endpoint, nil)
	}
	col, err := collector.New(collector.Config{
		Symbols:        cfg.Collector.Symbols,
		FetchInterval:  cfg.Collector.FetchInterval.Std(),
		RequestTimeout: cfg.Collector.RequestTimeout.Std(),
		MaxConcurrent:  cfg.Collector.MaxConcurrent,
		TTLForSymbol: func(symbol string) time.Duration {
			return cfg.Cache.TTLForClass(config.ClassForSymbol(symbol))
		},
	}, fetcher, s.store)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	s.collector = col

	s.hub = hub.New(hub.Config{
		PingInterval:   cfg.Heartbeat.PingInterval.Std(),
		LivenessCutoff: cfg.Heartbeat.LivenessCutoff.Std(),
		SweepInterval:  cfg.Heartbeat.SweepInterval.Std(),
		SendBuffer:     cfg.Heartbeat.SendBuffer,
	}, s.store)

	// Every successful recompute fans out to subscribed clients.
	s.store.Subscribe(s.hub.Broadcast)

	if err := s.registerIslands(); err != nil {
		return nil, err
	}

	s.agg = runtime.NewAggregator(s.sup, runtime.AggregatorConfig{
		PollInterval:  cfg.Health.PollInterval.Std(),
		ProbeTimeout:  cfg.Health.ProbeTimeout.Std(),
		FailThreshold: cfg.Health.FailThreshold,
		HistorySize:   cfg.Health.HistorySize,
	}, logger.Slog())

	s.buildHTTP()

	return s, nil
}

func (s *Service) buildHTTP() {
	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(otelgin.Middleware("marketdeck-dashboard"))

	routes.SetupRoutes(s.engine, s.store, s.hub, s.agg, s.limiter)

	s.server = &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Service) registerIslands() error {
	s.sup = runtime.NewSupervisor(s.logger.Slog(), s.cfg.Server.ShutdownGrace.Std())

	islands := []runtime.Island{
		runtime.NewIsland(runtime.IslandSpec{
			ID:       "cache",
			Layer:    1,
			Critical: true,
		}),
		runtime.NewIsland(runtime.IslandSpec{
			ID:       "ratelimit",
			Layer:    1,
			Init:     s.limiter.Start,
			Shutdown: s.limiter.Stop,
		}),
		runtime.NewIsland(runtime.IslandSpec{
			ID:        "collector",
			Layer:     2,
			DependsOn: []string{"cache"},
			Critical:  s.cfg.Collector.Critical,
			Init:      s.collector.Init,
			Shutdown:  s.collector.Shutdown,
			Health:    s.collector.Health,
		}),
		runtime.NewIsland(runtime.IslandSpec{
			ID:        "hub",
			Layer:     3,
			DependsOn: []string{"cache"},
			Critical:  true,
			Init:      s.hub.Start,
			Shutdown:  s.hub.Stop,
		}),
		runtime.NewIsland(runtime.IslandSpec{
			ID:        "api",
			Layer:     4,
			DependsOn: []string{"hub", "ratelimit"},
			Critical:  true,
			Init:      s.startHTTP,
			Shutdown:  s.stopHTTP,
		}),
	}
	for _, island := range islands {
		if err := s.sup.Register(island); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
	}
	return nil
}

// startHTTP brings the listener up and returns once it accepts
// connections, so the island only reports healthy with a live socket.
func (s *Service) startHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("http server listening", "addr", s.server.Addr)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) stopHTTP(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Run starts every island, then the health aggregator, and blocks until
// the context is cancelled or startup fails. Shutdown is handled before
// returning in both cases.
func (s *Service) Run(ctx context.Context) error {
	if err := s.sup.Start(ctx); err != nil {
		return err
	}
	s.agg.Start()
	s.logger.Info("dashboard running",
		"addr", s.cfg.Server.Addr(),
		"symbols", s.cfg.Collector.Symbols,
		"aggregate", s.sup.AggregateHealth().String())

	<-ctx.Done()
	s.logger.Info("shutdown signal received")
	return s.Shutdown(context.Background())
}

// Shutdown stops the aggregator and unwinds the islands top-down.
func (s *Service) Shutdown(ctx context.Context) error {
	s.agg.Stop()
	if err := s.sup.Shutdown(ctx); err != nil {
		return err
	}
	return s.logger.Close()
}

// Health exposes the current aggregate snapshot.
func (s *Service) Health() runtime.HealthSnapshot {
	return s.agg.Snapshot()
}

// Addr returns the configured listen address.
func (s *Service) Addr() string {
	return s.cfg.Server.Addr()
}
