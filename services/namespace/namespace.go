// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package namespace assembles the hostname namespace service.
//
// # Description
//
// The service keeps a tree of hostname suffixes: inserting "a.b.com"
// materializes the nodes "com", "b.com" and "a.b.com". Deleting an
// endpoint only unlinks its node; a single background worker later
// removes every node that anchors nothing. The HTTP API, the compaction
// worker and the store are wired together here.
//
// # Lifecycle
//
//	svc, err := namespace.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx) // returns after ctx is cancelled and cleanup ran
package namespace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/prens/services/namespace/compactor"
	"github.com/AleutianAI/prens/services/namespace/config"
	"github.com/AleutianAI/prens/services/namespace/observability"
	"github.com/AleutianAI/prens/services/namespace/routes"
	"github.com/AleutianAI/prens/services/namespace/tree"
)

// ServiceName names the service in traces and logs.
const ServiceName = "prens"

// Service is the running namespace service.
type Service interface {
	// Run serves HTTP and runs the compaction worker until ctx is
	// cancelled or the server fails, then shuts everything down.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Store returns the tree store.
	Store() tree.Store

	// Signal posts one cleanup signal. It reports whether the signal was
	// queued rather than collapsed into a pending one.
	Signal() bool

	// Compact runs one compaction pass now, serialized with the worker.
	Compact(ctx context.Context) compactor.PassResult

	// Close releases every resource. Run calls it on return. Safe to call
	// more than once.
	Close() error
}

type service struct {
	config   config.Config
	logger   *slog.Logger
	store    tree.Store
	signals  *compactor.Coalescer
	worker   *compactor.Worker
	audit    compactor.AuditLog
	metrics  *observability.Metrics
	registry *prometheus.Registry
	router   *gin.Engine

	tracerCleanup func(context.Context)

	closeOnce sync.Once
	closeErr  error
}

// =============================================================================
// Constructor
// =============================================================================

// New builds the service from a validated configuration.
//
// # Description
//
// Initializes, in order: tracing (when enabled), the store, metrics, the
// audit log, the signal queue and worker, and the router. On failure the
// parts already built are released.
//
// # Inputs
//
//   - ctx: Bounds store initialization and exporter setup.
//   - cfg: Service configuration, normally from config.Load.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if any component fails to initialize.
func New(ctx context.Context, cfg config.Config) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{
		config: cfg,
		logger: slog.Default().With("component", "namespace"),
	}

	if cfg.Tracing.Enabled {
		cleanup, err := observability.InitTracer(ctx, observability.TracingConfig{
			ServiceName: ServiceName,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	store, err := OpenStore(ctx, cfg.Storage, slog.Default())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	s.store = store

	if cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = observability.NewMetrics(s.registry)
	}

	s.audit = compactor.NopAuditLog{}
	if cfg.Compactor.AuditLog != "" {
		audit, err := compactor.NewFileAuditLog(cfg.Compactor.AuditLog)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to open compaction audit log: %w", err)
		}
		s.audit = audit
	}

	s.signals = compactor.NewCoalescer(cfg.Compactor.QueueSize)
	workerOpts := compactor.Options{
		Audit:  s.audit,
		Logger: slog.Default(),
	}
	if s.metrics != nil {
		workerOpts.Metrics = s.metrics
	}
	s.worker = compactor.NewWorker(s.store, s.signals, compactor.Config{
		Backoff:     cfg.Compactor.Backoff,
		PassTimeout: cfg.Compactor.PassTimeout,
		Interval:    cfg.Compactor.Interval,
	}, workerOpts)

	s.initRouter()

	s.logger.Info("namespace service initialized",
		"store", s.store.Backend(),
		"metrics", cfg.Metrics.Enabled,
		"tracing", cfg.Tracing.Enabled,
	)
	return s, nil
}

func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())

	deps := routes.Dependencies{
		Store:   s.store,
		Signals: s.signals,
		Metrics: s.metrics,
		UIDir:   s.config.HTTP.UIDir,
	}
	if s.registry != nil {
		deps.Gatherer = s.registry
	}
	if s.config.Tracing.Enabled {
		deps.ServiceName = ServiceName
	}
	if r := s.config.HTTP.WriteRatePerSecond; r > 0 {
		deps.WriteLimiter = rate.NewLimiter(rate.Limit(r), s.config.HTTP.WriteBurst)
	}
	routes.SetupRoutes(s.router, deps)
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run implements Service.
//
// # Description
//
// Starts the worker and the HTTP server in one errgroup. When ctx is
// cancelled the server is shut down within HTTP.ShutdownTimeout, the
// worker is stopped (a pass in flight is cancelled and redone on the next
// signal), then the store, audit log and tracer are released.
//
// # Outputs
//
//   - error: The first server or shutdown failure. nil after a clean
//     cancellation.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	server := &http.Server{
		Addr:              s.config.HTTP.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.worker.Start(ctx); err != nil {
		return err
	}
	defer s.worker.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting namespace server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.HTTP.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down namespace server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Store implements Service.
func (s *service) Store() tree.Store {
	return s.store
}

// Signal implements Service. The DELETE handler posts to the coalescer
// directly and records its own metric.
func (s *service) Signal() bool {
	queued := s.signals.Notify()
	s.metrics.ObserveSignal(queued)
	return queued
}

// Compact implements Service.
func (s *service) Compact(ctx context.Context) compactor.PassResult {
	return s.worker.RunNow(ctx)
}

// Close implements Service.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

// cleanup releases resources in reverse order of construction. It is
// also used on constructor failure, so every field may be nil.
func (s *service) cleanup() error {
	var errs []error

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("namespace service cleanup failed", "error", err)
		return err
	}
	return nil
}
