// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the namespace
// service.
//
// # Description
//
// Metrics cover three areas:
//   - HTTP requests (by method, route and status)
//   - Endpoint mutations (inserts and deletes)
//   - Compaction passes and the signals that trigger them
//
// Tracing is OpenTelemetry with a stdout or OTLP exporter, see InitTracer.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method on a nil *Metrics is a no-op, so components can be built
// without metrics in tests.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "prens"

const (
	httpSubsystem       = "http"
	treeSubsystem       = "tree"
	compactionSubsystem = "compaction"
)

// Signal outcomes for SignalsTotal.
const (
	SignalQueued    = "queued"
	SignalCoalesced = "coalesced"
)

// Metrics holds every Prometheus metric of the service.
//
// # Description
//
// Create one instance per registry with NewMetrics. The service registers
// against its own registry so tests can build as many instances as they
// need.
type Metrics struct {
	// HTTPRequestsTotal counts handled requests.
	// Labels: method, route, status
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration measures handler latency.
	// Labels: method, route
	HTTPRequestDuration *prometheus.HistogramVec

	// EndpointOpsTotal counts endpoint mutations.
	// Labels: op (insert, delete), status (success, error)
	EndpointOpsTotal *prometheus.CounterVec

	// CompactionRunsTotal counts compaction passes.
	// Labels: status (success, error)
	CompactionRunsTotal *prometheus.CounterVec

	// CompactionRemovedTotal counts nodes removed by compaction.
	CompactionRemovedTotal prometheus.Counter

	// CompactionDuration measures pass duration.
	// Labels: status
	CompactionDuration *prometheus.HistogramVec

	// SignalsTotal counts cleanup signals.
	// Labels: outcome (queued, coalesced)
	SignalsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg.
//
// # Inputs
//
//   - reg: Registry to register with. prometheus.DefaultRegisterer when nil.
//
// # Outputs
//
//   - *Metrics: The registered metrics.
//
// # Limitations
//
//   - Registering twice with the same registry panics, as promauto does.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.ObserveEndpointOp("insert", nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "requests_total",
				Help:      "Total HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		EndpointOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: treeSubsystem,
				Name:      "endpoint_ops_total",
				Help:      "Endpoint inserts and deletes by status",
			},
			[]string{"op", "status"},
		),

		CompactionRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: compactionSubsystem,
				Name:      "runs_total",
				Help:      "Total compaction passes by status",
			},
			[]string{"status"},
		),

		CompactionRemovedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: compactionSubsystem,
				Name:      "removed_nodes_total",
				Help:      "Total nodes removed by compaction",
			},
		),

		CompactionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: compactionSubsystem,
				Name:      "duration_seconds",
				Help:      "Compaction pass duration in seconds",
				// Passes range from a no-op scan to long multi-round runs.
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
			},
			[]string{"status"},
		),

		SignalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: compactionSubsystem,
				Name:      "signals_total",
				Help:      "Cleanup signals by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// ObserveHTTPRequest records one handled request.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveEndpointOp records an insert or delete.
func (m *Metrics) ObserveEndpointOp(op string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EndpointOpsTotal.WithLabelValues(op, status).Inc()
}

// ObserveCompaction records a finished pass. It satisfies compactor.Metrics.
func (m *Metrics) ObserveCompaction(status string, removed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.CompactionRunsTotal.WithLabelValues(status).Inc()
	m.CompactionDuration.WithLabelValues(status).Observe(duration.Seconds())
	if removed > 0 {
		m.CompactionRemovedTotal.Add(float64(removed))
	}
}

// ObserveSignal records whether a Notify was queued or collapsed.
func (m *Metrics) ObserveSignal(queued bool) {
	if m == nil {
		return
	}
	if queued {
		m.SignalsTotal.WithLabelValues(SignalQueued).Inc()
		return
	}
	m.SignalsTotal.WithLabelValues(SignalCoalesced).Inc()
}
