// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPassPanicked wraps a panic recovered from a compaction pass.
var ErrPassPanicked = errors.New("compaction pass panicked")

// =============================================================================
// Configuration
// =============================================================================

// Config holds the worker timing settings.
//
// # Fields
//
//   - Backoff: Sleep after every pass before the next signal is taken.
//     Default: 5s.
//   - PassTimeout: Upper bound for one pass. Zero means no bound.
//     Default: 1m.
//   - Interval: When positive, the worker also runs a pass on this period
//     without any signal. Default: 0 (disabled).
type Config struct {
	Backoff     time.Duration
	PassTimeout time.Duration
	Interval    time.Duration
}

// DefaultConfig returns the production worker configuration.
func DefaultConfig() Config {
	return Config{
		Backoff:     5 * time.Second,
		PassTimeout: time.Minute,
	}
}

// Trigger names what started a pass.
type Trigger string

const (
	TriggerSignal   Trigger = "signal"
	TriggerInterval Trigger = "interval"
	TriggerManual   Trigger = "manual"
)

// PassResult summarizes one compaction pass.
type PassResult struct {
	StartTime        time.Time
	EndTime          time.Time
	Trigger          Trigger
	RemovedIDs       []int64
	SignalsCoalesced int
	Err              error
}

// Duration returns the wall time of the pass.
func (r PassResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Status is "success" or "error", used as a metric label.
func (r PassResult) Status() string {
	if r.Err != nil {
		return "error"
	}
	return "success"
}

// Compactor is the store operation the worker drives. tree.Store
// satisfies it.
type Compactor interface {
	Compact(ctx context.Context) ([]int64, error)
}

// Metrics receives pass outcomes.
type Metrics interface {
	ObserveCompaction(status string, removed int, duration time.Duration)
}

// Options carries the worker's optional collaborators.
type Options struct {
	// Audit receives one record per pass. Default: NopAuditLog.
	Audit AuditLog

	// Metrics receives pass outcomes. May be nil.
	Metrics Metrics

	// Tracer opens a span per pass. Default: the global otel tracer.
	Tracer trace.Tracer

	// Logger for pass results. Default: slog.Default().
	Logger *slog.Logger

	// OnPass is called after every pass, from the worker goroutine for
	// signalled and interval passes.
	OnPass func(PassResult)
}

// =============================================================================
// Worker
// =============================================================================

// Worker owns every compaction pass of a process.
//
// # Description
//
// Start launches one goroutine that loops: wait for a signal (or the
// interval tick), drain the queue, run a pass bounded by PassTimeout,
// record the result, sleep Backoff. A failed or panicking pass is logged
// and counted and the loop goes on. Stop or context cancellation ends the
// loop; a pass cut short is not resumed, and the next signal starts again
// from a fresh scan.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Passes never overlap, including
// RunNow calls made while the loop is running.
type Worker struct {
	store   Compactor
	signals *Coalescer
	config  Config
	audit   AuditLog
	metrics Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	onPass  func(PassResult)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	passMu sync.Mutex
}

// NewWorker creates a stopped worker.
//
// # Inputs
//
//   - store: Compaction target.
//   - signals: Queue the worker consumes.
//   - config: Timing. Zero Backoff disables the post-pass sleep.
//   - opts: Optional collaborators.
//
// # Examples
//
//	signals := compactor.NewCoalescer(1)
//	worker := compactor.NewWorker(store, signals, compactor.DefaultConfig(), compactor.Options{})
//	if err := worker.Start(ctx); err != nil {
//	    return err
//	}
//	defer worker.Stop()
//	signals.Notify()
func NewWorker(store Compactor, signals *Coalescer, config Config, opts Options) *Worker {
	if opts.Audit == nil {
		opts.Audit = NopAuditLog{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/AleutianAI/prens/services/namespace/compactor")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		store:   store,
		signals: signals,
		config:  config,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		logger:  opts.Logger.With("component", "compactor"),
		onPass:  opts.OnPass,
	}
}

// Start launches the worker loop.
//
// # Outputs
//
//   - error: Non-nil if the worker is already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("compaction worker is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})

	w.logger.Info("compaction worker starting",
		"backoff", w.config.Backoff.String(),
		"pass_timeout", w.config.PassTimeout.String(),
		"interval", w.config.Interval.String(),
	)

	go w.run(loopCtx, w.done)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call more than
// once and on a worker that was never started.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("compaction worker stopped", "pending_signals", w.signals.Pending())
}

// RunNow runs one pass immediately, outside the signal queue. It waits
// for a pass in progress to finish first.
func (w *Worker) RunNow(ctx context.Context) PassResult {
	return w.executePass(ctx, TriggerManual, 0)
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer func() {
		// A loop ended by its parent context leaves the worker restartable.
		w.mu.Lock()
		if w.done == done {
			w.running = false
		}
		w.mu.Unlock()
		close(done)
	}()

	var tick <-chan time.Time
	if w.config.Interval > 0 {
		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		var trigger Trigger
		consumed := 0
		select {
		case <-ctx.Done():
			return
		case <-w.signals.C():
			trigger = TriggerSignal
			consumed = 1
		case <-tick:
			trigger = TriggerInterval
		}

		consumed += w.signals.Drain()
		w.executePass(ctx, trigger, consumed)

		if !w.sleep(ctx, w.config.Backoff) {
			return
		}
	}
}

// sleep waits d or until ctx is done. It reports false on cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// executePass runs and records one pass.
func (w *Worker) executePass(ctx context.Context, trigger Trigger, coalesced int) PassResult {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	ctx, span := w.tracer.Start(ctx, "compaction.pass",
		trace.WithAttributes(
			attribute.String("compaction.trigger", string(trigger)),
			attribute.Int("compaction.signals_coalesced", coalesced),
		))
	defer span.End()

	if w.config.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.PassTimeout)
		defer cancel()
	}

	result := PassResult{
		StartTime:        time.Now(),
		Trigger:          trigger,
		SignalsCoalesced: coalesced,
	}
	result.RemovedIDs, result.Err = w.compact(ctx)
	result.EndTime = time.Now()

	span.SetAttributes(attribute.Int("compaction.removed", len(result.RemovedIDs)))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		w.logger.Error("compaction pass failed",
			"trigger", trigger,
			"removed_ids", result.RemovedIDs,
			"duration_ms", result.Duration().Milliseconds(),
			"error", result.Err,
		)
	} else if len(result.RemovedIDs) > 0 {
		w.logger.Info("compaction pass completed",
			"trigger", trigger,
			"removed_ids", result.RemovedIDs,
			"signals_coalesced", coalesced,
			"duration_ms", result.Duration().Milliseconds(),
		)
	} else {
		w.logger.Debug("compaction pass completed (nothing to remove)", "trigger", trigger)
	}

	if w.metrics != nil {
		w.metrics.ObserveCompaction(result.Status(), len(result.RemovedIDs), result.Duration())
	}
	if err := w.audit.LogPass(result); err != nil {
		w.logger.Warn("failed to write compaction audit record", "error", err)
	}
	if w.onPass != nil {
		w.onPass(result)
	}
	return result
}

// compact calls the store and turns a panic into ErrPassPanicked.
func (w *Worker) compact(ctx context.Context) (ids []int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPassPanicked, r)
		}
	}()
	return w.store.Compact(ctx)
}
