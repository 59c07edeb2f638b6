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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// fakeStore records Compact calls. Each call runs the next scripted step,
// or returns the ids [1] when the script is exhausted.
type fakeStore struct {
	mu    sync.Mutex
	calls int
	steps []func(ctx context.Context) ([]int64, error)
}

func (f *fakeStore) Compact(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	f.calls++
	var step func(ctx context.Context) ([]int64, error)
	if len(f.steps) > 0 {
		step, f.steps = f.steps[0], f.steps[1:]
	}
	f.mu.Unlock()

	if step != nil {
		return step(ctx)
	}
	return []int64{1}, nil
}

func (f *fakeStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type passRecorder struct {
	mu      sync.Mutex
	results []PassResult
}

func (r *passRecorder) record(result PassResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *passRecorder) snapshot() []PassResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PassResult(nil), r.results...)
}

type fakeMetrics struct {
	mu       sync.Mutex
	statuses []string
	removed  int
}

func (m *fakeMetrics) ObserveCompaction(status string, removed int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	m.removed += removed
}

func startWorker(t *testing.T, store Compactor, signals *Coalescer, cfg Config, opts Options) *Worker {
	t.Helper()
	w := NewWorker(store, signals, cfg, opts)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

// =============================================================================
// Coalescer Tests
// =============================================================================

func TestCoalescer_NotifyCollapses(t *testing.T) {
	c := NewCoalescer(0)

	assert.True(t, c.Notify())
	assert.False(t, c.Notify())
	assert.False(t, c.Notify())
	assert.Equal(t, 1, c.Pending())

	assert.Equal(t, 1, c.Drain())
	assert.Equal(t, 0, c.Drain())
	assert.True(t, c.Notify(), "queue has room again")
}

func TestCoalescer_LargerQueue(t *testing.T) {
	c := NewCoalescer(3)
	for range 3 {
		assert.True(t, c.Notify())
	}
	assert.False(t, c.Notify())

	<-c.C()
	assert.Equal(t, 2, c.Drain())
}

// =============================================================================
// Worker Tests
// =============================================================================

// Signals posted while a pass runs collapse into exactly one more pass.
func TestWorker_CoalescesSignals(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	store := &fakeStore{steps: []func(context.Context) ([]int64, error){
		func(ctx context.Context) ([]int64, error) {
			close(started)
			<-release
			return []int64{3, 4}, nil
		},
	}}
	rec := &passRecorder{}
	signals := NewCoalescer(1)
	startWorker(t, store, signals, Config{Backoff: time.Millisecond}, Options{OnPass: rec.record})

	signals.Notify()
	<-started

	for range 10 {
		signals.Notify()
	}
	close(release)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, store.Calls(), "eleven signals cost two passes")

	results := rec.snapshot()
	assert.Equal(t, []int64{3, 4}, results[0].RemovedIDs)
	assert.Equal(t, TriggerSignal, results[0].Trigger)
	assert.Equal(t, 1, results[0].SignalsCoalesced)
	assert.Equal(t, 1, results[1].SignalsCoalesced)
}

func TestWorker_DrainsQueueBeforePass(t *testing.T) {
	store := &fakeStore{}
	rec := &passRecorder{}
	signals := NewCoalescer(4)
	for range 4 {
		signals.Notify()
	}

	startWorker(t, store, signals, Config{Backoff: time.Millisecond}, Options{OnPass: rec.record})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.Calls())
	assert.Equal(t, 4, rec.snapshot()[0].SignalsCoalesced)
}

// A failing or panicking pass is recorded and the loop keeps serving.
func TestWorker_FailureIsolation(t *testing.T) {
	store := &fakeStore{steps: []func(context.Context) ([]int64, error){
		func(context.Context) ([]int64, error) { return nil, errors.New("disk on fire") },
		func(context.Context) ([]int64, error) { panic("boom") },
	}}
	rec := &passRecorder{}
	metrics := &fakeMetrics{}
	signals := NewCoalescer(1)
	startWorker(t, store, signals, Config{Backoff: time.Millisecond}, Options{OnPass: rec.record, Metrics: metrics})

	for i := 1; i <= 3; i++ {
		signals.Notify()
		require.Eventually(t, func() bool { return len(rec.snapshot()) == i }, 2*time.Second, 5*time.Millisecond)
	}

	results := rec.snapshot()
	assert.EqualError(t, results[0].Err, "disk on fire")
	assert.ErrorIs(t, results[1].Err, ErrPassPanicked)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, []int64{1}, results[2].RemovedIDs)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []string{"error", "error", "success"}, metrics.statuses)
	assert.Equal(t, 1, metrics.removed)
}

// No pass starts before Backoff has elapsed since the previous one ended.
func TestWorker_Backoff(t *testing.T) {
	const backoff = 150 * time.Millisecond
	store := &fakeStore{}
	rec := &passRecorder{}
	signals := NewCoalescer(1)
	startWorker(t, store, signals, Config{Backoff: backoff}, Options{OnPass: rec.record})

	signals.Notify()
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, time.Millisecond)
	signals.Notify()
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	results := rec.snapshot()
	assert.GreaterOrEqual(t, results[1].StartTime.Sub(results[0].EndTime), backoff)
}

// Stop returns promptly even while the worker sleeps a long backoff.
func TestWorker_StopDuringBackoff(t *testing.T) {
	store := &fakeStore{}
	rec := &passRecorder{}
	signals := NewCoalescer(1)
	w := NewWorker(store, signals, Config{Backoff: time.Hour}, Options{OnPass: rec.record})
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()), "second start is rejected")

	signals.Notify()
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	w.Stop()

	require.NoError(t, w.Start(context.Background()), "a stopped worker can start again")
	w.Stop()
}

func TestWorker_ContextCancelEndsLoop(t *testing.T) {
	store := &fakeStore{}
	w := NewWorker(store, NewCoalescer(1), Config{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	w.Stop()
	assert.Zero(t, store.Calls())
}

func TestWorker_RestartAfterContextCancel(t *testing.T) {
	w := NewWorker(&fakeStore{}, NewCoalescer(1), Config{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	done := w.done
	cancel()
	<-done

	require.NoError(t, w.Start(context.Background()), "no Stop is needed after the parent context ends")
	w.Stop()
	w.Stop()
}

func TestWorker_PassTimeout(t *testing.T) {
	store := &fakeStore{steps: []func(context.Context) ([]int64, error){
		func(ctx context.Context) ([]int64, error) {
			<-ctx.Done()
			return []int64{7}, ctx.Err()
		},
	}}
	w := NewWorker(store, NewCoalescer(1), Config{PassTimeout: 20 * time.Millisecond}, Options{})

	result := w.RunNow(context.Background())
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.Equal(t, []int64{7}, result.RemovedIDs, "partial progress is reported")
	assert.Equal(t, TriggerManual, result.Trigger)
	assert.Equal(t, "error", result.Status())
}

func TestWorker_Interval(t *testing.T) {
	store := &fakeStore{}
	rec := &passRecorder{}
	startWorker(t, store, NewCoalescer(1), Config{Interval: 10 * time.Millisecond}, Options{OnPass: rec.record})

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, TriggerInterval, rec.snapshot()[0].Trigger)
	assert.Zero(t, rec.snapshot()[0].SignalsCoalesced)
}

// RunNow never overlaps a pass started by the loop.
func TestWorker_RunNowSerializes(t *testing.T) {
	var active, overlap atomic.Int32
	slow := func(context.Context) ([]int64, error) {
		if active.Add(1) > 1 {
			overlap.Store(1)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}
	store := &fakeStore{steps: []func(context.Context) ([]int64, error){slow, slow, slow}}
	signals := NewCoalescer(1)
	w := startWorker(t, store, signals, Config{}, Options{})

	signals.Notify()
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.RunNow(context.Background())
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return store.Calls() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, overlap.Load())
}

// =============================================================================
// Audit Log Tests
// =============================================================================

func TestFileAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "compaction.log")
	audit, err := NewFileAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, path, audit.Path())

	start := time.Now()
	require.NoError(t, audit.LogPass(PassResult{
		StartTime:        start,
		EndTime:          start.Add(42 * time.Millisecond),
		Trigger:          TriggerSignal,
		RemovedIDs:       []int64{1, 2, 3},
		SignalsCoalesced: 2,
	}))
	require.NoError(t, audit.LogPass(PassResult{
		StartTime: start,
		EndTime:   start,
		Trigger:   TriggerManual,
		Err:       errors.New("boom"),
	}))
	require.NoError(t, audit.Close())
	require.NoError(t, audit.Close())
	assert.ErrorIs(t, audit.LogPass(PassResult{}), os.ErrClosed)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(auditLogFileMode), info.Mode().Perm())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []passRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec passRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)

	assert.Equal(t, "compaction_pass", records[0].Operation)
	assert.Equal(t, "signal", records[0].Trigger)
	assert.Equal(t, []int64{1, 2, 3}, records[0].RemovedIDs)
	assert.Equal(t, 3, records[0].RemovedCount)
	assert.Equal(t, 2, records[0].SignalsCoalesced)
	assert.Equal(t, int64(42), records[0].DurationMs)
	assert.Empty(t, records[0].Error)

	assert.Equal(t, []int64{}, records[1].RemovedIDs)
	assert.Equal(t, "boom", records[1].Error)
}

func TestWorker_WritesAudit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compaction.log")
	audit, err := NewFileAuditLog(path)
	require.NoError(t, err)
	defer audit.Close()

	w := NewWorker(&fakeStore{}, NewCoalescer(1), Config{}, Options{Audit: audit})
	w.RunNow(context.Background())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trigger":"manual"`)
}
