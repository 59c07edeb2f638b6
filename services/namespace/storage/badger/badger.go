// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the BadgerDB instance backing the
// namespace tree store.
//
// The package adds three things on top of the raw badger API:
//
//   - a slog bridge for badger's internal logger
//   - a value log GC runner tied to the DB lifecycle
//   - WithTxn, which retries a read-write transaction when badger reports
//     a serializable-snapshot conflict
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultMaxTxnRetries is the retry budget of WithTxn when Config leaves it
// unset.
const DefaultMaxTxnRetries = 16

const (
	retryBaseDelay = time.Millisecond
	retryMaxDelay  = 50 * time.Millisecond
)

// ErrRetriesExhausted is returned by WithTxn when every attempt ended in
// badger.ErrConflict.
var ErrRetriesExhausted = errors.New("transaction conflict retries exhausted")

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal log lines. Nil disables them.
	Logger *slog.Logger

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int

	// GCInterval is how often to run value log garbage collection.
	// Zero disables the runner.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before a value log
	// file is rewritten.
	GCDiscardRatio float64

	// MaxTxnRetries bounds WithTxn attempts on conflict.
	// Default: DefaultMaxTxnRetries.
	MaxTxnRetries int
}

// DefaultConfig returns the production configuration.
//
// # Description
//
// Durable writes, a single retained version per key, value log GC every
// five minutes at a 0.5 discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
		MaxTxnRetries:     DefaultMaxTxnRetries,
	}
}

// InMemoryConfig returns the configuration used by tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
		MaxTxnRetries:     DefaultMaxTxnRetries,
	}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

// Open opens a raw BadgerDB instance.
//
// # Description
//
// Opens the database at cfg.Path, creating the directory if needed, or an
// in-memory database when cfg.InMemory is set.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *badger.DB: The opened database. Caller must Close it.
//   - error: Non-nil if the path is missing or badger fails to open.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	versions := cfg.NumVersionsToKeep
	if versions <= 0 {
		versions = 1
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(versions)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// =============================================================================
// Value Log GC
// =============================================================================

// GCRunner runs periodic value log garbage collection.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewGCRunner validates its inputs and returns an unstarted runner.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, errors.New("ratio must be between 0 and 1 exclusive")
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the GC goroutine.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts the GC goroutine and waits for it. Safe to call more than once.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

// runGC rewrites value log files until badger reports nothing left to do.
func (r *GCRunner) runGC() {
	rewrites := 0
	for {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			rewrites++
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
		break
	}
	if rewrites > 0 && r.logger != nil {
		r.logger.Debug("badger value log GC completed", slog.Int("rewrites", rewrites))
	}
}

// =============================================================================
// Managed DB
// =============================================================================

// DB wraps a BadgerDB instance with lifecycle management and
// conflict-retrying transactions.
type DB struct {
	*badger.DB
	gcRunner   *GCRunner
	path       string
	inMemory   bool
	maxRetries int

	closeOnce sync.Once
	closeErr  error
}

// OpenDB opens a managed BadgerDB.
//
// # Description
//
// Opens the database and starts a GCRunner when GCInterval is set and the
// database is persistent.
//
// # Inputs
//
//   - cfg: Database configuration.
//
// # Outputs
//
//   - *DB: The managed database. Call Close when done.
//   - error: Non-nil if the database cannot be opened.
//
// # Examples
//
//	db, err := badger.OpenDB(badger.InMemoryConfig())
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func OpenDB(cfg Config) (*DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	retries := cfg.MaxTxnRetries
	if retries <= 0 {
		retries = DefaultMaxTxnRetries
	}

	wrapped := &DB{
		DB:         db,
		path:       cfg.Path,
		inMemory:   cfg.InMemory,
		maxRetries: retries,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio == 0 {
			ratio = 0.5
		}
		runner, err := NewGCRunner(db, cfg.GCInterval, ratio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		wrapped.gcRunner = runner
		runner.Start()
	}

	return wrapped, nil
}

// Close stops the GC runner and closes the database. Safe to call more
// than once; later calls return the first result.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gcRunner != nil {
			d.gcRunner.Stop()
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether the database is in-memory.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// MaxTxnRetries returns the WithTxn attempt budget.
func (d *DB) MaxTxnRetries() int {
	return d.maxRetries
}

// WithTxn runs fn in a read-write transaction and commits it.
//
// # Description
//
// When the commit fails with badger.ErrConflict, the transaction is
// discarded and fn runs again in a fresh transaction, up to MaxTxnRetries
// attempts with a jittered, growing delay between them. Any other error
// from fn or Commit is returned as is without retry.
//
// # Inputs
//
//   - ctx: Checked before every attempt and during the retry delay.
//   - fn: Transaction body. It may run several times, so it must reset
//     any state it accumulates outside the transaction.
//
// # Outputs
//
//   - error: nil on commit, ErrRetriesExhausted (wrapped) when every
//     attempt conflicted, the context error, or fn's error.
//
// # Limitations
//
//   - fn must not retain the *badger.Txn after returning.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		err := d.runTxn(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= d.maxRetries {
			return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
		}

		timer := time.NewTimer(retryDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (d *DB) runTxn(fn func(txn *badger.Txn) error) error {
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// retryDelay grows linearly with the attempt number, is capped, and adds
// up to 100% jitter so racing writers spread out.
func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * retryBaseDelay
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d + rand.N(d+1)
}

// WithReadTxn runs fn in a read-only snapshot transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}
