// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlstore implements tree.Store on a relational database through
// gorm, using the pure-Go SQLite driver.
//
// The layout is two tables: hostname (endpoints) and heirarchy (nodes, with
// a nullable parent and a nullable hostname_id). Find-or-create of a node
// is INSERT ... ON CONFLICT DO NOTHING followed by a select on the unique
// name, so concurrent inserts never duplicate a label.
//
// The connection pool is limited to one connection: SQLite has a single
// writer, and an in-memory database lives only as long as its connection.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AleutianAI/prens/services/namespace/tree"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Config configures a Store.
type Config struct {
	// DSN is a file path or MemoryDSN. Pragmas may be appended as
	// "?_pragma=busy_timeout(5000)".
	DSN string

	// CompactBatchSize bounds the nodes deleted per compaction round.
	// Default: tree.DefaultCompactBatchSize.
	CompactBatchSize int

	// Logger receives store and gorm log lines. Default: slog.Default().
	Logger *slog.Logger
}

// Store is the gorm-backed tree.Store.
type Store struct {
	db        *gorm.DB
	batchSize int
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open connects to the database. Call Init before use.
//
// # Inputs
//
//   - cfg: Store configuration. DSN is required.
//
// # Outputs
//
//   - *Store: Connected store. Call Close when done.
//   - error: Non-nil if the DSN is empty or the connection fails.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("dsn is required")
	}
	if cfg.CompactBatchSize <= 0 {
		cfg.CompactBatchSize = tree.DefaultCompactBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("store", "sqlite")

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger:                 newGormLogger(logger),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return &Store{
		db:        db,
		batchSize: cfg.CompactBatchSize,
		logger:    logger,
	}, nil
}

// Backend implements tree.Store.
func (s *Store) Backend() string { return "sqlite" }

// Init creates missing tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := s.db.WithContext(ctx).AutoMigrate(&endpointRow{}, &nodeRow{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// =============================================================================
// Mutations
// =============================================================================

// Insert implements tree.Store.
func (s *Store) Insert(ctx context.Context, name string, ttl int) (tree.Endpoint, error) {
	if err := tree.CheckInsert(name, ttl); err != nil {
		return tree.Endpoint{}, err
	}
	release, err := s.acquire()
	if err != nil {
		return tree.Endpoint{}, err
	}
	defer release()

	var out endpointRow
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := endpointRow{Hostname: name, TTL: ttl}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hostname"}},
			DoUpdates: clause.AssignmentColumns([]string{"ttl"}),
		}).Create(&upsert).Error; err != nil {
			return fmt.Errorf("upsert endpoint: %w", err)
		}
		if err := tx.Where("hostname = ?", name).Take(&out).Error; err != nil {
			return fmt.Errorf("read endpoint: %w", err)
		}

		var parent *int64
		for _, label := range tree.RootFirst(name) {
			id, err := findOrCreateNode(tx, label, parent)
			if err != nil {
				return err
			}
			parent = &id
		}

		own := nodeRow{Name: name, Parent: parent, HostnameID: &out.ID}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"hostname_id"}),
		}).Create(&own).Error; err != nil {
			return fmt.Errorf("upsert node %q: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return tree.Endpoint{}, fmt.Errorf("insert %s: %w", name, err)
	}
	return out.toEndpoint(), nil
}

// findOrCreateNode inserts the node unless its label exists and returns
// the id of whichever row holds the label.
func findOrCreateNode(tx *gorm.DB, label string, parent *int64) (int64, error) {
	row := nodeRow{Name: label, Parent: parent}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("create node %q: %w", label, err)
	}

	var found nodeRow
	if err := tx.Where("name = ?", label).Take(&found).Error; err != nil {
		return 0, fmt.Errorf("read node %q: %w", label, err)
	}
	return found.ID, nil
}

// Delete implements tree.Store.
func (s *Store) Delete(ctx context.Context, endpointID int64) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&endpointRow{}, endpointID).Error; err != nil {
			return err
		}
		return tx.Model(&nodeRow{}).
			Where("hostname_id = ?", endpointID).
			Update("hostname_id", nil).Error
	})
	if err != nil {
		return fmt.Errorf("delete endpoint %d: %w", endpointID, err)
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// Endpoint implements tree.Store.
func (s *Store) Endpoint(ctx context.Context, id int64) (tree.Endpoint, error) {
	release, err := s.acquire()
	if err != nil {
		return tree.Endpoint{}, err
	}
	defer release()

	var row endpointRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return tree.Endpoint{}, notFound("endpoint", id, err)
	}
	return row.toEndpoint(), nil
}

// Endpoints implements tree.Store.
func (s *Store) Endpoints(ctx context.Context, after int64, pageSize int) ([]tree.Endpoint, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var rows []endpointRow
	if err := s.db.WithContext(ctx).
		Where("id > ?", after).
		Order("id").
		Limit(tree.NormalizePageSize(pageSize)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	out := make([]tree.Endpoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEndpoint())
	}
	return out, nil
}

// Node implements tree.Store.
func (s *Store) Node(ctx context.Context, id int64) (tree.Node, error) {
	release, err := s.acquire()
	if err != nil {
		return tree.Node{}, err
	}
	defer release()

	var row nodeRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return tree.Node{}, notFound("node", id, err)
	}
	return row.toNode(), nil
}

// Children implements tree.Store.
func (s *Store) Children(ctx context.Context, parentID int64) ([]tree.Node, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	q := s.db.WithContext(ctx).Order("id")
	if parentID == 0 {
		q = q.Where("parent IS NULL")
	} else {
		q = q.Where("parent = ?", parentID)
	}

	var rows []nodeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parentID, err)
	}

	out := make([]tree.Node, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toNode())
	}
	return out, nil
}

// =============================================================================
// Compaction
// =============================================================================

const selectCollectable = `
SELECT h.id FROM heirarchy h
LEFT JOIN heirarchy c ON c.parent = h.id
WHERE h.hostname_id IS NULL AND c.id IS NULL
ORDER BY h.id
LIMIT ?`

const deleteCollectable = `
DELETE FROM heirarchy
WHERE id IN ?
  AND hostname_id IS NULL
  AND NOT EXISTS (SELECT 1 FROM heirarchy c WHERE c.parent = heirarchy.id)`

// Compact implements tree.Store.
//
// # Description
//
// Each round is one transaction that selects collectable nodes with an
// anti-join and deletes them with a statement that re-applies the same
// predicate, so a node that gained a child or an endpoint in between is
// kept. tree.RunRounds decides when the tree is minimal.
func (s *Store) Compact(ctx context.Context) ([]int64, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return tree.RunRounds(ctx, s.batchSize, s.logger, func(ctx context.Context, n int) ([]int64, int, error) {
		ids, scanned, err := s.compactRound(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("compaction round %d: %w", n, err)
		}
		return ids, scanned, nil
	})
}

func (s *Store) compactRound(ctx context.Context) ([]int64, int, error) {
	var (
		deleted []int64
		scanned int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deleted = nil
		var candidates []int64
		if err := tx.Raw(selectCollectable, s.batchSize).Scan(&candidates).Error; err != nil {
			return err
		}
		scanned = len(candidates)
		if scanned == 0 {
			return nil
		}

		res := tx.Exec(deleteCollectable, candidates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == int64(scanned) {
			deleted = candidates
			return nil
		}

		var kept []int64
		if err := tx.Model(&nodeRow{}).Where("id IN ?", candidates).Pluck("id", &kept).Error; err != nil {
			return err
		}
		for _, id := range candidates {
			if !slices.Contains(kept, id) {
				deleted = append(deleted, id)
			}
		}
		return nil
	})
	return deleted, scanned, err
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close closes the connection pool. Later calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) acquire() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, tree.ErrClosed
	}
	return s.mu.RUnlock, nil
}

func notFound(kind string, id int64, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, tree.ErrNotFound)
	}
	return fmt.Errorf("read %s %d: %w", kind, id, err)
}

// Compile-time interface check.
var _ tree.Store = (*Store)(nil)
