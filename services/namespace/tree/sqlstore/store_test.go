// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/AleutianAI/prens/services/namespace/tree"
	"github.com/AleutianAI/prens/services/namespace/tree/treetest"
)

func newMemoryStore(t *testing.T, batch int) *Store {
	t.Helper()
	store, err := Open(Config{DSN: MemoryDSN, CompactBatchSize: batch})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestStore_Conformance(t *testing.T) {
	treetest.Run(t, func(t *testing.T) tree.Store {
		return newMemoryStore(t, 0)
	})
}

func TestStore_Conformance_SmallBatches(t *testing.T) {
	treetest.Run(t, func(t *testing.T) tree.Store {
		return newMemoryStore(t, 1)
	})
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorContains(t, err, "dsn is required")
}

// The schema keeps the table names of existing databases, and Init on an
// existing file is a no-op.
func TestStore_FileSchema(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "prens.db")

	store, err := Open(Config{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	assert.Equal(t, "sqlite", store.Backend())

	assert.True(t, store.db.Migrator().HasTable("hostname"))
	assert.True(t, store.db.Migrator().HasTable("heirarchy"))
	assert.True(t, store.db.Migrator().HasIndex(&nodeRow{}, "idx_heirarchy_parent"))

	ep, err := store.Insert(ctx, "a.b.com", 120)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(Config{DSN: dsn})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Init(ctx))

	got, err := store.Endpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, got.TTL)
}

// A node that is linked again between selection and delete survives the
// round: the delete statement re-checks the predicate.
func TestStore_DeleteRechecksPredicate(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t, 0)

	ep, err := store.Insert(ctx, "solo", 60)
	require.NoError(t, err)
	roots, err := store.Children(ctx, 0)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	node := roots[0]
	require.Equal(t, "solo", node.Label)
	require.NoError(t, store.Delete(ctx, ep.ID))

	err = store.db.Transaction(func(tx *gorm.DB) error {
		var candidates []int64
		require.NoError(t, tx.Raw(selectCollectable, 10).Scan(&candidates).Error)
		require.Equal(t, []int64{node.ID}, candidates)

		require.NoError(t, tx.Model(&nodeRow{}).Where("id = ?", node.ID).Update("hostname_id", 42).Error)

		res := tx.Exec(deleteCollectable, candidates)
		require.NoError(t, res.Error)
		assert.Zero(t, res.RowsAffected)
		return errors.New("rollback")
	})
	require.Error(t, err)
}

func TestGormLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newGormLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	ctx := context.Background()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	logger.Trace(ctx, time.Now(), fc, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String(), "record not found is not logged")

	logger.Trace(ctx, time.Now(), fc, errors.New("boom"))
	assert.Contains(t, buf.String(), "sql statement failed")

	buf.Reset()
	logger.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	assert.Contains(t, buf.String(), "slow sql statement")

	buf.Reset()
	silent := logger.LogMode(gormlogger.Silent)
	silent.Trace(ctx, time.Now(), fc, errors.New("boom"))
	silent.Error(ctx, "x")
	assert.Empty(t, buf.String())

	verbose := logger.LogMode(gormlogger.Info)
	verbose.Trace(ctx, time.Now(), fc, nil)
	assert.Contains(t, buf.String(), "SELECT 1")
}
