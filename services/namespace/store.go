// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package namespace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/prens/services/namespace/config"
	"github.com/AleutianAI/prens/services/namespace/storage/badger"
	"github.com/AleutianAI/prens/services/namespace/tree"
	"github.com/AleutianAI/prens/services/namespace/tree/sqlstore"
)

// MemoryPath selects an in-memory store for either driver.
const MemoryPath = ":memory:"

// OpenStore opens the configured tree store and creates its schema.
//
// # Inputs
//
//   - ctx: Bounds Init.
//   - cfg: Storage section of the service configuration.
//   - logger: Store logger. Default: slog.Default().
//
// # Outputs
//
//   - tree.Store: Initialized store. The caller closes it.
//   - error: Open or Init failure.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (tree.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store tree.Store
		err   error
	)
	switch cfg.Driver {
	case config.DriverBadger:
		dbCfg := badger.DefaultConfig()
		if cfg.Path == MemoryPath {
			dbCfg = badger.InMemoryConfig()
		} else {
			dbCfg.Path = cfg.Path
			dbCfg.SyncWrites = cfg.SyncWrites
			dbCfg.GCInterval = cfg.ValueLogGCInterval
		}
		dbCfg.Logger = logger
		dbCfg.MaxTxnRetries = cfg.MaxTxnRetries
		store, err = tree.OpenBadgerStore(dbCfg, tree.BadgerOptions{
			CompactBatchSize: cfg.CompactBatchSize,
			Logger:           logger,
		})

	case config.DriverSQLite:
		store, err = sqlstore.Open(sqlstore.Config{
			DSN:              cfg.Path,
			CompactBatchSize: cfg.CompactBatchSize,
			Logger:           logger,
		})

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}

	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init %s store: %w", cfg.Driver, err)
	}
	return store, nil
}
