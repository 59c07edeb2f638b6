// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"context"
	"fmt"
	"log/slog"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Compact implements Store.
//
// # Description
//
// Runs rounds through RunRounds until the tree is minimal. Each round is one
// transaction that:
//
//  1. scans a fresh snapshot for collectable nodes (no endpoint, no
//     children), at most batchSize of them
//  2. re-reads every candidate inside the transaction and skips those that
//     gained a child or an endpoint since the scan
//  3. deletes the survivors with their label and parent index entries and
//     decrements each parent's child count
//
// The transaction reads every node record it deletes and every parent it
// updates, so an Insert attaching below one of them conflicts with the
// round. The losing side retries; a retried round starts from a new scan.
//
// Removing a leaf can expose its parent, which the next round picks up.
//
// # Outputs
//
//   - []int64: Removed node ids, ascending. Empty when nothing was garbage.
//   - error: Context error between rounds (with the ids removed so far),
//     or a persistence error.
func (s *BadgerStore) Compact(ctx context.Context) ([]int64, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return RunRounds(ctx, s.batchSize, s.logger, func(ctx context.Context, n int) ([]int64, int, error) {
		ids, scanned, err := s.compactRound(ctx)
		if err != nil {
			return nil, 0, s.wrapTxnErr(fmt.Sprintf("compaction round %d", n), err)
		}
		return ids, scanned, nil
	})
}

// compactRound deletes one batch of collectable nodes. It returns their
// ids and the number of candidates the scan selected.
func (s *BadgerStore) compactRound(ctx context.Context) ([]int64, int, error) {
	var (
		deleted []int64
		scanned int
	)

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		deleted = deleted[:0]

		candidates, err := s.scanCollectable()
		if err != nil {
			return err
		}
		scanned = len(candidates)
		if scanned == 0 {
			return nil
		}

		parents := make(map[int64]*nodeRecord)
		for _, id := range candidates {
			var rec nodeRecord
			found, err := getRecord(txn, nodeKey(id), &rec)
			if err != nil {
				return err
			}
			if !found || !rec.collectable() {
				continue
			}

			if err := txn.Delete(nodeKey(id)); err != nil {
				return err
			}
			if err := txn.Delete(nodeLabelKey(rec.Label)); err != nil {
				return err
			}
			if err := txn.Delete(childKey(rec.Parent, id)); err != nil {
				return err
			}
			deleted = append(deleted, id)

			if rec.Parent == 0 {
				continue
			}
			parent, ok := parents[rec.Parent]
			if !ok {
				parent = &nodeRecord{}
				found, err := getRecord(txn, nodeKey(rec.Parent), parent)
				if err != nil {
					return err
				}
				if !found {
					s.logger.Warn("compaction found node with missing parent",
						slog.Int64("node", id),
						slog.Int64("parent", rec.Parent))
					continue
				}
				parents[rec.Parent] = parent
			}
			if parent.Children > 0 {
				parent.Children--
			}
		}

		for id, parent := range parents {
			if err := setRecord(txn, nodeKey(id), *parent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return deleted, scanned, nil
}

// scanCollectable lists up to batchSize collectable node ids from a
// snapshot taken outside the round's transaction. The round re-checks every
// id, so the scan's reads need not take part in conflict detection.
func (s *BadgerStore) scanCollectable() ([]int64, error) {
	var ids []int64
	err := s.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefixNode
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixNode); it.ValidForPrefix(prefixNode) && len(ids) < s.batchSize; it.Next() {
			var rec nodeRecord
			if err := it.Item().Value(func(val []byte) error {
				return unmarshalRecord(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode node %x: %w", it.Item().Key(), err)
			}
			if rec.collectable() {
				ids = append(ids, rec.ID)
			}
		}
		return nil
	})
	return ids, err
}
