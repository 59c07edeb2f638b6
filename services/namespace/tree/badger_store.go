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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/prens/services/namespace/storage/badger"
)

// sequenceBandwidth is the number of ids leased per badger Sequence lease.
const sequenceBandwidth = 128

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// CompactBatchSize bounds the nodes deleted per compaction round.
	// Default: DefaultCompactBatchSize.
	CompactBatchSize int

	// Logger for store events. Default: slog.Default().
	Logger *slog.Logger
}

// BadgerStore is the Store backed by BadgerDB.
//
// # Description
//
// Every mutation is one badger read-write transaction run through
// badger.DB.WithTxn, which retries on serializable-snapshot conflicts.
// Concurrent find-or-create of a shared ancestor therefore resolves to a
// single node: the losing transaction conflicts, retries, and finds the
// node the winner created.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db        *badger.DB
	ownsDB    bool
	batchSize int
	logger    *slog.Logger

	endpointSeq *dgbadger.Sequence
	nodeSeq     *dgbadger.Sequence

	mu     sync.RWMutex
	closed bool
}

// NewBadgerStore builds a store on an already opened database.
//
// # Description
//
// The store does not take ownership of db: Close releases the id
// sequences but leaves db open.
//
// # Inputs
//
//   - db: Open managed database. Must not be nil.
//   - opts: Store options.
//
// # Outputs
//
//   - *BadgerStore: Ready after Init.
//   - error: Non-nil if the id sequences cannot be leased.
func NewBadgerStore(db *badger.DB, opts BadgerOptions) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if opts.CompactBatchSize <= 0 {
		opts.CompactBatchSize = DefaultCompactBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	endpointSeq, err := db.GetSequence(keyEndpointSeq, sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("lease endpoint sequence: %w", err)
	}
	nodeSeq, err := db.GetSequence(keyNodeSeq, sequenceBandwidth)
	if err != nil {
		_ = endpointSeq.Release()
		return nil, fmt.Errorf("lease node sequence: %w", err)
	}

	return &BadgerStore{
		db:          db,
		batchSize:   opts.CompactBatchSize,
		logger:      opts.Logger.With("store", "badger"),
		endpointSeq: endpointSeq,
		nodeSeq:     nodeSeq,
	}, nil
}

// OpenBadgerStore opens a database from cfg and builds a store that owns
// it.
//
// # Examples
//
//	store, err := tree.OpenBadgerStore(badger.InMemoryConfig(), tree.BadgerOptions{})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	err = store.Init(ctx)
func OpenBadgerStore(cfg badger.Config, opts BadgerOptions) (*BadgerStore, error) {
	db, err := badger.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewBadgerStore(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	store.logger.Debug("badger tree store opened", "in_memory", db.InMemory())
	return store, nil
}

// Backend implements Store.
func (s *BadgerStore) Backend() string { return "badger" }

// Init records the schema version on first use and rejects databases
// written with a different one.
func (s *BadgerStore) Init(ctx context.Context) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(keySchema)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return txn.Set(keySchema, []byte(schemaVersion))
		}
		if err != nil {
			return err
		}
		version, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(version) != schemaVersion {
			return fmt.Errorf("%w: %q", ErrSchemaVersion, version)
		}
		return nil
	})
	if err != nil {
		return s.wrapTxnErr("init schema", err)
	}
	return nil
}

// =============================================================================
// Mutations
// =============================================================================

// Insert implements Store.
func (s *BadgerStore) Insert(ctx context.Context, name string, ttl int) (Endpoint, error) {
	if err := CheckInsert(name, ttl); err != nil {
		return Endpoint{}, err
	}
	release, err := s.acquire()
	if err != nil {
		return Endpoint{}, err
	}
	defer release()

	var out Endpoint
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		ep, err := s.upsertEndpoint(txn, name, ttl)
		if err != nil {
			return err
		}

		var parent int64
		for _, label := range RootFirst(name) {
			parent, err = s.findOrCreateNode(txn, label, parent)
			if err != nil {
				return err
			}
		}

		if err := s.upsertOwnNode(txn, name, parent, ep.ID); err != nil {
			return err
		}
		out = ep.toEndpoint()
		return nil
	})
	if err != nil {
		return Endpoint{}, s.wrapTxnErr("insert "+name, err)
	}
	return out, nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, endpointID int64) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		var ep endpointRecord
		found, err := getRecord(txn, endpointKey(endpointID), &ep)
		if err != nil || !found {
			return err
		}
		if err := txn.Delete(endpointKey(endpointID)); err != nil {
			return err
		}
		if err := txn.Delete(endpointNameKey(ep.Name)); err != nil {
			return err
		}

		nodeID, found, err := getID(txn, nodeLabelKey(ep.Name))
		if err != nil || !found {
			return err
		}
		var node nodeRecord
		found, err = getRecord(txn, nodeKey(nodeID), &node)
		if err != nil || !found || node.Endpoint != endpointID {
			return err
		}
		node.Endpoint = 0
		return setRecord(txn, nodeKey(nodeID), node)
	})
	if err != nil {
		return s.wrapTxnErr(fmt.Sprintf("delete endpoint %d", endpointID), err)
	}
	return nil
}

func (s *BadgerStore) upsertEndpoint(txn *dgbadger.Txn, name string, ttl int) (endpointRecord, error) {
	id, found, err := getID(txn, endpointNameKey(name))
	if err != nil {
		return endpointRecord{}, err
	}

	var rec endpointRecord
	if found {
		ok, err := getRecord(txn, endpointKey(id), &rec)
		if err != nil {
			return endpointRecord{}, err
		}
		if !ok {
			return endpointRecord{}, fmt.Errorf("endpoint %q indexed as %d but missing", name, id)
		}
		rec.TTL = ttl
	} else {
		id, err = nextID(s.endpointSeq)
		if err != nil {
			return endpointRecord{}, err
		}
		rec = endpointRecord{ID: id, Name: name, TTL: ttl}
		if err := txn.Set(endpointNameKey(name), encodeID(id)); err != nil {
			return endpointRecord{}, err
		}
	}

	if err := setRecord(txn, endpointKey(id), rec); err != nil {
		return endpointRecord{}, err
	}
	return rec, nil
}

// findOrCreateNode returns the id of the node for label, creating it under
// parent when absent.
func (s *BadgerStore) findOrCreateNode(txn *dgbadger.Txn, label string, parent int64) (int64, error) {
	id, found, err := getID(txn, nodeLabelKey(label))
	if err != nil || found {
		return id, err
	}
	return s.createNode(txn, nodeRecord{Label: label, Parent: parent})
}

// upsertOwnNode links the node for the full name to its endpoint. An
// existing node keeps its parent.
func (s *BadgerStore) upsertOwnNode(txn *dgbadger.Txn, name string, parent, endpointID int64) error {
	id, found, err := getID(txn, nodeLabelKey(name))
	if err != nil {
		return err
	}
	if !found {
		_, err := s.createNode(txn, nodeRecord{Label: name, Parent: parent, Endpoint: endpointID})
		return err
	}

	var rec nodeRecord
	ok, err := getRecord(txn, nodeKey(id), &rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("node %q indexed as %d but missing", name, id)
	}
	if rec.Endpoint == endpointID {
		return nil
	}
	rec.Endpoint = endpointID
	return setRecord(txn, nodeKey(id), rec)
}

// createNode writes a new node with its label and parent indexes and bumps
// the parent's child count.
func (s *BadgerStore) createNode(txn *dgbadger.Txn, rec nodeRecord) (int64, error) {
	id, err := nextID(s.nodeSeq)
	if err != nil {
		return 0, err
	}
	rec.ID = id

	if rec.Parent != 0 {
		var parent nodeRecord
		ok, err := getRecord(txn, nodeKey(rec.Parent), &parent)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("parent node %d of %q missing", rec.Parent, rec.Label)
		}
		parent.Children++
		if err := setRecord(txn, nodeKey(parent.ID), parent); err != nil {
			return 0, err
		}
	}

	if err := setRecord(txn, nodeKey(id), rec); err != nil {
		return 0, err
	}
	if err := txn.Set(nodeLabelKey(rec.Label), encodeID(id)); err != nil {
		return 0, err
	}
	if err := txn.Set(childKey(rec.Parent, id), []byte{}); err != nil {
		return 0, err
	}
	return id, nil
}

// =============================================================================
// Reads
// =============================================================================

// Endpoint implements Store.
func (s *BadgerStore) Endpoint(ctx context.Context, id int64) (Endpoint, error) {
	release, err := s.acquire()
	if err != nil {
		return Endpoint{}, err
	}
	defer release()

	var rec endpointRecord
	err = s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		found, err := getRecord(txn, endpointKey(id), &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("endpoint %d: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return Endpoint{}, err
	}
	return rec.toEndpoint(), nil
}

// Endpoints implements Store.
func (s *BadgerStore) Endpoints(ctx context.Context, after int64, pageSize int) ([]Endpoint, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	limit := NormalizePageSize(pageSize)
	out := make([]Endpoint, 0)
	if after == math.MaxInt64 {
		return out, nil
	}

	start := prefixEndpoint
	if after >= 0 {
		start = endpointKey(after + 1)
	}

	err = s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefixEndpoint
		opts.PrefetchSize = limit
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefixEndpoint) && len(out) < limit; it.Next() {
			var rec endpointRecord
			if err := it.Item().Value(func(val []byte) error {
				return unmarshalRecord(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode endpoint %x: %w", it.Item().Key(), err)
			}
			out = append(out, rec.toEndpoint())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Node implements Store.
func (s *BadgerStore) Node(ctx context.Context, id int64) (Node, error) {
	release, err := s.acquire()
	if err != nil {
		return Node{}, err
	}
	defer release()

	var rec nodeRecord
	err = s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		found, err := getRecord(txn, nodeKey(id), &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return Node{}, err
	}
	return rec.toNode(), nil
}

// Children implements Store.
func (s *BadgerStore) Children(ctx context.Context, parentID int64) ([]Node, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([]Node, 0)
	prefix := childPrefix(parentID)

	err = s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			childID := trailingID(it.Item().Key())
			var rec nodeRecord
			found, err := getRecord(txn, nodeKey(childID), &rec)
			if err != nil {
				return err
			}
			if !found {
				s.logger.Warn("dangling child index entry",
					slog.Int64("parent", parentID),
					slog.Int64("child", childID))
				continue
			}
			out = append(out, rec.toNode())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close releases the id sequences and, when the store opened the database
// itself, the database. Later calls are no-ops.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	errs := []error{s.endpointSeq.Release(), s.nodeSeq.Release()}
	if s.ownsDB {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// acquire holds the read side of the close lock for one operation.
func (s *BadgerStore) acquire() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	return s.mu.RUnlock, nil
}

func (s *BadgerStore) wrapTxnErr(op string, err error) error {
	if errors.Is(err, badger.ErrRetriesExhausted) {
		return fmt.Errorf("%s: %w: %w", op, ErrTooManyConflicts, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// Txn Helpers
// =============================================================================

func nextID(seq *dgbadger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	// Sequences start at 0, which is reserved for "none".
	return int64(n) + 1, nil
}

// getRecord decodes the JSON value at key into v. A missing key reports
// found == false with a nil error.
func getRecord(txn *dgbadger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := item.Value(func(val []byte) error {
		return unmarshalRecord(val, v)
	}); err != nil {
		return false, fmt.Errorf("decode %x: %w", key, err)
	}
	return true, nil
}

func setRecord(txn *dgbadger.Txn, key []byte, v any) error {
	data, err := marshalRecord(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// getID reads an index entry holding an encoded id.
func getID(txn *dgbadger.Txn, key []byte) (int64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = item.Value(func(val []byte) error {
		id = decodeID(val)
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, id != 0, nil
}

// Compile-time interface check.
var _ Store = (*BadgerStore)(nil)
