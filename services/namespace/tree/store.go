// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree implements the hierarchical hostname namespace store.
//
// A hostname such as "a.b.com" is stored as an Endpoint plus a chain of
// Nodes, one per suffix: "com" -> "b.com" -> "a.b.com". Nodes are shared
// between hostnames by label, so inserting "c.b.com" reuses "b.com" and
// "com". Deleting an endpoint only detaches its node; Compact later removes
// every node that has neither an endpoint nor a child, repeating until no
// such node is left.
//
// Two Store implementations exist: BadgerStore in this package, and the
// gorm-backed store in the sqlstore subpackage. Both pass the shared
// conformance suite in treetest.
//
// # Thread Safety
//
// Store implementations are safe for concurrent use. Every mutation
// (Insert, Delete, each Compact round) is one atomic transaction.
package tree

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/prens/pkg/validation"
)

const (
	// DefaultPageSize is used by Endpoints when pageSize <= 0.
	DefaultPageSize = 100

	// MaxPageSize caps the Endpoints page size.
	MaxPageSize = 1000

	// DefaultCompactBatchSize bounds the nodes deleted per compaction round.
	DefaultCompactBatchSize = 1000
)

var (
	// ErrNotFound is returned by single-item lookups for unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")

	// ErrTooManyConflicts is returned when a transaction kept conflicting
	// with concurrent writers until its retry budget ran out.
	ErrTooManyConflicts = errors.New("too many transaction conflicts")

	// ErrSchemaVersion is returned by Init when the persisted schema was
	// written by an incompatible version.
	ErrSchemaVersion = errors.New("unsupported schema version")
)

// Endpoint is a named, TTL-bearing hostname record.
//
// UpdatedAt, ResolvedAt and ErrorMessage are reserved for hostname
// resolution and are never populated by the store.
type Endpoint struct {
	ID           int64
	Name         string
	TTL          int
	UpdatedAt    *time.Time
	ResolvedAt   *time.Time
	ErrorMessage *string
}

// Node is one suffix of the hierarchy.
//
// ParentID is 0 for roots. EndpointID is 0 unless Label is the full name
// of a live endpoint.
type Node struct {
	ID         int64
	Label      string
	ParentID   int64
	EndpointID int64
}

// IsRoot reports whether the node has no parent.
func (n Node) IsRoot() bool { return n.ParentID == 0 }

// Garbage reports whether the node anchors nothing by itself. Whether it is
// collectable also depends on it having no children.
func (n Node) Garbage() bool { return n.EndpointID == 0 }

// Store is the namespace tree store.
//
// # Description
//
// Names passed to Insert must already be normalized (see pkg/validation);
// Insert rejects names and TTLs that fail CheckInsert. Ids are positive;
// 0 means "none".
type Store interface {
	// Init creates the schema if missing. Idempotent.
	Init(ctx context.Context) error

	// Insert upserts the endpoint by name and materializes its ancestor
	// chain in one transaction. An existing node keeps its parent; only
	// its endpoint link is updated.
	Insert(ctx context.Context, name string, ttl int) (Endpoint, error)

	// Delete removes the endpoint and clears the link on its node. Nodes
	// are left for Compact. Unknown ids are a no-op.
	Delete(ctx context.Context, endpointID int64) error

	// Endpoint returns one endpoint or ErrNotFound.
	Endpoint(ctx context.Context, id int64) (Endpoint, error)

	// Endpoints returns up to pageSize endpoints with id > after, ascending.
	Endpoints(ctx context.Context, after int64, pageSize int) ([]Endpoint, error)

	// Node returns one node or ErrNotFound.
	Node(ctx context.Context, id int64) (Node, error)

	// Children returns the immediate children of parentID, or the roots
	// when parentID is 0, in ascending id order.
	Children(ctx context.Context, parentID int64) ([]Node, error)

	// Compact removes childless, endpoint-less nodes until none remain and
	// returns the removed ids in ascending order. On cancellation between
	// rounds it returns the ids removed so far with the context error.
	Compact(ctx context.Context) ([]int64, error)

	// Backend names the persistence engine, e.g. "badger".
	Backend() string

	// Close releases the persistence handle.
	Close() error
}

// NormalizePageSize applies the default and the cap to a requested page
// size.
func NormalizePageSize(pageSize int) int {
	switch {
	case pageSize <= 0:
		return DefaultPageSize
	case pageSize > MaxPageSize:
		return MaxPageSize
	default:
		return pageSize
	}
}

// CheckInsert validates Insert arguments. Errors wrap
// validation.ErrInvalidHostname or validation.ErrInvalidTTL.
func CheckInsert(name string, ttl int) error {
	if err := validation.ValidateHostname(name); err != nil {
		return err
	}
	return validation.ValidateTTL(ttl)
}
