// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package treetest is the conformance suite every tree.Store
// implementation must pass.
//
// # Usage
//
//	func TestBadgerStore_Conformance(t *testing.T) {
//	    treetest.Run(t, func(t *testing.T) tree.Store {
//	        return newInitializedStore(t)
//	    })
//	}
//
// The factory must return an initialized, empty store and register its
// Close with t.Cleanup.
package treetest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/prens/pkg/validation"
	"github.com/AleutianAI/prens/services/namespace/tree"
)

// Factory returns a fresh, initialized store.
type Factory func(t *testing.T) tree.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s tree.Store)
	}{
		{"EndToEnd", testEndToEnd},
		{"SharedAncestorsAreDeduplicated", testDedup},
		{"InsertIsIdempotent", testIdempotentInsert},
		{"InsertKeepsExistingParent", testInsertKeepsParent},
		{"CompactConverges", testCompactConverges},
		{"CompactLeavesMinimalTree", testCompactMinimal},
		{"CompactKeepsEndpointAncestors", testCompactPartial},
		{"CompactIsIdempotent", testCompactIdempotent},
		{"CompactHonoursCancelledContext", testCompactCancelled},
		{"ReinsertBeforeCompact", testReinsertBeforeCompact},
		{"SingleLabelName", testSingleLabel},
		{"InsertRejectsInvalidInput", testInsertRejectsInvalid},
		{"EndpointsPagination", testPagination},
		{"DeleteUnknownIsNoop", testDeleteUnknown},
		{"ChildrenOfUnknownIsEmpty", testChildrenUnknown},
		{"LookupNotFound", testLookupNotFound},
		{"ConcurrentInsertsShareAncestors", testConcurrentInserts},
		{"ConcurrentMutationsAndCompaction", testConcurrentCompaction},
		{"ClosedStore", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// Helpers
// =============================================================================

// snapshot walks the whole tree from the roots and returns it by label.
// It fails the test if an edge does not connect a node to its immediate
// shorter suffix.
func snapshot(t *testing.T, s tree.Store) map[string]tree.Node {
	t.Helper()
	ctx := context.Background()
	out := make(map[string]tree.Node)

	var walk func(parent tree.Node)
	walk = func(parent tree.Node) {
		children, err := s.Children(ctx, parent.ID)
		require.NoError(t, err)
		for _, child := range children {
			require.Equal(t, parent.ID, child.ParentID, "child %q", child.Label)
			if parent.ID == 0 {
				require.NotContains(t, child.Label, ".", "root %q must be a single label", child.Label)
			} else {
				require.Equal(t, "."+parent.Label, child.Label[strings.IndexByte(child.Label, '.'):],
					"%q is not an immediate child of %q", child.Label, parent.Label)
			}
			_, dup := out[child.Label]
			require.False(t, dup, "label %q appears twice", child.Label)
			out[child.Label] = child
			walk(child)
		}
	}
	walk(tree.Node{})
	return out
}

func labels(nodes map[string]tree.Node) []string {
	out := make([]string, 0, len(nodes))
	for label := range nodes {
		out = append(out, label)
	}
	slices.Sort(out)
	return out
}

func idsOf(nodes map[string]tree.Node, names ...string) []int64 {
	out := make([]int64, 0, len(names))
	for _, name := range names {
		out = append(out, nodes[name].ID)
	}
	slices.Sort(out)
	return out
}

// assertMinimal checks that no node is collectable.
func assertMinimal(t *testing.T, nodes map[string]tree.Node) {
	t.Helper()
	hasChild := make(map[int64]bool)
	for _, n := range nodes {
		hasChild[n.ParentID] = true
	}
	for label, n := range nodes {
		assert.True(t, n.EndpointID != 0 || hasChild[n.ID], "node %q is garbage", label)
	}
}

func insert(t *testing.T, s tree.Store, name string) tree.Endpoint {
	t.Helper()
	ep, err := s.Insert(context.Background(), name, 60)
	require.NoError(t, err)
	require.Positive(t, ep.ID)
	return ep
}

// =============================================================================
// Tests
// =============================================================================

func testEndToEnd(t *testing.T, s tree.Store) {
	ctx := context.Background()

	ep := insert(t, s, "a.b.com")
	assert.Equal(t, "a.b.com", ep.Name)
	assert.Equal(t, 60, ep.TTL)
	assert.Nil(t, ep.ResolvedAt)
	assert.Nil(t, ep.ErrorMessage)

	nodes := snapshot(t, s)
	require.Equal(t, []string{"a.b.com", "b.com", "com"}, labels(nodes))
	assert.Equal(t, ep.ID, nodes["a.b.com"].EndpointID)
	assert.Zero(t, nodes["b.com"].EndpointID)
	assert.Zero(t, nodes["com"].EndpointID)
	assert.True(t, nodes["com"].IsRoot())

	want := idsOf(nodes, "a.b.com", "b.com", "com")

	require.NoError(t, s.Delete(ctx, ep.ID))

	children, err := s.Children(ctx, nodes["com"].ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "b.com", children[0].Label)

	leaf, err := s.Node(ctx, nodes["a.b.com"].ID)
	require.NoError(t, err)
	assert.Zero(t, leaf.EndpointID, "delete clears the endpoint link")

	removed, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, removed)

	roots, err := s.Children(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, roots)
}

func testDedup(t *testing.T, s tree.Store) {
	ctx := context.Background()
	insert(t, s, "a.b.com")
	insert(t, s, "c.b.com")
	insert(t, s, "d.com")

	roots, err := s.Children(ctx, 0)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "com", roots[0].Label)

	nodes := snapshot(t, s)
	assert.Equal(t, []string{"a.b.com", "b.com", "c.b.com", "com", "d.com"}, labels(nodes))

	children, err := s.Children(ctx, nodes["b.com"].ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func testIdempotentInsert(t *testing.T, s tree.Store) {
	ctx := context.Background()
	first := insert(t, s, "x.y.org")
	before := snapshot(t, s)

	second, err := s.Insert(ctx, "x.y.org", 3600)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3600, second.TTL)

	third := insert(t, s, "x.y.org")
	assert.Equal(t, first.ID, third.ID)

	assert.Equal(t, before, snapshot(t, s))

	got, err := s.Endpoint(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.TTL)

	page, err := s.Endpoints(ctx, -1, 0)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

// An ancestor node that later becomes a hostname keeps its id and parent
// and only gains the endpoint link.
func testInsertKeepsParent(t *testing.T, s tree.Store) {
	insert(t, s, "a.b.com")
	before := snapshot(t, s)

	ep := insert(t, s, "b.com")
	after := snapshot(t, s)

	assert.Equal(t, labels(before), labels(after))
	assert.Equal(t, before["b.com"].ID, after["b.com"].ID)
	assert.Equal(t, before["b.com"].ParentID, after["b.com"].ParentID)
	assert.Equal(t, ep.ID, after["b.com"].EndpointID)
}

func testCompactConverges(t *testing.T, s tree.Store) {
	ctx := context.Background()
	names := []string{"a.b.c.d.com", "e.b.c.d.com", "x.org", "y.x.org", "net"}
	var eps []tree.Endpoint
	for _, name := range names {
		eps = append(eps, insert(t, s, name))
	}
	total := len(snapshot(t, s))

	for _, ep := range eps {
		require.NoError(t, s.Delete(ctx, ep.ID))
	}

	removed, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, total)
	assert.True(t, slices.IsSorted(removed))
	assert.Empty(t, snapshot(t, s))
}

func testCompactMinimal(t *testing.T, s tree.Store) {
	ctx := context.Background()
	insert(t, s, "a.b.com")
	cb := insert(t, s, "c.b.com")
	de := insert(t, s, "d.e.org")
	before := snapshot(t, s)

	require.NoError(t, s.Delete(ctx, cb.ID))
	require.NoError(t, s.Delete(ctx, de.ID))

	removed, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, idsOf(before, "c.b.com", "d.e.org", "e.org", "org"), removed)

	after := snapshot(t, s)
	assert.Equal(t, []string{"a.b.com", "b.com", "com"}, labels(after))
	assertMinimal(t, after)
}

func testCompactPartial(t *testing.T, s tree.Store) {
	ctx := context.Background()
	leaf := insert(t, s, "a.b.com")
	insert(t, s, "b.com")
	before := snapshot(t, s)

	require.NoError(t, s.Delete(ctx, leaf.ID))

	removed, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, idsOf(before, "a.b.com"), removed)
	assert.Equal(t, []string{"b.com", "com"}, labels(snapshot(t, s)))
}

func testCompactIdempotent(t *testing.T, s tree.Store) {
	ctx := context.Background()

	removed, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed, "empty store")

	ep := insert(t, s, "a.b.com")
	insert(t, s, "z.com")
	require.NoError(t, s.Delete(ctx, ep.ID))

	removed, err = s.Compact(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	removed, err = s.Compact(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func testCompactCancelled(t *testing.T, s tree.Store) {
	ep := insert(t, s, "a.b.com")
	require.NoError(t, s.Delete(context.Background(), ep.ID))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	removed, err := s.Compact(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, removed)
	assert.Len(t, snapshot(t, s), 3, "nothing removed")
}

func testReinsertBeforeCompact(t *testing.T, s tree.Store) {
	ctx := context.Background()
	ep := insert(t, s, "a.b.com")
	before := snapshot(t, s)

	require.NoError(t, s.Delete(ctx, ep.ID))
	again := insert(t, s, "a.b.com")

	removed, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)

	after := snapshot(t, s)
	assert.Equal(t, before["a.b.com"].ID, after["a.b.com"].ID)
	assert.Equal(t, again.ID, after["a.b.com"].EndpointID)
}

func testSingleLabel(t *testing.T, s tree.Store) {
	ctx := context.Background()
	ep := insert(t, s, "localhost")

	roots, err := s.Children(ctx, 0)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "localhost", roots[0].Label)
	assert.Equal(t, ep.ID, roots[0].EndpointID)

	require.NoError(t, s.Delete(ctx, ep.ID))
	removed, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{roots[0].ID}, removed)
}

func testInsertRejectsInvalid(t *testing.T, s tree.Store) {
	ctx := context.Background()

	_, err := s.Insert(ctx, "-bad.com", 60)
	assert.ErrorIs(t, err, validation.ErrInvalidHostname)
	_, err = s.Insert(ctx, "a..com", 60)
	assert.ErrorIs(t, err, validation.ErrInvalidHostname)
	_, err = s.Insert(ctx, "ok.com", 59)
	assert.ErrorIs(t, err, validation.ErrInvalidTTL)

	eps, err := s.Endpoints(ctx, -1, 0)
	require.NoError(t, err)
	assert.Empty(t, eps)
	roots, err := s.Children(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, roots, "rejected inserts leave no nodes")
}

func testPagination(t *testing.T, s tree.Store) {
	ctx := context.Background()
	const total = 25
	inserted := make(map[int64]bool, total)
	for i := range total {
		ep := insert(t, s, fmt.Sprintf("host%02d.example.com", i))
		inserted[ep.ID] = true
	}

	var seen []int64
	after := int64(-1)
	for {
		page, err := s.Endpoints(ctx, after, 10)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		require.LessOrEqual(t, len(page), 10)
		for _, ep := range page {
			require.Greater(t, ep.ID, after, "ids strictly increase")
			after = ep.ID
			seen = append(seen, ep.ID)
		}
	}
	require.Len(t, seen, total)
	for _, id := range seen {
		assert.True(t, inserted[id])
	}

	all, err := s.Endpoints(ctx, -1, 0)
	require.NoError(t, err)
	assert.Len(t, all, total, "page size 0 uses the default")

	tail, err := s.Endpoints(ctx, seen[total-1], 10)
	require.NoError(t, err)
	assert.Empty(t, tail)

	two, err := s.Endpoints(ctx, seen[0], 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, seen[1:3], []int64{two[0].ID, two[1].ID})
}

func testDeleteUnknown(t *testing.T, s tree.Store) {
	ctx := context.Background()
	insert(t, s, "a.com")
	before := snapshot(t, s)

	require.NoError(t, s.Delete(ctx, 987654))
	assert.Equal(t, before, snapshot(t, s))
}

func testChildrenUnknown(t *testing.T, s tree.Store) {
	children, err := s.Children(context.Background(), 987654)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func testLookupNotFound(t *testing.T, s tree.Store) {
	ctx := context.Background()

	_, err := s.Endpoint(ctx, 987654)
	assert.ErrorIs(t, err, tree.ErrNotFound)

	_, err = s.Node(ctx, 987654)
	assert.ErrorIs(t, err, tree.ErrNotFound)

	ep := insert(t, s, "a.com")
	got, err := s.Endpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep, got)
}

func testConcurrentInserts(t *testing.T, s tree.Store) {
	const workers, perWorker = 8, 5
	g, ctx := errgroup.WithContext(context.Background())
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				name := fmt.Sprintf("h%d-%d.shared.example.com", w, i)
				if _, err := s.Insert(ctx, name, 60); err != nil {
					return fmt.Errorf("insert %s: %w", name, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	nodes := snapshot(t, s)
	assert.Len(t, nodes, workers*perWorker+3)

	children, err := s.Children(context.Background(), nodes["shared.example.com"].ID)
	require.NoError(t, err)
	assert.Len(t, children, workers*perWorker)
}

// Writers insert and delete below shared suffixes while compaction runs.
// Afterwards every live endpoint still has its full chain and a final pass
// leaves a minimal tree.
func testConcurrentCompaction(t *testing.T, s tree.Store) {
	const writers, rounds = 4, 15
	ctx := context.Background()

	var stop atomic.Bool
	compactor := make(chan error, 1)
	go func() {
		for !stop.Load() {
			if _, err := s.Compact(ctx); err != nil {
				compactor <- err
				return
			}
		}
		compactor <- nil
	}()

	live := make([]map[string]int64, writers)
	g := new(errgroup.Group)
	for w := range writers {
		live[w] = make(map[string]int64)
		g.Go(func() error {
			for i := range rounds {
				name := fmt.Sprintf("n%d.w%d.churn.test", i%3, w)
				ep, err := s.Insert(ctx, name, 60)
				if err != nil {
					return err
				}
				live[w][name] = ep.ID
				if i%2 == 0 {
					if err := s.Delete(ctx, ep.ID); err != nil {
						return err
					}
					delete(live[w], name)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	stop.Store(true)
	require.NoError(t, <-compactor)

	_, err := s.Compact(ctx)
	require.NoError(t, err)

	nodes := snapshot(t, s)
	assertMinimal(t, nodes)
	for w := range writers {
		for name, id := range live[w] {
			node, ok := nodes[name]
			if assert.True(t, ok, "live endpoint %q lost its node", name) {
				assert.Equal(t, id, node.EndpointID)
			}
		}
	}
}

func testClosed(t *testing.T, s tree.Store) {
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	_, err := s.Insert(context.Background(), "a.com", 60)
	assert.ErrorIs(t, err, tree.ErrClosed)
}
