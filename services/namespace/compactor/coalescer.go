// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compactor runs tree compaction in the background.
//
// Callers never compact directly. They post a signal to a Coalescer; a
// single Worker goroutine waits for a signal, discards the others that
// queued up meanwhile, runs one compaction pass and then sleeps a fixed
// backoff before waiting again. A burst of deletes therefore costs one
// pass, and passes never overlap.
package compactor

// DefaultQueueSize is the Coalescer capacity when none is configured.
const DefaultQueueSize = 1

// Coalescer is a bounded, non-blocking signal queue.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coalescer struct {
	ch chan struct{}
}

// NewCoalescer returns a Coalescer holding at most size pending signals.
// A size below one uses DefaultQueueSize.
func NewCoalescer(size int) *Coalescer {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &Coalescer{ch: make(chan struct{}, size)}
}

// Notify posts a signal without blocking.
//
// # Outputs
//
//   - bool: true if the signal was queued, false if the queue was full and
//     the signal collapsed into one already pending.
func (c *Coalescer) Notify() bool {
	select {
	case c.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// C returns the receive side for the worker.
func (c *Coalescer) C() <-chan struct{} {
	return c.ch
}

// Drain discards every pending signal and reports how many there were.
func (c *Coalescer) Drain() int {
	n := 0
	for {
		select {
		case <-c.ch:
			n++
		default:
			return n
		}
	}
}

// Pending returns the number of queued signals.
func (c *Coalescer) Pending() int {
	return len(c.ch)
}
