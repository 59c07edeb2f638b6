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
	"log/slog"
	"slices"
)

// Round is one compaction transaction. It returns the ids it removed and
// the number of candidates its scan selected before re-checking them.
// n is the 1-based round number, for error messages.
type Round func(ctx context.Context, n int) (removed []int64, scanned int, err error)

// RunRounds drives a Compact pass.
//
// # Description
//
// Rounds repeat until one removes nothing and its scan selected fewer than
// batchSize candidates. A full scan whose candidates were all taken back by
// concurrent writers does not end the pass, since more garbage may sit
// past the batch.
//
// # Outputs
//
//   - []int64: Removed ids, ascending. Never nil.
//   - error: The round error or the context error, returned with the ids
//     removed so far.
func RunRounds(ctx context.Context, batchSize int, logger *slog.Logger, round Round) ([]int64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	removed := make([]int64, 0)
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			slices.Sort(removed)
			return removed, err
		}

		ids, scanned, err := round(ctx, n)
		if err != nil {
			slices.Sort(removed)
			return removed, err
		}
		if len(ids) == 0 && scanned < batchSize {
			break
		}
		logger.Debug("compaction round finished",
			slog.Int("round", n),
			slog.Int("scanned", scanned),
			slog.Int("removed", len(ids)))
		removed = append(removed, ids...)
	}

	slices.Sort(removed)
	return removed, nil
}
