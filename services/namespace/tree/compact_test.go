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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundStep struct {
	removed []int64
	scanned int
	err     error
}

// scriptedRounds replays steps and fails the test if RunRounds asks for
// more rounds than scripted.
func scriptedRounds(t *testing.T, steps ...roundStep) (Round, *int) {
	t.Helper()
	calls := 0
	return func(_ context.Context, n int) ([]int64, int, error) {
		calls++
		require.Equal(t, calls, n, "rounds are numbered from 1")
		require.LessOrEqual(t, calls, len(steps), "unexpected extra round")
		step := steps[calls-1]
		return step.removed, step.scanned, step.err
	}, &calls
}

func TestRunRounds(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		steps     []roundStep
		want      []int64
		wantCalls int
	}{
		{
			name:      "empty tree",
			batchSize: 10,
			steps:     []roundStep{{scanned: 0}},
			want:      []int64{},
			wantCalls: 1,
		},
		{
			name:      "leaf then parents",
			batchSize: 10,
			steps: []roundStep{
				{removed: []int64{9, 3}, scanned: 2},
				{removed: []int64{2}, scanned: 1},
				{scanned: 0},
			},
			want:      []int64{2, 3, 9},
			wantCalls: 3,
		},
		{
			name:      "full batch taken back by writers continues",
			batchSize: 2,
			steps: []roundStep{
				{scanned: 2},
				{removed: []int64{5}, scanned: 1},
				{scanned: 0},
			},
			want:      []int64{5},
			wantCalls: 3,
		},
		{
			name:      "short batch taken back by writers stops",
			batchSize: 2,
			steps:     []roundStep{{scanned: 1}},
			want:      []int64{},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			round, calls := scriptedRounds(t, tt.steps...)

			got, err := RunRounds(context.Background(), tt.batchSize, nil, round)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCalls, *calls)
		})
	}
}

func TestRunRounds_ErrorKeepsProgress(t *testing.T) {
	boom := errors.New("disk full")
	round, _ := scriptedRounds(t,
		roundStep{removed: []int64{4, 1}, scanned: 2},
		roundStep{err: boom},
	)

	got, err := RunRounds(context.Background(), 10, nil, round)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int64{1, 4}, got)
}

func TestRunRounds_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	round := func(context.Context, int) ([]int64, int, error) {
		calls++
		cancel()
		return []int64{7}, 1, nil
	}

	got, err := RunRounds(ctx, 10, nil, round)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{7}, got)
	assert.Equal(t, 1, calls)
}
