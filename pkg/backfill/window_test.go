// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package backfill_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerlake/scansink/pkg/backfill"
)

func TestShardWindowFourOverOneHour(t *testing.T) {
	min := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	max := time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)

	at := func(minute int) time.Time {
		return time.Date(2025, 1, 1, 0, minute, 0, 0, time.UTC)
	}
	expected := [][2]time.Time{
		{at(45), max},
		{at(30), at(45)},
		{at(15), at(30)},
		{min, at(15)},
	}

	for index, want := range expected {
		window, err := backfill.ShardWindow(min, max, index, 4)
		require.NoError(t, err)
		require.Equal(t, want[0], window.Min, "shard %d min", index)
		require.Equal(t, want[1], window.Max, "shard %d max", index)
	}

	// A record exactly on the 00:45 boundary is at shard 0's inclusive
	// floor and shard 1's exclusive ceiling.
	shard0, err := backfill.ShardWindow(min, max, 0, 4)
	require.NoError(t, err)
	shard1, err := backfill.ShardWindow(min, max, 1, 4)
	require.NoError(t, err)
	require.Equal(t, shard1.Max, shard0.Min)
}

func TestShardWindowsCoverExactly(t *testing.T) {
	min := time.Date(2024, 11, 3, 7, 13, 2, 991e6, time.UTC)
	max := time.Date(2025, 2, 17, 21, 44, 58, 17e6, time.UTC)

	for _, total := range []int{1, 2, 3, 7, 16, 61} {
		previousMin := max
		for index := 0; index < total; index++ {
			window, err := backfill.ShardWindow(min, max, index, total)
			require.NoError(t, err)
			require.True(t, window.Max.After(window.Min), "N=%d shard %d empty", total, index)
			require.Equal(t, previousMin, window.Max, "N=%d shard %d not adjacent", total, index)
			previousMin = window.Min
		}
		require.Equal(t, min, previousMin, "N=%d does not reach the window floor", total)
	}
}

func TestShardWindowRejectsBadInput(t *testing.T) {
	min := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	max := min.Add(time.Hour)

	_, err := backfill.ShardWindow(min, max, 0, 0)
	require.Error(t, err)
	_, err = backfill.ShardWindow(min, max, 4, 4)
	require.Error(t, err)
	_, err = backfill.ShardWindow(min, max, -1, 4)
	require.Error(t, err)
	_, err = backfill.ShardWindow(max, min, 0, 1)
	require.Error(t, err)
}
