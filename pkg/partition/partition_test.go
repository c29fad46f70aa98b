// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package partition_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerlake/scansink/pkg/partition"
)

func TestPathUnpaddedUTC(t *testing.T) {
	// 2025-03-05T23:30 in UTC-6 is already March 6 in UTC.
	loc := time.FixedZone("CST", -6*3600)
	ts := time.Date(2025, 3, 5, 23, 30, 0, 0, loc)

	path := partition.Path(ts, 3, partition.KindUpdates, partition.SourceBackfill)
	require.Equal(t, "backfill/updates/migration=3/year=2025/month=3/day=6", path)
}

func TestPathSameDaySamePath(t *testing.T) {
	day := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, time.Millisecond, 12 * time.Hour, 24*time.Hour - time.Millisecond} {
		require.Equal(t,
			partition.Path(day, 1, partition.KindEvents, partition.SourceUpdates),
			partition.Path(day.Add(offset), 1, partition.KindEvents, partition.SourceUpdates),
			"offset %v", offset)
	}
}

func TestACSPathPaddedSnapshotID(t *testing.T) {
	run := time.Date(2025, 7, 9, 4, 5, 6, 0, time.UTC)
	path := partition.ACSPath(run, 2, partition.SnapshotID(run))
	require.Equal(t, "acs/migration=2/year=2025/month=7/day=9/snapshot_id=040506", path)
}

func TestParseRoundTrip(t *testing.T) {
	ts := time.Date(2025, 11, 30, 18, 0, 0, 0, time.UTC)
	path := partition.Path(ts, 42, partition.KindUpdates, partition.SourceBackfill)

	info, err := partition.Parse(path + "/updates-1738368000000-abcd1234.parquet")
	require.NoError(t, err)
	require.Equal(t, partition.Info{
		Source:      partition.SourceBackfill,
		Kind:        partition.KindUpdates,
		MigrationID: 42,
		Year:        2025,
		Month:       11,
		Day:         30,
	}, info)
	require.Equal(t, path, info.Path())
	require.Equal(t, partition.DayStart(ts), info.Date())
}

func TestParseACSRoundTrip(t *testing.T) {
	run := time.Date(2025, 7, 9, 4, 5, 6, 0, time.UTC)
	dir := partition.ACSPath(run, 2, partition.SnapshotID(run))

	info, err := partition.ParseACS(dir + "/contracts-00000-abcd1234.parquet")
	require.NoError(t, err)
	require.Equal(t, partition.ACSInfo{
		MigrationID: 2,
		Year:        2025,
		Month:       7,
		Day:         9,
		SnapshotID:  "040506",
	}, info)
	require.Equal(t, dir, info.Dir())
	require.Equal(t, partition.DayStart(run), info.Date())
}

func TestParseACSRejectsForeignPaths(t *testing.T) {
	for _, path := range []string{
		"",
		"backfill/updates/migration=1/year=2025/month=1/day=1",
		"acs/migration=1/year=2025/month=1/day=1",
		"acs/migration=1/year=2025/month=1/day=1/snapshot_id=",
		"acs/migration=x/year=2025/month=1/day=1/snapshot_id=000000",
	} {
		_, err := partition.ParseACS(path)
		require.Error(t, err, "path %q", path)
	}
}

func TestParseRejectsForeignPaths(t *testing.T) {
	for _, path := range []string{
		"",
		"acs/migration=1/year=2025/month=1/day=1/snapshot_id=000000",
		"backfill/updates/migration=x/year=2025/month=1/day=1",
		"backfill/contracts/migration=1/year=2025/month=1/day=1",
	} {
		_, err := partition.Parse(path)
		require.Error(t, err, "path %q", path)
	}
}
