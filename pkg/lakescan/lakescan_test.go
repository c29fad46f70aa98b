// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package lakescan_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerlake/scansink/internal/testcontext"
	"github.com/ledgerlake/scansink/pkg/encoder"
	"github.com/ledgerlake/scansink/pkg/lakescan"
	"github.com/ledgerlake/scansink/pkg/objstore"
	"github.com/ledgerlake/scansink/pkg/partition"
	"github.com/ledgerlake/scansink/pkg/scandata"
)

var base = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func row(id, sync string, ts time.Time) scandata.UpdateRow {
	return scandata.UpdateRow{
		UpdateID:       id,
		MigrationID:    1,
		SynchronizerID: sync,
		RecordTime:     ts,
		EffectiveAt:    ts,
		Kind:           scandata.KindTransaction,
		RootEventIDs:   []string{},
	}
}

func seed(t *testing.T, ctx *testcontext.Context, store objstore.Store, rows []scandata.UpdateRow) string {
	local := ctx.File("seed", encoder.Filename(partition.KindUpdates, ".parquet"))
	require.NoError(t, encoder.WriteParquet(local, rows))
	key := partition.Path(rows[0].RecordTime, 1, partition.KindUpdates, partition.SourceBackfill) +
		"/" + encoder.Filename(partition.KindUpdates, ".parquet")
	require.NoError(t, store.Put(ctx, local, key))
	return key
}

func TestScanUpdates(t *testing.T) {
	ctx := testcontext.New(t)
	store, err := objstore.NewLocal(ctx.Dir("bucket"))
	require.NoError(t, err)

	// Later file first, to check the result is sorted by Min.
	keyB := seed(t, ctx, store, []scandata.UpdateRow{
		row("1220ba", "sync::a", base.Add(20*time.Minute)),
		row("1220bb", "sync::a", base.Add(25*time.Minute)),
	})
	keyA := seed(t, ctx, store, []scandata.UpdateRow{
		row("1220aa", "sync::a", base),
		row("1220ab", "sync::a", base.Add(5*time.Minute)),
		row("1220ac", "sync::b", base.Add(2*time.Minute)),
	})

	scratch := ctx.Dir("scratch")
	ranges, err := lakescan.ScanUpdates(ctx, store, "backfill/updates/migration=1/", scratch)
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	require.True(t, !ranges[0].Min.After(ranges[1].Min))
	require.True(t, !ranges[1].Min.After(ranges[2].Min))

	byKey := map[string]map[string]lakescan.FileRange{}
	for _, r := range ranges {
		if byKey[r.Key] == nil {
			byKey[r.Key] = map[string]lakescan.FileRange{}
		}
		byKey[r.Key][r.SynchronizerID] = r
	}

	a := byKey[keyA]["sync::a"]
	require.Equal(t, base, a.Min)
	require.Equal(t, base.Add(5*time.Minute), a.Max)
	require.Equal(t, int64(2), a.Count)

	b := byKey[keyA]["sync::b"]
	require.Equal(t, base.Add(2*time.Minute), b.Min)
	require.Equal(t, base.Add(2*time.Minute), b.Max)
	require.Equal(t, int64(1), b.Count)

	later := byKey[keyB]["sync::a"]
	require.Equal(t, base.Add(20*time.Minute), later.Min)
	require.Equal(t, base.Add(25*time.Minute), later.Max)

	// Scratch copies are removed after reading.
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestScanUpdatesSkipsNonParquet(t *testing.T) {
	ctx := testcontext.New(t)
	store, err := objstore.NewLocal(ctx.Dir("bucket"))
	require.NoError(t, err)

	seed(t, ctx, store, []scandata.UpdateRow{row("1220aa", "sync::a", base)})
	marker := ctx.File("seed", "marker.json")
	require.NoError(t, os.WriteFile(marker, []byte("{}"), 0644))
	require.NoError(t, store.Put(ctx, marker, "backfill/updates/migration=1/marker.json"))

	ranges, err := lakescan.ScanUpdates(ctx, store, "backfill/updates/migration=1/", ctx.Dir("scratch"))
	require.NoError(t, err)
	require.Len(t, ranges, 1)
}

func TestFilter(t *testing.T) {
	ranges := []lakescan.FileRange{
		{Key: "a", SynchronizerID: "sync::a"},
		{Key: "b", SynchronizerID: "sync::b"},
		{Key: "c", SynchronizerID: "sync::a"},
	}
	filtered := lakescan.Filter(ranges, "sync::a")
	require.Len(t, filtered, 2)
	require.Equal(t, "a", filtered[0].Key)
	require.Equal(t, "c", filtered[1].Key)
	require.Empty(t, lakescan.Filter(ranges, "sync::c"))
}
