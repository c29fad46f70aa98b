// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package cursor_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ledgerlake/scansink/internal/testcontext"
	"github.com/ledgerlake/scansink/pkg/cursor"
)

var (
	testKey = cursor.Key{
		MigrationID:    2,
		SynchronizerID: "global::sync",
		ShardIndex:     0,
		ShardTotal:     4,
	}
	testWindow = cursor.Window{
		Min: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Max: time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC),
	}
)

func openStore(t *testing.T, ctx *testcontext.Context) *cursor.Store {
	store, err := cursor.NewStore(zaptest.NewLogger(t), cursor.Config{Dir: ctx.Dir("cursors")})
	require.NoError(t, err)
	return store
}

func TestCommitAdvancesLocalOnly(t *testing.T) {
	ctx := testcontext.New(t)
	store := openStore(t, ctx)

	c, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)

	before := testWindow.Max.Add(-10 * time.Minute)
	require.NoError(t, c.Begin(ctx, 1000, 2500, before))
	require.NoError(t, c.Commit(ctx))

	record := c.Snapshot()
	require.Equal(t, int64(1000), record.TotalUpdates)
	require.Equal(t, int64(2500), record.TotalEvents)
	require.True(t, record.LastBefore.Equal(before))
	require.True(t, record.LastGCSConfirmed.IsZero())
	require.Equal(t, int64(0), record.GCSConfirmedUpdates)
}

func TestResumeIsGCSConfirmedPosition(t *testing.T) {
	// Scenario: commit locally, uploads all fail, restart. The resume
	// position must be the confirmed position, not the local one.
	ctx := testcontext.New(t)
	store := openStore(t, ctx)

	c, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)

	t0 := testWindow.Max.Add(-5 * time.Minute)
	require.NoError(t, c.Begin(ctx, 100, 200, t0))
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.ConfirmGCS(ctx))

	t1 := testWindow.Max.Add(-20 * time.Minute)
	require.NoError(t, c.Begin(ctx, 1000, 3000, t1))
	require.NoError(t, c.Commit(ctx))
	// No ConfirmGCS: the upload queue never confirmed this batch.

	reopened, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)
	require.True(t, reopened.ResumePosition().Equal(t0))
	require.True(t, reopened.LocalPositionUnsafe().Equal(t1))
}

func TestEmptyCursorResumesFromWindowStart(t *testing.T) {
	ctx := testcontext.New(t)
	store := openStore(t, ctx)

	backward, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)
	require.True(t, backward.ResumePosition().Equal(testWindow.Max))

	forwardKey := testKey
	forwardKey.ShardIndex = 1
	forward, err := store.Open(ctx, forwardKey, testWindow, cursor.Forward)
	require.NoError(t, err)
	require.True(t, forward.ResumePosition().Equal(testWindow.Min))
}

func TestRollbackRestoresPreBegin(t *testing.T) {
	ctx := testcontext.New(t)
	store := openStore(t, ctx)

	c, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)

	require.NoError(t, c.Begin(ctx, 10, 20, testWindow.Max.Add(-time.Minute)))
	require.NoError(t, c.Commit(ctx))
	committed := c.Snapshot()

	require.NoError(t, c.Begin(ctx, 99, 99, testWindow.Max.Add(-2*time.Minute)))
	require.NoError(t, c.AddPending(ctx, 1, 1, testWindow.Max.Add(-3*time.Minute)))
	require.NoError(t, c.Rollback(ctx))

	record := c.Snapshot()
	require.Equal(t, committed.TotalUpdates, record.TotalUpdates)
	require.True(t, record.LastBefore.Equal(committed.LastBefore))
	require.False(t, record.InTransaction)
	require.Equal(t, int64(0), record.PendingUpdates)
}

func TestConfirmAheadOfLocalFails(t *testing.T) {
	ctx := testcontext.New(t)
	store := openStore(t, ctx)

	c, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)

	require.NoError(t, c.Begin(ctx, 10, 10, testWindow.Max.Add(-time.Minute)))
	require.NoError(t, c.Commit(ctx))

	// Backward progress: "ahead" means earlier than the local position.
	err = c.ConfirmGCSAt(ctx, testWindow.Max.Add(-2*time.Minute), 10, 10)
	require.True(t, cursor.ErrInvariant.Has(err))

	// Confirmed counts can never exceed totals.
	err = c.ConfirmGCSAt(ctx, testWindow.Max.Add(-time.Minute), 11, 10)
	require.True(t, cursor.ErrInvariant.Has(err))
}

func TestMarkCompleteRefusesPending(t *testing.T) {
	ctx := testcontext.New(t)
	store := openStore(t, ctx)

	c, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)

	require.NoError(t, c.Begin(ctx, 1, 1, testWindow.Max.Add(-time.Minute)))
	require.True(t, cursor.ErrInvariant.Has(c.MarkComplete(ctx)))

	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.MarkComplete(ctx))

	record := c.Snapshot()
	require.True(t, record.Complete)
	require.True(t, record.LastBefore.Equal(testWindow.Min))
	require.True(t, record.LastGCSConfirmed.Equal(testWindow.Min))
	require.Equal(t, record.TotalUpdates, record.GCSConfirmedUpdates)
}

func TestBackupPromotedOnCorruption(t *testing.T) {
	ctx := testcontext.New(t)
	store := openStore(t, ctx)

	c, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)
	require.NoError(t, c.Begin(ctx, 5, 5, testWindow.Max.Add(-time.Minute)))
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.ConfirmGCS(ctx))

	path := store.Path(testKey)
	// A later write makes the confirmed state the .bak content.
	require.NoError(t, c.Begin(ctx, 7, 7, testWindow.Max.Add(-2*time.Minute)))
	require.NoError(t, c.Commit(ctx))

	require.NoError(t, os.WriteFile(path, []byte("{garbage"), 0644))

	reopened, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)
	require.Equal(t, int64(5), reopened.Snapshot().TotalUpdates)
}

func TestWindowMismatchRejected(t *testing.T) {
	ctx := testcontext.New(t)
	store := openStore(t, ctx)

	_, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)

	other := testWindow
	other.Max = other.Max.Add(time.Hour)
	_, err = store.Open(ctx, testKey, other, cursor.Backward)
	require.Error(t, err)
}

func TestInterruptedTransactionDiscardedOnOpen(t *testing.T) {
	ctx := testcontext.New(t)
	store := openStore(t, ctx)

	c, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)
	require.NoError(t, c.Begin(ctx, 3, 3, testWindow.Max.Add(-time.Minute)))
	// Crash before Commit: the pending fields are on disk.

	reopened, err := store.Open(ctx, testKey, testWindow, cursor.Backward)
	require.NoError(t, err)
	record := reopened.Snapshot()
	require.False(t, record.InTransaction)
	require.Equal(t, int64(0), record.PendingUpdates)
	require.Equal(t, int64(0), record.TotalUpdates)
}
