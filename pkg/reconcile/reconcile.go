// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package reconcile is the startup safety check: it compares each cursor's
// local position against what the object store actually contains and
// reports, or repairs, cursors that drifted ahead of durability.
package reconcile

import (
	"context"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ledgerlake/scansink/pkg/cursor"
	"github.com/ledgerlake/scansink/pkg/lakescan"
	"github.com/ledgerlake/scansink/pkg/objstore"
	"github.com/ledgerlake/scansink/pkg/partition"
)

var (
	// Error is the class of reconcile errors.
	Error = errs.Class("reconcile")

	mon = monkit.Package()
)

// Config holds the reconciler configuration.
type Config struct {
	MigrationID int64  `name:"migration" help:"migration to reconcile, -1 for all" default:"-1"`
	Fix         bool   `help:"rewrite drifted cursors to the store-derived position" default:"false"`
	ScratchDir  string `help:"local directory for downloaded files" default:"scratch"`
}

// Drift is one cursor whose local position ran ahead of the object store.
type Drift struct {
	Key            cursor.Key
	CursorPosition time.Time
	StorePosition  time.Time
	Fixed          bool
}

// Reconciler walks cursors against the store.
type Reconciler struct {
	log     *zap.Logger
	config  Config
	store   objstore.Store
	cursors *cursor.Store
}

// New constructs a Reconciler.
func New(log *zap.Logger, config Config, store objstore.Store, cursors *cursor.Store) *Reconciler {
	return &Reconciler{log: log, config: config, store: store, cursors: cursors}
}

// Run checks every cursor and returns the drifts found. With Fix set the
// drifted cursors are rewritten in place; their owning shards must not be
// running.
func (rec *Reconciler) Run(ctx context.Context) (drifts []Drift, err error) {
	defer mon.Task()(&ctx)(&err)

	cursors, err := rec.cursors.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	scanned := make(map[int64][]lakescan.FileRange)
	for _, cur := range cursors {
		record := cur.Snapshot()
		if rec.config.MigrationID >= 0 && record.MigrationID != rec.config.MigrationID {
			continue
		}

		ranges, ok := scanned[record.MigrationID]
		if !ok {
			prefix := partition.SourceBackfill + "/" + partition.KindUpdates +
				"/migration=" + strconv.FormatInt(record.MigrationID, 10) + "/"
			ranges, err = lakescan.ScanUpdates(ctx, rec.store, prefix, rec.config.ScratchDir)
			if err != nil {
				return nil, err
			}
			scanned[record.MigrationID] = ranges
		}

		drift, err := rec.check(ctx, cur, lakescan.Filter(ranges, record.SynchronizerID))
		if err != nil {
			return nil, err
		}
		if drift != nil {
			drifts = append(drifts, *drift)
		}
	}
	return drifts, nil
}

// check compares one cursor against the store-derived position within its
// window. For backfill shards the store position is the earliest record
// time present; a cursor whose last_before moved past it claims durability
// the store cannot show.
func (rec *Reconciler) check(ctx context.Context, cur *cursor.Cursor, ranges []lakescan.FileRange) (*Drift, error) {
	record := cur.Snapshot()
	if record.LastBefore.IsZero() {
		return nil, nil
	}

	storePosition, updates := storeDerived(record, ranges)
	drifted := false
	if record.Direction == cursor.Backward {
		drifted = record.LastBefore.Before(storePosition)
	} else {
		drifted = record.LastBefore.After(storePosition)
	}
	if !drifted {
		return nil, nil
	}

	drift := &Drift{
		Key: cursor.Key{
			MigrationID:    record.MigrationID,
			SynchronizerID: record.SynchronizerID,
			ShardIndex:     record.ShardIndex,
			ShardTotal:     record.ShardTotal,
		},
		CursorPosition: record.LastBefore,
		StorePosition:  storePosition,
	}
	rec.log.Warn("cursor ahead of store durability",
		zap.Int64("migration", record.MigrationID),
		zap.String("synchronizer", record.SynchronizerID),
		zap.Int("shard", record.ShardIndex),
		zap.Time("cursor_position", record.LastBefore),
		zap.Time("store_position", storePosition))
	mon.Counter("cursor_drifts").Inc(1)

	if !rec.config.Fix {
		return drift, nil
	}

	err := rec.cursors.Rewrite(ctx, cur, func(record *cursor.Record) {
		record.LastBefore = storePosition
		record.LastGCSConfirmed = storePosition
		record.TotalUpdates = updates
		record.GCSConfirmedUpdates = updates
		// Event counts are not recoverable from the updates scan; drop the
		// unconfirmed delta.
		record.TotalEvents = record.GCSConfirmedEvents
		record.Complete = false
	})
	if err != nil {
		return nil, err
	}
	drift.Fixed = true
	rec.log.Info("cursor rewritten to store-derived position",
		zap.Int("shard", record.ShardIndex),
		zap.Time("position", storePosition))
	return drift, nil
}

// storeDerived returns the position and update count the store supports for
// the cursor's window. With no durable files the position is the window's
// starting edge.
func storeDerived(record cursor.Record, ranges []lakescan.FileRange) (time.Time, int64) {
	var position time.Time
	var updates int64
	if record.Direction == cursor.Backward {
		position = record.MaxTime
	} else {
		position = record.MinTime
	}

	for _, r := range ranges {
		if r.Max.Before(record.MinTime) || r.Min.After(record.MaxTime) {
			continue
		}
		updates += r.Count
		if record.Direction == cursor.Backward {
			if r.Min.Before(position) {
				position = r.Min
			}
		} else {
			if r.Max.After(position) {
				position = r.Max
			}
		}
	}
	return position, updates
}
