// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package cursor implements the per-shard durable record of ingestion
// progress: a local-confirmed position advanced by Commit and a
// remote-confirmed position advanced by ConfirmGCS after the upload queue
// drains. The remote position never runs ahead of what is actually in the
// object store.
package cursor

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the class of cursor errors.
	Error = errs.Class("cursor")
	// ErrCorrupt marks an unreadable cursor file whose backup also failed.
	ErrCorrupt = errs.Class("cursor corruption")
	// ErrInvariant marks API calls that would violate the cursor
	// invariants; they fail loudly instead of writing.
	ErrInvariant = errs.Class("cursor invariant")

	mon = monkit.Package()
)

// Direction is the progress order of a shard's record times.
type Direction string

const (
	// Backward is the backfill order: record times strictly decrease.
	Backward Direction = "backward"
	// Forward is the live-stream order: record times strictly increase.
	Forward Direction = "forward"
)

// Key identifies one cursor. Each key has exactly one writer process; the
// launcher is responsible for never starting two.
type Key struct {
	MigrationID    int64
	SynchronizerID string
	ShardIndex     int
	ShardTotal     int
}

// Window is the shard's assigned record-time range [Min, Max].
type Window struct {
	Min time.Time
	Max time.Time
}

// Record is the serialized cursor state. The Pending fields are a mid-write
// diagnostic, never a resume point.
type Record struct {
	MigrationID    int64     `json:"migration_id"`
	SynchronizerID string    `json:"synchronizer_id"`
	ShardIndex     int       `json:"shard_index"`
	ShardTotal     int       `json:"shard_total"`
	Direction      Direction `json:"direction"`

	LastBefore       time.Time `json:"last_before"`
	LastGCSConfirmed time.Time `json:"last_gcs_confirmed"`

	TotalUpdates        int64 `json:"total_updates"`
	TotalEvents         int64 `json:"total_events"`
	GCSConfirmedUpdates int64 `json:"gcs_confirmed_updates"`
	GCSConfirmedEvents  int64 `json:"gcs_confirmed_events"`

	MinTime  time.Time `json:"min_time"`
	MaxTime  time.Time `json:"max_time"`
	Complete bool      `json:"complete"`
	Error    string    `json:"error,omitempty"`

	InTransaction  bool      `json:"in_transaction"`
	PendingUpdates int64     `json:"pending_updates"`
	PendingEvents  int64     `json:"pending_events"`
	PendingBefore  time.Time `json:"pending_before"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Cursor is the transactional view over one shard's record. It is owned by
// a single goroutine; it is not safe for concurrent use.
type Cursor struct {
	log   *zap.Logger
	store *Store
	path  string

	record   Record
	preBegin Record
}

// aheadOf reports whether a is strictly ahead of b in progress order.
func (cursor *Cursor) aheadOf(a, b time.Time) bool {
	if cursor.record.Direction == Backward {
		return a.Before(b)
	}
	return a.After(b)
}

// terminal returns the window edge progress finishes at.
func (cursor *Cursor) terminal() time.Time {
	if cursor.record.Direction == Backward {
		return cursor.record.MinTime
	}
	return cursor.record.MaxTime
}

// start returns the window edge progress begins from.
func (cursor *Cursor) start() time.Time {
	if cursor.record.Direction == Backward {
		return cursor.record.MaxTime
	}
	return cursor.record.MinTime
}

// Begin opens a transaction declaring pending data. The pending fields are
// persisted before any batch file is written, so a crash mid-write is
// visible on restart.
func (cursor *Cursor) Begin(ctx context.Context, updates, events int64, before time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	if cursor.record.InTransaction {
		return ErrInvariant.New("begin inside open transaction")
	}
	if cursor.record.Complete {
		return ErrInvariant.New("begin on complete cursor")
	}
	cursor.preBegin = cursor.record
	cursor.record.InTransaction = true
	cursor.record.PendingUpdates = updates
	cursor.record.PendingEvents = events
	cursor.record.PendingBefore = before
	return cursor.store.save(cursor.path, &cursor.record)
}

// AddPending accumulates more data within the open transaction.
func (cursor *Cursor) AddPending(ctx context.Context, updates, events int64, before time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !cursor.record.InTransaction {
		return ErrInvariant.New("add-pending without open transaction")
	}
	cursor.record.PendingUpdates += updates
	cursor.record.PendingEvents += events
	if cursor.aheadOf(before, cursor.record.PendingBefore) {
		cursor.record.PendingBefore = before
	}
	return cursor.store.save(cursor.path, &cursor.record)
}

// Commit makes the pending data part of the local-confirmed position. It
// must only be called after the encoder confirmed the batch file exists
// locally.
func (cursor *Cursor) Commit(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !cursor.record.InTransaction {
		return ErrInvariant.New("commit without open transaction")
	}
	cursor.record.TotalUpdates += cursor.record.PendingUpdates
	cursor.record.TotalEvents += cursor.record.PendingEvents
	cursor.record.LastBefore = cursor.record.PendingBefore
	cursor.clearPending()
	return cursor.store.save(cursor.path, &cursor.record)
}

// Rollback restores the pre-begin state.
func (cursor *Cursor) Rollback(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !cursor.record.InTransaction {
		return ErrInvariant.New("rollback without open transaction")
	}
	updatedAt := cursor.record.UpdatedAt
	cursor.record = cursor.preBegin
	cursor.record.UpdatedAt = updatedAt
	cursor.clearPending()
	return cursor.store.save(cursor.path, &cursor.record)
}

// ConfirmGCS advances the remote-confirmed position to the current
// local-confirmed position. It must only be called after the upload queue
// has drained.
func (cursor *Cursor) ConfirmGCS(ctx context.Context) error {
	return cursor.ConfirmGCSAt(ctx,
		cursor.record.LastBefore,
		cursor.record.TotalUpdates,
		cursor.record.TotalEvents)
}

// ConfirmGCSAt advances the remote-confirmed position to an explicit point
// no further than the local-confirmed position.
func (cursor *Cursor) ConfirmGCSAt(ctx context.Context, ts time.Time, updates, events int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if ts.IsZero() {
		return nil
	}
	if cursor.aheadOf(ts, cursor.record.LastBefore) {
		return ErrInvariant.New("confirm %s ahead of local position %s",
			ts.Format(time.RFC3339Nano), cursor.record.LastBefore.Format(time.RFC3339Nano))
	}
	if updates > cursor.record.TotalUpdates || events > cursor.record.TotalEvents {
		return ErrInvariant.New("confirmed counts (%d, %d) exceed totals (%d, %d)",
			updates, events, cursor.record.TotalUpdates, cursor.record.TotalEvents)
	}
	cursor.record.LastGCSConfirmed = ts
	cursor.record.GCSConfirmedUpdates = updates
	cursor.record.GCSConfirmedEvents = events
	return cursor.store.save(cursor.path, &cursor.record)
}

// MarkComplete finishes the shard: both positions move to the window's
// terminal edge. It refuses while a transaction is pending.
func (cursor *Cursor) MarkComplete(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if cursor.record.InTransaction || cursor.record.PendingUpdates != 0 || cursor.record.PendingEvents != 0 {
		return ErrInvariant.New("mark-complete with pending data")
	}
	cursor.record.LastBefore = cursor.terminal()
	cursor.record.LastGCSConfirmed = cursor.record.LastBefore
	cursor.record.GCSConfirmedUpdates = cursor.record.TotalUpdates
	cursor.record.GCSConfirmedEvents = cursor.record.TotalEvents
	cursor.record.Complete = true
	cursor.record.Error = ""
	return cursor.store.save(cursor.path, &cursor.record)
}

// SetError records a shard failure for the operator. The positions stay
// untouched.
func (cursor *Cursor) SetError(ctx context.Context, failure error) (err error) {
	defer mon.Task()(&ctx)(&err)

	cursor.record.Error = failure.Error()
	return cursor.store.save(cursor.path, &cursor.record)
}

// ResumePosition returns the crash-safe position to resume fetching from:
// the GCS-confirmed position, or the window's starting edge when nothing
// was confirmed yet.
func (cursor *Cursor) ResumePosition() time.Time {
	if cursor.record.LastGCSConfirmed.IsZero() {
		return cursor.start()
	}
	return cursor.record.LastGCSConfirmed
}

// LocalPositionUnsafe returns the local-confirmed position. Resuming from
// it risks gaps; it exists for debugging only.
func (cursor *Cursor) LocalPositionUnsafe() time.Time {
	if cursor.record.LastBefore.IsZero() {
		return cursor.start()
	}
	return cursor.record.LastBefore
}

// Snapshot returns a copy of the current record.
func (cursor *Cursor) Snapshot() Record { return cursor.record }

// Complete reports whether the shard finished its window.
func (cursor *Cursor) Complete() bool { return cursor.record.Complete }

func (cursor *Cursor) clearPending() {
	cursor.record.InTransaction = false
	cursor.record.PendingUpdates = 0
	cursor.record.PendingEvents = 0
	cursor.record.PendingBefore = time.Time{}
}

// validate checks the at-rest invariants of a loaded record.
func validate(record *Record) error {
	if !record.LastGCSConfirmed.IsZero() && !record.LastBefore.IsZero() {
		ahead := record.LastGCSConfirmed.After(record.LastBefore)
		if record.Direction == Backward {
			ahead = record.LastGCSConfirmed.Before(record.LastBefore)
		}
		if ahead {
			return ErrInvariant.New("confirmed position %s ahead of local position %s",
				record.LastGCSConfirmed.Format(time.RFC3339Nano),
				record.LastBefore.Format(time.RFC3339Nano))
		}
	}
	if record.GCSConfirmedUpdates > record.TotalUpdates ||
		record.GCSConfirmedEvents > record.TotalEvents {
		return ErrInvariant.New("confirmed counts exceed totals")
	}
	if record.Complete && (record.PendingUpdates != 0 || record.PendingEvents != 0) {
		return ErrInvariant.New("complete cursor with pending data")
	}
	return nil
}
