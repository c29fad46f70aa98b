// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package scandata defines the canonical flat rows written to the lake and
// the normalizer that produces them from raw scan-API messages.
//
// The opaque blob fields (UpdateData, RawEvent, Raw) always carry the
// complete original message, so schema drift between API versions never
// loses information.
package scandata

import (
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the class of scandata errors.
	Error = errs.Class("scandata")
	// ErrSchema is returned in strict mode for raw messages that do not
	// match any known shape.
	ErrSchema = errs.Class("schema validation")

	mon = monkit.Package()
)

// Update kinds.
const (
	KindTransaction  = "transaction"
	KindReassignment = "reassignment"
	KindUnknown      = "unknown"
)

// Event types after unwrapping.
const (
	EventCreated         = "created"
	EventArchived        = "archived"
	EventExercised       = "exercised"
	EventReassignCreate  = "reassign_create"
	EventReassignArchive = "reassign_archive"
)

// UpdateRow is one ledger transaction or reassignment in the lake schema.
// RecordTime is the primary ordering key, monotonic within
// (MigrationID, SynchronizerID).
type UpdateRow struct {
	UpdateID       string    `parquet:"update_id" json:"update_id"`
	MigrationID    int64     `parquet:"migration_id" json:"migration_id"`
	SynchronizerID string    `parquet:"synchronizer_id" json:"synchronizer_id"`
	RecordTime     time.Time `parquet:"record_time,timestamp" json:"record_time"`
	EffectiveAt    time.Time `parquet:"effective_at,timestamp" json:"effective_at"`
	Offset         int64     `parquet:"offset" json:"offset"`
	Kind           string    `parquet:"kind" json:"kind"`
	RootEventIDs   []string  `parquet:"root_event_ids,list" json:"root_event_ids"`
	EventCount     int64     `parquet:"event_count" json:"event_count"`
	UpdateData     string    `parquet:"update_data" json:"update_data"`
}

// EventRow is one node of an update's event tree in the lake schema.
// EventID has the form "<update_id>:<index>" and is taken verbatim from the
// source, never synthesized.
type EventRow struct {
	EventID           string    `parquet:"event_id" json:"event_id"`
	UpdateID          string    `parquet:"update_id" json:"update_id"`
	EventType         string    `parquet:"event_type" json:"event_type"`
	EventTypeOriginal string    `parquet:"event_type_original" json:"event_type_original"`
	ContractID        string    `parquet:"contract_id" json:"contract_id"`
	TemplateID        string    `parquet:"template_id" json:"template_id"`
	PackageName       string    `parquet:"package_name" json:"package_name"`
	MigrationID       int64     `parquet:"migration_id" json:"migration_id"`
	SynchronizerID    string    `parquet:"synchronizer_id" json:"synchronizer_id"`
	RecordTime        time.Time `parquet:"record_time,timestamp" json:"record_time"`
	ChildEventIDs     []string  `parquet:"child_event_ids,list" json:"child_event_ids"`
	Payload           string    `parquet:"payload" json:"payload"`
	RawEvent          string    `parquet:"raw_event" json:"raw_event"`
}

// ACSRow is one active contract in a snapshot. SnapshotTime is the run
// time, not the ledger time: two runs at the same ledger time must not
// collide.
type ACSRow struct {
	ContractID   string    `parquet:"contract_id" json:"contract_id"`
	EventID      string    `parquet:"event_id" json:"event_id"`
	TemplateID   string    `parquet:"template_id" json:"template_id"`
	PackageName  string    `parquet:"package_name" json:"package_name"`
	ModuleName   string    `parquet:"module_name" json:"module_name"`
	EntityName   string    `parquet:"entity_name" json:"entity_name"`
	MigrationID  int64     `parquet:"migration_id" json:"migration_id"`
	RecordTime   time.Time `parquet:"record_time,timestamp" json:"record_time"`
	SnapshotTime time.Time `parquet:"snapshot_time,timestamp" json:"snapshot_time"`
	Payload      string    `parquet:"payload" json:"payload"`
	Raw          string    `parquet:"raw" json:"raw"`
}
