// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package scandata

import "encoding/json"

// RawUpdate mirrors one item of the scan API's update-history response.
// Exactly one of the wrappers is set on a well-formed item.
type RawUpdate struct {
	Transaction  *RawTransaction  `json:"transaction,omitempty"`
	Reassignment *RawReassignment `json:"reassignment,omitempty"`
}

// RawTransaction is the transaction wrapper of an update-history item.
type RawTransaction struct {
	UpdateID       string                     `json:"update_id"`
	MigrationID    int64                      `json:"migration_id"`
	SynchronizerID string                     `json:"synchronizer_id"`
	RecordTime     string                     `json:"record_time"`
	EffectiveAt    string                     `json:"effective_at"`
	Offset         int64                      `json:"offset"`
	WorkflowID     string                     `json:"workflow_id,omitempty"`
	RootEventIDs   []string                   `json:"root_event_ids"`
	EventsByID     map[string]json.RawMessage `json:"events_by_id"`
}

// RawReassignment is the reassignment wrapper of an update-history item. A
// reassignment carries exactly one event.
type RawReassignment struct {
	UpdateID       string          `json:"update_id"`
	MigrationID    int64           `json:"migration_id"`
	SynchronizerID string          `json:"synchronizer_id"`
	RecordTime     string          `json:"record_time"`
	Offset         int64           `json:"offset"`
	Event          json.RawMessage `json:"event"`
}

// rawEventBody is the union of the fields this schema names across every
// nested event shape; everything else stays in the opaque blob.
type rawEventBody struct {
	EventID       string   `json:"event_id"`
	ContractID    string   `json:"contract_id"`
	TemplateID    string   `json:"template_id"`
	PackageName   string   `json:"package_name"`
	ChildEventIDs []string `json:"child_event_ids"`

	CreateArguments  json.RawMessage `json:"create_arguments,omitempty"`
	ExerciseArgument json.RawMessage `json:"exercise_argument,omitempty"`
	ExerciseResult   json.RawMessage `json:"exercise_result,omitempty"`
}

// RawACSEntry mirrors one entry of an ACS snapshot page.
type RawACSEntry struct {
	ContractID  string          `json:"contract_id"`
	EventID     string          `json:"event_id"`
	TemplateID  string          `json:"template_id"`
	MigrationID int64           `json:"migration_id"`
	RecordTime  string          `json:"record_time"`
	Payload     json.RawMessage `json:"create_arguments"`
}
