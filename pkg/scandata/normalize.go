// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package scandata

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mode selects how the normalizer treats raw messages that do not match any
// known shape.
type Mode int

const (
	// Strict fails on unknown update kinds. This is the default.
	Strict Mode = iota
	// Lenient logs a warning and writes the row with kind "unknown",
	// preserving the raw blob.
	Lenient
)

// wrapper key -> flattened short event type.
var eventTypeByWrapper = map[string]string{
	"created_event":    EventCreated,
	"archived_event":   EventArchived,
	"exercised_event":  EventExercised,
	"assigned_event":   EventReassignCreate,
	"unassigned_event": EventReassignArchive,
}

// Normalizer maps raw scan-API messages into canonical lake rows. It is the
// one place where cross-version schema drift is absorbed.
type Normalizer struct {
	log  *zap.Logger
	mode Mode
}

// NewNormalizer creates a normalizer.
func NewNormalizer(log *zap.Logger, mode Mode) *Normalizer {
	return &Normalizer{log: log, mode: mode}
}

// NormalizeUpdate maps one raw update-history item into an update row plus
// its event rows in stable preorder.
func (n *Normalizer) NormalizeUpdate(raw json.RawMessage) (UpdateRow, []EventRow, error) {
	var item RawUpdate
	if err := json.Unmarshal(raw, &item); err != nil {
		return UpdateRow{}, nil, ErrSchema.New("undecodable update: %v", err)
	}

	switch {
	case item.Transaction != nil:
		return n.normalizeTransaction(raw, item.Transaction)
	case item.Reassignment != nil:
		return n.normalizeReassignment(raw, item.Reassignment)
	}

	if n.mode == Strict {
		return UpdateRow{}, nil, ErrSchema.New("update has neither transaction nor reassignment wrapper")
	}
	n.log.Warn("update of unknown kind, preserving raw blob")
	return UpdateRow{
		Kind:       KindUnknown,
		UpdateData: string(raw),
	}, nil, nil
}

func (n *Normalizer) normalizeTransaction(raw json.RawMessage, tx *RawTransaction) (UpdateRow, []EventRow, error) {
	recordTime, err := ParseTime(tx.RecordTime)
	if err != nil {
		return UpdateRow{}, nil, ErrSchema.New("update %s: %v", tx.UpdateID, err)
	}
	effectiveAt := recordTime
	if tx.EffectiveAt != "" {
		effectiveAt, err = ParseTime(tx.EffectiveAt)
		if err != nil {
			return UpdateRow{}, nil, ErrSchema.New("update %s: %v", tx.UpdateID, err)
		}
	}

	update := UpdateRow{
		UpdateID:       tx.UpdateID,
		MigrationID:    tx.MigrationID,
		SynchronizerID: tx.SynchronizerID,
		RecordTime:     recordTime,
		EffectiveAt:    effectiveAt,
		Offset:         tx.Offset,
		Kind:           KindTransaction,
		RootEventIDs:   emptyIfNil(tx.RootEventIDs),
		UpdateData:     string(raw),
	}

	events, err := n.flattenTree(update, tx.RootEventIDs, tx.EventsByID)
	if err != nil {
		return UpdateRow{}, nil, err
	}
	update.EventCount = int64(len(events))
	return update, events, nil
}

func (n *Normalizer) normalizeReassignment(raw json.RawMessage, re *RawReassignment) (UpdateRow, []EventRow, error) {
	recordTime, err := ParseTime(re.RecordTime)
	if err != nil {
		return UpdateRow{}, nil, ErrSchema.New("update %s: %v", re.UpdateID, err)
	}

	update := UpdateRow{
		UpdateID:       re.UpdateID,
		MigrationID:    re.MigrationID,
		SynchronizerID: re.SynchronizerID,
		RecordTime:     recordTime,
		EffectiveAt:    recordTime,
		Offset:         re.Offset,
		Kind:           KindReassignment,
		RootEventIDs:   []string{},
		UpdateData:     string(raw),
	}

	if len(re.Event) == 0 {
		if n.mode == Strict {
			return UpdateRow{}, nil, ErrSchema.New("reassignment %s has no event", re.UpdateID)
		}
		n.log.Warn("reassignment without event", zap.String("update_id", re.UpdateID))
		return update, nil, nil
	}

	event, err := n.normalizeEvent(update, re.Event)
	if err != nil {
		return UpdateRow{}, nil, err
	}
	update.EventCount = 1
	update.RootEventIDs = []string{event.EventID}
	return update, []EventRow{event}, nil
}

// flattenTree yields the update's events in preorder: roots in the order
// given by root_event_ids, children in child_event_ids order. Events
// present in the map but unreachable from the roots are appended afterwards
// in key order so the row set is still complete and stable.
func (n *Normalizer) flattenTree(update UpdateRow, roots []string, byID map[string]json.RawMessage) ([]EventRow, error) {
	events := make([]EventRow, 0, len(byID))
	seen := make(map[string]bool, len(byID))

	var walk func(id string) error
	walk = func(id string) error {
		raw, ok := byID[id]
		if !ok || seen[id] {
			return nil
		}
		seen[id] = true
		event, err := n.normalizeEvent(update, raw)
		if err != nil {
			return err
		}
		if event.EventID == "" {
			event.EventID = id
		}
		events = append(events, event)
		for _, child := range event.ChildEventIDs {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range roots {
		if err := walk(root); err != nil {
			return nil, err
		}
	}

	if len(seen) < len(byID) {
		orphans := make([]string, 0, len(byID)-len(seen))
		for id := range byID {
			if !seen[id] {
				orphans = append(orphans, id)
			}
		}
		sort.Strings(orphans)
		n.log.Warn("events unreachable from roots",
			zap.String("update_id", update.UpdateID),
			zap.Int("count", len(orphans)))
		for _, id := range orphans {
			if err := walk(id); err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}

func (n *Normalizer) normalizeEvent(update UpdateRow, raw json.RawMessage) (EventRow, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return EventRow{}, ErrSchema.New("update %s: undecodable event: %v", update.UpdateID, err)
	}

	original, shortType, inner := "", "", json.RawMessage(nil)
	for key, value := range wrapper {
		if mapped, ok := eventTypeByWrapper[key]; ok {
			original, shortType, inner = key, mapped, value
			break
		}
	}
	if inner == nil {
		if n.mode == Strict {
			return EventRow{}, ErrSchema.New("update %s: event has no known wrapper", update.UpdateID)
		}
		n.log.Warn("event of unknown type, preserving raw blob",
			zap.String("update_id", update.UpdateID))
		return EventRow{
			UpdateID:       update.UpdateID,
			MigrationID:    update.MigrationID,
			SynchronizerID: update.SynchronizerID,
			RecordTime:     update.RecordTime,
			ChildEventIDs:  []string{},
			RawEvent:       string(raw),
		}, nil
	}

	var body rawEventBody
	if err := json.Unmarshal(inner, &body); err != nil {
		return EventRow{}, ErrSchema.New("update %s: undecodable %s: %v", update.UpdateID, original, err)
	}
	if body.EventID == "" {
		// Still written; downstream dedup falls back to
		// (update_id, row index).
		n.log.Warn("event without event_id",
			zap.String("update_id", update.UpdateID),
			zap.String("event_type", shortType))
	}

	payload := body.CreateArguments
	if payload == nil {
		payload = body.ExerciseArgument
	}

	return EventRow{
		EventID:           body.EventID,
		UpdateID:          update.UpdateID,
		EventType:         shortType,
		EventTypeOriginal: original,
		ContractID:        body.ContractID,
		TemplateID:        body.TemplateID,
		PackageName:       body.PackageName,
		MigrationID:       update.MigrationID,
		SynchronizerID:    update.SynchronizerID,
		RecordTime:        update.RecordTime,
		ChildEventIDs:     emptyIfNil(body.ChildEventIDs),
		Payload:           string(payload),
		RawEvent:          string(raw),
	}, nil
}

// NormalizeACS maps one ACS snapshot entry into a contract row.
// snapshotTime is the run time of the snapshot, shared by every row of one
// run.
func (n *Normalizer) NormalizeACS(raw json.RawMessage, snapshotTime time.Time) (ACSRow, error) {
	var entry RawACSEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ACSRow{}, ErrSchema.New("undecodable acs entry: %v", err)
	}
	recordTime, err := ParseTime(entry.RecordTime)
	if err != nil {
		return ACSRow{}, ErrSchema.New("contract %s: %v", entry.ContractID, err)
	}

	pkg, module, entity := SplitTemplateID(entry.TemplateID)
	return ACSRow{
		ContractID:   entry.ContractID,
		EventID:      entry.EventID,
		TemplateID:   entry.TemplateID,
		PackageName:  pkg,
		ModuleName:   module,
		EntityName:   entity,
		MigrationID:  entry.MigrationID,
		RecordTime:   recordTime,
		SnapshotTime: snapshotTime.UTC(),
		Payload:      string(entry.Payload),
		Raw:          string(raw),
	}, nil
}

// SplitTemplateID splits "<package>:<module>:<entity>" into its parts.
// Missing segments come back empty.
func SplitTemplateID(templateID string) (pkg, module, entity string) {
	parts := strings.SplitN(templateID, ":", 3)
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2]
	case 2:
		return parts[0], parts[1], ""
	default:
		return templateID, "", ""
	}
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
