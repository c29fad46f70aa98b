// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package partition computes Hive-style partition paths for lake records.
//
// All paths derive from the record's event time in UTC, never from wall
// clock. Year, month and day are unpadded decimal integers so numeric
// partition-type inference works downstream; snapshot_id is a zero-padded
// string identifier.
package partition

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of partition errors.
var Error = errs.Class("partition")

// Sources of ledger data.
const (
	SourceBackfill = "backfill"
	SourceUpdates  = "updates"
)

// Kinds of ledger data within a source.
const (
	KindUpdates = "updates"
	KindEvents  = "events"
)

// Path returns the partition path for a ledger record:
// {source}/{kind}/migration={M}/year={Y}/month={Mo}/day={D}.
func Path(ts time.Time, migrationID int64, kind, source string) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s/%s/migration=%d/year=%d/month=%d/day=%d",
		source, kind, migrationID, ts.Year(), int(ts.Month()), ts.Day())
}

// ACSPath returns the partition path for an ACS snapshot directory:
// acs/migration={M}/year={Y}/month={Mo}/day={D}/snapshot_id={HHMMSS}.
func ACSPath(ts time.Time, migrationID int64, snapshotID string) string {
	ts = ts.UTC()
	return fmt.Sprintf("acs/migration=%d/year=%d/month=%d/day=%d/snapshot_id=%s",
		migrationID, ts.Year(), int(ts.Month()), ts.Day(), snapshotID)
}

// SnapshotID formats a snapshot run time as the zero-padded HHMMSS
// identifier.
func SnapshotID(runTime time.Time) string {
	return runTime.UTC().Format("150405")
}

// DayStart truncates ts to the beginning of its UTC day.
func DayStart(ts time.Time) time.Time {
	ts = ts.UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}

// Info is a parsed ledger partition path.
type Info struct {
	Source      string
	Kind        string
	MigrationID int64
	Year        int
	Month       int
	Day         int
}

// Date returns the UTC start of the partition's day.
func (info Info) Date() time.Time {
	return time.Date(info.Year, time.Month(info.Month), info.Day, 0, 0, 0, 0, time.UTC)
}

// Path re-renders the parsed partition.
func (info Info) Path() string {
	return Path(info.Date(), info.MigrationID, info.Kind, info.Source)
}

// Parse decodes a ledger partition path produced by Path. The input may
// carry a trailing file name, which is ignored.
func Parse(path string) (Info, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 6 {
		return Info{}, Error.New("not a partition path: %q", path)
	}

	info := Info{Source: parts[0], Kind: parts[1]}
	if info.Source != SourceBackfill && info.Source != SourceUpdates {
		return Info{}, Error.New("unknown source in %q", path)
	}
	if info.Kind != KindUpdates && info.Kind != KindEvents {
		return Info{}, Error.New("unknown kind in %q", path)
	}

	var err error
	if info.MigrationID, err = keyValue(parts[2], "migration"); err != nil {
		return Info{}, err
	}
	year, err := keyValue(parts[3], "year")
	if err != nil {
		return Info{}, err
	}
	month, err := keyValue(parts[4], "month")
	if err != nil {
		return Info{}, err
	}
	day, err := keyValue(parts[5], "day")
	if err != nil {
		return Info{}, err
	}
	info.Year, info.Month, info.Day = int(year), int(month), int(day)
	return info, nil
}

// ACSInfo is a parsed ACS snapshot directory path.
type ACSInfo struct {
	MigrationID int64
	Year        int
	Month       int
	Day         int
	SnapshotID  string
}

// Date returns the UTC start of the snapshot's day.
func (info ACSInfo) Date() time.Time {
	return time.Date(info.Year, time.Month(info.Month), info.Day, 0, 0, 0, 0, time.UTC)
}

// Dir re-renders the snapshot directory path.
func (info ACSInfo) Dir() string {
	return ACSPath(info.Date(), info.MigrationID, info.SnapshotID)
}

// ParseACS decodes an ACS snapshot directory path produced by ACSPath. The
// input may carry a trailing file name, which is ignored.
func ParseACS(path string) (ACSInfo, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 6 || parts[0] != "acs" {
		return ACSInfo{}, Error.New("not an ACS partition path: %q", path)
	}

	var info ACSInfo
	var err error
	if info.MigrationID, err = keyValue(parts[1], "migration"); err != nil {
		return ACSInfo{}, err
	}
	year, err := keyValue(parts[2], "year")
	if err != nil {
		return ACSInfo{}, err
	}
	month, err := keyValue(parts[3], "month")
	if err != nil {
		return ACSInfo{}, err
	}
	day, err := keyValue(parts[4], "day")
	if err != nil {
		return ACSInfo{}, err
	}
	info.Year, info.Month, info.Day = int(year), int(month), int(day)

	id, found := strings.CutPrefix(parts[5], "snapshot_id=")
	if !found || id == "" {
		return ACSInfo{}, Error.New("expected snapshot_id=HHMMSS, got %q", parts[5])
	}
	info.SnapshotID = id
	return info, nil
}

func keyValue(segment, key string) (int64, error) {
	value, found := strings.CutPrefix(segment, key+"=")
	if !found {
		return 0, Error.New("expected %s=N, got %q", key, segment)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, Error.New("expected %s=N, got %q", key, segment)
	}
	return n, nil
}
