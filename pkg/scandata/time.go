// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package scandata

import "time"

// timestamp layouts accepted from the scan API, most specific first. The
// zoneless layouts exist because some API versions drop the trailing Z; they
// are always interpreted as UTC, never as local time.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime parses a scan-API timestamp leniently: a string without a
// timezone is treated as UTC. The result is always in UTC.
func ParseTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		ts, err := time.ParseInLocation(layout, value, time.UTC)
		if err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, Error.New("unparseable timestamp %q", value)
}
