// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package scandata_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerlake/scansink/pkg/scandata"
)

func TestParseTimeLenientUTC(t *testing.T) {
	expect := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, value := range []string{
		"2025-01-02T03:04:05Z",
		"2025-01-02T03:04:05+00:00",
		"2025-01-02T03:04:05",
		"2025-01-02 03:04:05",
	} {
		ts, err := scandata.ParseTime(value)
		require.NoError(t, err, value)
		require.True(t, ts.Equal(expect), "%s parsed to %s", value, ts)
		require.Equal(t, time.UTC, ts.Location())
	}
}

func TestParseTimeKeepsSubsecond(t *testing.T) {
	ts, err := scandata.ParseTime("2025-01-02T03:04:05.123456Z")
	require.NoError(t, err)
	require.Equal(t, 123456000, ts.Nanosecond())
}

func TestParseTimeOffsetNormalized(t *testing.T) {
	ts, err := scandata.ParseTime("2025-01-02T05:04:05+02:00")
	require.NoError(t, err)
	require.True(t, ts.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	_, err := scandata.ParseTime("not a time")
	require.Error(t, err)
}
