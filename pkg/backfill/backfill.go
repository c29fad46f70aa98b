// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package backfill drives historical ingestion: one shard per process,
// walking its assigned record-time window from the latest edge toward the
// earliest, committing progress durably only after the corresponding bytes
// are confirmed local and, later, confirmed in the object store.
package backfill

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the class of backfill errors.
	Error = errs.Class("backfill")

	mon = monkit.Package()
)

// emptyPageLimit is how many consecutive empty pages end a shard. Sparse
// regions return a handful of empties before the floor is reached; this
// keeps the loop from busy-polling them.
const emptyPageLimit = 3
