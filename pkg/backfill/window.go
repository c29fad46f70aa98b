// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package backfill

import (
	"time"

	"github.com/ledgerlake/scansink/pkg/cursor"
)

// ShardWindow computes shard index's sub-window of [min, max] for a total of
// total shards. Shard 0 covers the latest times. The arithmetic is integer
// milliseconds so that sibling shards computed independently agree on the
// boundary exactly.
//
// Sub-windows are half-open [Min, Max): a record exactly on a shared
// boundary belongs to the earlier-index (later-time) shard. Their union
// covers [min, max] with no overlap.
func ShardWindow(min, max time.Time, index, total int) (cursor.Window, error) {
	if total <= 0 {
		return cursor.Window{}, Error.New("shard total %d must be positive", total)
	}
	if index < 0 || index >= total {
		return cursor.Window{}, Error.New("shard index %d out of range [0, %d)", index, total)
	}
	if !max.After(min) {
		return cursor.Window{}, Error.New("window max %s not after min %s",
			max.Format(time.RFC3339), min.Format(time.RFC3339))
	}

	span := max.UnixMilli() - min.UnixMilli()
	shardMax := max.UnixMilli() - int64(index)*span/int64(total)
	shardMin := max.UnixMilli() - int64(index+1)*span/int64(total)

	return cursor.Window{
		Min: time.UnixMilli(shardMin).UTC(),
		Max: time.UnixMilli(shardMax).UTC(),
	}, nil
}
