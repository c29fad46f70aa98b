// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package acs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ledgerlake/scansink/internal/sync2"
	"github.com/ledgerlake/scansink/pkg/objstore"
	"github.com/ledgerlake/scansink/pkg/partition"
)

// snapshotRef is one snapshot directory found in the store.
type snapshotRef struct {
	dir      string
	info     partition.ACSInfo
	keys     []string
	complete bool
}

// listSnapshots groups every object under the migration's ACS prefix by
// snapshot directory.
func listSnapshots(ctx context.Context, store objstore.Store, migrationID int64) ([]snapshotRef, error) {
	objects, err := store.List(ctx, fmt.Sprintf("acs/migration=%d/", migrationID))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	byDir := make(map[string]*snapshotRef)
	var order []string
	for _, object := range objects {
		info, err := partition.ParseACS(object.Key)
		if err != nil {
			// Not part of a snapshot directory; retention leaves it alone.
			continue
		}
		dir := info.Dir()
		ref, ok := byDir[dir]
		if !ok {
			ref = &snapshotRef{dir: dir, info: info}
			byDir[dir] = ref
			order = append(order, dir)
		}
		ref.keys = append(ref.keys, object.Key)
		if strings.HasSuffix(object.Key, "/"+CompleteMarker) {
			ref.complete = true
		}
	}

	snapshots := make([]snapshotRef, 0, len(byDir))
	for _, dir := range order {
		snapshots = append(snapshots, *byDir[dir])
	}
	// Oldest first: by day, then by the zero-padded run identifier.
	sort.Slice(snapshots, func(i, j int) bool {
		di, dj := snapshots[i].info.Date(), snapshots[j].info.Date()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return snapshots[i].info.SnapshotID < snapshots[j].info.SnapshotID
	})
	return snapshots, nil
}

// retain deletes the oldest complete snapshots of the migration so that at
// most the configured number remain. In-progress directories, those without
// a _COMPLETE marker, are never touched regardless of age.
func (snap *Snapshotter) retain(ctx context.Context, migrationID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	snapshots, err := listSnapshots(ctx, snap.store, migrationID)
	if err != nil {
		return err
	}

	var complete []snapshotRef
	for _, ref := range snapshots {
		if ref.complete {
			complete = append(complete, ref)
		}
	}
	if len(complete) <= snap.config.Retention {
		return nil
	}

	for _, ref := range complete[:len(complete)-snap.config.Retention] {
		snap.log.Info("retention removing snapshot",
			zap.Int64("migration", migrationID),
			zap.String("dir", ref.dir),
			zap.Int("objects", len(ref.keys)))
		if err := snap.deleteSnapshot(ctx, ref); err != nil {
			return err
		}
		mon.Counter("snapshots_retired").Inc(1)
	}
	return nil
}

// deleteSnapshot removes every object of the snapshot directory. The marker
// goes first, and alone, so a crash mid-delete leaves an ignorable directory,
// not a readable half-deleted one. The data files afterwards go concurrently.
func (snap *Snapshotter) deleteSnapshot(ctx context.Context, ref snapshotRef) error {
	markers, rest := splitMarker(ref.keys)
	for _, key := range markers {
		if err := snap.store.Delete(ctx, key); err != nil {
			return Error.Wrap(err)
		}
	}

	parallelism := snap.config.DeleteParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	limiter := sync2.NewLimiter(parallelism)

	var mu sync.Mutex
	var group errs.Group
	for _, key := range rest {
		key := key
		started := limiter.Go(ctx, func() {
			if err := snap.store.Delete(ctx, key); err != nil {
				mu.Lock()
				group.Add(err)
				mu.Unlock()
			}
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(group.Err())
}

func splitMarker(keys []string) (markers, rest []string) {
	for _, key := range keys {
		if strings.HasSuffix(key, "/"+CompleteMarker) {
			markers = append(markers, key)
		} else {
			rest = append(rest, key)
		}
	}
	return markers, rest
}
