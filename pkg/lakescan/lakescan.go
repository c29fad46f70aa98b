// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package lakescan reads durable lake files back out of the object store
// and summarizes their record-time coverage. The reconciler and gap
// recovery both work from these summaries.
package lakescan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/ledgerlake/scansink/pkg/encoder"
	"github.com/ledgerlake/scansink/pkg/objstore"
	"github.com/ledgerlake/scansink/pkg/scandata"
)

var (
	// Error is the class of lakescan errors.
	Error = errs.Class("lakescan")

	mon = monkit.Package()
)

// FileRange is the record-time span of one durable updates file, per
// synchronizer found in it.
type FileRange struct {
	Key            string
	SynchronizerID string
	Min            time.Time
	Max            time.Time
	Count          int64
}

// ScanUpdates downloads every parquet object under prefix and returns one
// FileRange per (file, synchronizer), sorted by Min ascending. Files are
// fetched into scratch one at a time and removed after reading.
func ScanUpdates(ctx context.Context, store objstore.Store, prefix, scratch string) (_ []FileRange, err error) {
	defer mon.Task()(&ctx)(&err)

	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var ranges []FileRange
	for _, object := range objects {
		if !strings.HasSuffix(object.Key, ".parquet") {
			continue
		}
		fileRanges, err := scanFile(ctx, store, object.Key, scratch)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, fileRanges...)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Min.Before(ranges[j].Min) })
	return ranges, nil
}

func scanFile(ctx context.Context, store objstore.Store, key, scratch string) (_ []FileRange, err error) {
	local := filepath.Join(scratch, "scan-"+uuid.NewString()[:8]+".parquet")
	if err := store.Get(ctx, key, local); err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, os.Remove(local)) }()

	rows, err := encoder.ReadParquet[scandata.UpdateRow](local)
	if err != nil {
		return nil, Error.New("reading %s: %v", key, err)
	}

	bySync := make(map[string]*FileRange)
	for _, row := range rows {
		r, ok := bySync[row.SynchronizerID]
		if !ok {
			r = &FileRange{
				Key:            key,
				SynchronizerID: row.SynchronizerID,
				Min:            row.RecordTime,
				Max:            row.RecordTime,
			}
			bySync[row.SynchronizerID] = r
		}
		if row.RecordTime.Before(r.Min) {
			r.Min = row.RecordTime
		}
		if row.RecordTime.After(r.Max) {
			r.Max = row.RecordTime
		}
		r.Count++
	}

	ranges := make([]FileRange, 0, len(bySync))
	for _, r := range bySync {
		ranges = append(ranges, *r)
	}
	return ranges, nil
}

// Filter returns the ranges matching the synchronizer, keeping order.
func Filter(ranges []FileRange, synchronizerID string) []FileRange {
	var out []FileRange
	for _, r := range ranges {
		if r.SynchronizerID == synchronizerID {
			out = append(out, r)
		}
	}
	return out
}
