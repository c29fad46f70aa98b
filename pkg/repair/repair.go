// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package repair rewrites mis-partitioned lake files into the partition
// their rows actually belong to. Records are routed by UTC day, so a file
// written under the wrong day (a past timezone bug, a manual copy) is
// found by reading its rows back and recomputing the path each row should
// have. A file is skipped, moved whole, or split into one file per day.
//
// Repair is offline and idempotent: targets are written before the source
// is deleted, so a crash mid-repair leaves duplicate rows that downstream
// dedup by update_id absorbs.
package repair

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ledgerlake/scansink/pkg/encoder"
	"github.com/ledgerlake/scansink/pkg/objstore"
	"github.com/ledgerlake/scansink/pkg/partition"
	"github.com/ledgerlake/scansink/pkg/scandata"
)

var (
	// Error is the class of partition repair errors.
	Error = errs.Class("repair")

	mon = monkit.Package()
)

// Config holds the partition repair settings.
type Config struct {
	Stream      string `help:"stream to repair, as source/kind" default:"backfill/updates"`
	MigrationID int64  `name:"migration" help:"migration to repair, -1 for all" default:"-1"`
	Execute     bool   `help:"apply the planned actions instead of reporting them" default:"false"`
	Verify      bool   `help:"re-read every file after repair and check its partition" default:"false"`
	ScratchDir  string `help:"local staging directory" default:"scratch"`
}

// Ops a repair plan can take on a file.
const (
	OpSkip  = "skip"
	OpMove  = "move"
	OpSplit = "split"
)

// Action is the planned (and, under --execute, applied) repair of one
// durable file.
type Action struct {
	Key     string
	Op      string
	Targets []string
}

// Repairer plans and applies partition repairs over one stream.
type Repairer struct {
	log    *zap.Logger
	config Config
	store  objstore.Store
}

// New creates a Repairer.
func New(log *zap.Logger, config Config, store objstore.Store) *Repairer {
	return &Repairer{log: log, config: config, store: store}
}

func (repairer *Repairer) prefix() (string, error) {
	source, kind, found := strings.Cut(repairer.config.Stream, "/")
	if !found {
		return "", Error.New("stream must be source/kind, got %q", repairer.config.Stream)
	}
	if source != partition.SourceBackfill && source != partition.SourceUpdates {
		return "", Error.New("unknown source %q", source)
	}
	if kind != partition.KindUpdates && kind != partition.KindEvents {
		return "", Error.New("unknown kind %q", kind)
	}
	prefix := repairer.config.Stream + "/"
	if repairer.config.MigrationID >= 0 {
		prefix += "migration=" + strconv.FormatInt(repairer.config.MigrationID, 10) + "/"
	}
	return prefix, nil
}

// Run plans the repair of every file in the stream and, under Execute,
// applies it. With Verify set it re-reads the stream afterwards and fails
// if any file still holds rows outside its partition.
func (repairer *Repairer) Run(ctx context.Context) (actions []Action, err error) {
	defer mon.Task()(&ctx)(&err)

	prefix, err := repairer.prefix()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(repairer.config.ScratchDir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}

	objects, err := repairer.store.List(ctx, prefix)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	for _, object := range objects {
		if !strings.HasSuffix(object.Key, ".parquet") {
			continue
		}
		action, err := repairer.repairFile(ctx, object.Key)
		if err != nil {
			return actions, err
		}
		actions = append(actions, action)

		if action.Op != OpSkip {
			repairer.log.Info("partition repair",
				zap.String("key", action.Key),
				zap.String("op", action.Op),
				zap.Strings("targets", action.Targets),
				zap.Bool("executed", repairer.config.Execute))
		}
	}

	moved, split := 0, 0
	for _, action := range actions {
		switch action.Op {
		case OpMove:
			moved++
		case OpSplit:
			split++
		}
	}
	mon.IntVal("repair_moved").Observe(int64(moved))
	mon.IntVal("repair_split").Observe(int64(split))
	repairer.log.Info("repair pass done",
		zap.Int("files", len(actions)),
		zap.Int("moved", moved),
		zap.Int("split", split),
		zap.Bool("executed", repairer.config.Execute))

	if repairer.config.Verify {
		if err := repairer.verify(ctx, prefix); err != nil {
			return actions, err
		}
	}
	return actions, nil
}

func (repairer *Repairer) repairFile(ctx context.Context, key string) (Action, error) {
	declared, err := partition.Parse(key)
	if err != nil {
		return Action{}, Error.New("unrecognized key %s: %v", key, err)
	}
	switch declared.Kind {
	case partition.KindEvents:
		return repairTyped[scandata.EventRow](ctx, repairer, key, declared,
			func(row scandata.EventRow) time.Time { return row.RecordTime })
	default:
		return repairTyped[scandata.UpdateRow](ctx, repairer, key, declared,
			func(row scandata.UpdateRow) time.Time { return row.RecordTime })
	}
}

func repairTyped[T any](ctx context.Context, repairer *Repairer, key string, declared partition.Info, recordTime func(T) time.Time) (_ Action, err error) {
	local := filepath.Join(repairer.config.ScratchDir, "repair-"+uuid.NewString()[:8]+".parquet")
	if err := repairer.store.Get(ctx, key, local); err != nil {
		return Action{}, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, os.Remove(local)) }()

	rows, err := encoder.ReadParquet[T](local)
	if err != nil {
		return Action{}, Error.New("reading %s: %v", key, err)
	}

	byDay := make(map[time.Time][]T)
	for _, row := range rows {
		day := partition.DayStart(recordTime(row))
		byDay[day] = append(byDay[day], row)
	}

	days := make([]time.Time, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	dirFor := func(day time.Time) string {
		return partition.Path(day, declared.MigrationID, declared.Kind, declared.Source)
	}

	if len(rows) == 0 || (len(days) == 1 && dirFor(days[0]) == declared.Path()) {
		return Action{Key: key, Op: OpSkip}, nil
	}

	if len(days) == 1 {
		target := dirFor(days[0]) + "/" + path.Base(key)
		if repairer.config.Execute {
			if err := repairer.store.Put(ctx, local, target); err != nil {
				return Action{}, Error.Wrap(err)
			}
			if err := repairer.store.Delete(ctx, key); err != nil {
				return Action{}, Error.Wrap(err)
			}
		}
		return Action{Key: key, Op: OpMove, Targets: []string{target}}, nil
	}

	var targets []string
	for _, day := range days {
		target := dirFor(day) + "/" + encoder.Filename(declared.Kind, ".parquet")
		targets = append(targets, target)
		if !repairer.config.Execute {
			continue
		}
		out := filepath.Join(repairer.config.ScratchDir, "repair-"+uuid.NewString()[:8]+".parquet")
		if err := encoder.WriteParquet(out, byDay[day]); err != nil {
			return Action{}, Error.Wrap(errs.Combine(err, removeIfExists(out)))
		}
		if err := repairer.store.Put(ctx, out, target); err != nil {
			return Action{}, Error.Wrap(errs.Combine(err, os.Remove(out)))
		}
		if err := os.Remove(out); err != nil {
			return Action{}, Error.Wrap(err)
		}
	}
	// Targets are durable, now the mis-filed source can go.
	if repairer.config.Execute {
		if err := repairer.store.Delete(ctx, key); err != nil {
			return Action{}, Error.Wrap(err)
		}
	}
	return Action{Key: key, Op: OpSplit, Targets: targets}, nil
}

// verify re-reads every file in the stream and fails on the first one whose
// rows do not all belong to the partition it sits in.
func (repairer *Repairer) verify(ctx context.Context, prefix string) (err error) {
	defer mon.Task()(&ctx)(&err)

	objects, err := repairer.store.List(ctx, prefix)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, object := range objects {
		if !strings.HasSuffix(object.Key, ".parquet") {
			continue
		}
		action, err := repairer.planOnly(ctx, object.Key)
		if err != nil {
			return err
		}
		if action.Op != OpSkip {
			return Error.New("verification failed: %s still needs %s", object.Key, action.Op)
		}
	}
	repairer.log.Info("repair verification passed", zap.String("prefix", prefix))
	return nil
}

func (repairer *Repairer) planOnly(ctx context.Context, key string) (Action, error) {
	saved := repairer.config.Execute
	repairer.config.Execute = false
	defer func() { repairer.config.Execute = saved }()
	return repairer.repairFile(ctx, key)
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
