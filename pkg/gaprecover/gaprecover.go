// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package gaprecover is the post-hoc sweeper: it scans the durable files of
// each synchronizer for record-time gaps wider than a threshold, refetches
// the missing ranges, and re-emits them through the regular encode and
// upload path. Refetches overlap their legitimate neighbors by
// construction, so rows are deduplicated by update_id before writing.
package gaprecover

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ledgerlake/scansink/pkg/backfill"
	"github.com/ledgerlake/scansink/pkg/encoder"
	"github.com/ledgerlake/scansink/pkg/lakescan"
	"github.com/ledgerlake/scansink/pkg/objstore"
	"github.com/ledgerlake/scansink/pkg/partition"
	"github.com/ledgerlake/scansink/pkg/scanclient"
	"github.com/ledgerlake/scansink/pkg/scandata"
	"github.com/ledgerlake/scansink/pkg/uploader"
)

var (
	// Error is the class of gap recovery errors.
	Error = errs.Class("gaprecover")

	mon = monkit.Package()
)

// Config holds the gap recovery configuration.
type Config struct {
	MigrationID int64         `name:"migration" help:"migration to sweep" default:"0"`
	Threshold   time.Duration `name:"threshold-duration" help:"inter-file delta that counts as a gap" default:"2m"`
	ThresholdMS int64         `name:"threshold" help:"gap threshold in milliseconds, 0 uses the duration default" default:"0" env:"GAP_THRESHOLD_MS"`
	DryRun      bool          `help:"detect and report gaps without refetching" default:"false"`
	MaxGaps     int           `help:"most gaps to recover in one run, 0 is unlimited" default:"0"`
	ScratchDir  string        `help:"local directory for downloads and files awaiting upload" default:"scratch"`
	Lenient     bool          `help:"log and preserve unknown update shapes instead of failing" default:"false"`
}

// Gap is one detected record-time hole in a synchronizer's durable files.
type Gap struct {
	SynchronizerID string
	Start          time.Time
	End            time.Time
	Recovered      int64
}

// Sweeper detects and recovers gaps.
type Sweeper struct {
	log        *zap.Logger
	config     Config
	client     *scanclient.Client
	normalizer *scandata.Normalizer
	pool       *encoder.Pool
	queue      *uploader.Queue
	store      objstore.Store
}

// New constructs a Sweeper.
func New(log *zap.Logger, config Config, client *scanclient.Client, pool *encoder.Pool, queue *uploader.Queue, store objstore.Store) *Sweeper {
	mode := scandata.Strict
	if config.Lenient {
		mode = scandata.Lenient
	}
	return &Sweeper{
		log:        log,
		config:     config,
		client:     client,
		normalizer: scandata.NewNormalizer(log, mode),
		pool:       pool,
		queue:      queue,
		store:      store,
	}
}

func (sweeper *Sweeper) threshold() time.Duration {
	if sweeper.config.ThresholdMS > 0 {
		return time.Duration(sweeper.config.ThresholdMS) * time.Millisecond
	}
	if sweeper.config.Threshold > 0 {
		return sweeper.config.Threshold
	}
	return 2 * time.Minute
}

// Run sweeps the migration's durable files and returns the gaps found,
// recovered unless DryRun is set. It returns an error when any recovery
// fetch fails or its uploads dead-letter.
func (sweeper *Sweeper) Run(ctx context.Context) (gaps []Gap, err error) {
	defer mon.Task()(&ctx)(&err)

	prefix := partition.SourceBackfill + "/" + partition.KindUpdates +
		"/migration=" + strconv.FormatInt(sweeper.config.MigrationID, 10) + "/"
	ranges, err := lakescan.ScanUpdates(ctx, sweeper.store, prefix, sweeper.config.ScratchDir)
	if err != nil {
		return nil, err
	}

	bySync := make(map[string][]lakescan.FileRange)
	var syncOrder []string
	for _, r := range ranges {
		if _, ok := bySync[r.SynchronizerID]; !ok {
			syncOrder = append(syncOrder, r.SynchronizerID)
		}
		bySync[r.SynchronizerID] = append(bySync[r.SynchronizerID], r)
	}

	for _, synchronizerID := range syncOrder {
		gaps = append(gaps, detectGaps(synchronizerID, bySync[synchronizerID], sweeper.threshold())...)
	}
	mon.IntVal("gaps_detected").Observe(int64(len(gaps)))
	if sweeper.config.DryRun || len(gaps) == 0 {
		return gaps, nil
	}

	limit := len(gaps)
	if sweeper.config.MaxGaps > 0 && sweeper.config.MaxGaps < limit {
		limit = sweeper.config.MaxGaps
	}
	for i := range gaps[:limit] {
		known, err := sweeper.knownUpdateIDs(ctx, bySync[gaps[i].SynchronizerID], gaps[i])
		if err != nil {
			return gaps, err
		}
		if err := sweeper.recover(ctx, &gaps[i], known); err != nil {
			return gaps, err
		}
	}
	return gaps, nil
}

// detectGaps walks the synchronizer's file ranges, sorted by Min, tracking
// the running coverage high-water mark. Overlapping files extend coverage;
// a jump beyond the threshold is a gap.
func detectGaps(synchronizerID string, ranges []lakescan.FileRange, threshold time.Duration) []Gap {
	var gaps []Gap
	var covered time.Time
	for _, r := range ranges {
		if !covered.IsZero() && r.Min.Sub(covered) > threshold {
			gaps = append(gaps, Gap{
				SynchronizerID: synchronizerID,
				Start:          covered,
				End:            r.Min,
			})
		}
		if r.Max.After(covered) {
			covered = r.Max
		}
	}
	return gaps
}

// knownUpdateIDs reads the files whose coverage touches the gap's edges and
// collects their update IDs for deduplication.
func (sweeper *Sweeper) knownUpdateIDs(ctx context.Context, ranges []lakescan.FileRange, gap Gap) (map[string]bool, error) {
	known := make(map[string]bool)
	seen := make(map[string]bool)
	for _, r := range ranges {
		if r.Max.Before(gap.Start) || r.Min.After(gap.End) {
			continue
		}
		if seen[r.Key] {
			continue
		}
		seen[r.Key] = true

		local := filepath.Join(sweeper.config.ScratchDir, "dedup-"+uuid.NewString()[:8]+".parquet")
		if err := sweeper.store.Get(ctx, r.Key, local); err != nil {
			return nil, Error.Wrap(err)
		}
		rows, err := encoder.ReadParquet[scandata.UpdateRow](local)
		removeErr := os.Remove(local)
		if err != nil {
			return nil, Error.New("reading %s: %v", r.Key, err)
		}
		if removeErr != nil {
			return nil, Error.Wrap(removeErr)
		}
		for _, row := range rows {
			known[row.UpdateID] = true
		}
	}
	return known, nil
}

// recover refetches the gap's window and re-emits the rows that are not
// already durable.
func (sweeper *Sweeper) recover(ctx context.Context, gap *Gap, known map[string]bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	sweeper.log.Info("recovering gap",
		zap.String("synchronizer", gap.SynchronizerID),
		zap.Time("start", gap.Start),
		zap.Time("end", gap.End))

	failureBase := sweeper.queue.Failures()
	var updateRows []scandata.UpdateRow
	var eventRows []scandata.EventRow

	before := gap.End
	emptyPages := 0
	for before.After(gap.Start) {
		switch result := sweeper.client.FetchPage(ctx, before, gap.Start).(type) {
		case scanclient.FetchFailure:
			return Error.New("gap fetch at %s failed: %v", before.Format(time.RFC3339Nano), result.Err)

		case scanclient.EmptyPage:
			emptyPages++
			if emptyPages >= 3 {
				before = gap.Start
			}

		case scanclient.DataPage:
			emptyPages = 0
			for _, blob := range result.Updates {
				update, events, err := sweeper.normalizer.NormalizeUpdate(blob)
				if err != nil {
					return Error.Wrap(err)
				}
				if update.SynchronizerID != gap.SynchronizerID || known[update.UpdateID] {
					continue
				}
				known[update.UpdateID] = true
				updateRows = append(updateRows, update)
				eventRows = append(eventRows, events...)
			}
			before = result.NextBefore
		}
	}

	if len(updateRows) == 0 {
		sweeper.log.Info("gap region is genuinely empty",
			zap.String("synchronizer", gap.SynchronizerID))
		return nil
	}

	items, err := backfill.WriteBatch(ctx, sweeper.pool, backfill.BatchConfig{
		ScratchDir:  sweeper.config.ScratchDir,
		MigrationID: sweeper.config.MigrationID,
		Source:      partition.SourceBackfill,
	}, updateRows, eventRows)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := sweeper.queue.Enqueue(item); err != nil {
			return err
		}
	}
	if err := sweeper.queue.Drain(ctx); err != nil {
		return Error.Wrap(err)
	}
	if failed := sweeper.queue.Failures() - failureBase; failed > 0 {
		return Error.New("%d recovery uploads dead-lettered", failed)
	}

	gap.Recovered = int64(len(updateRows))
	mon.IntVal("gap_updates_recovered").Observe(gap.Recovered)
	return nil
}
