// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package backfill

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlake/scansink/internal/sync2"
	"github.com/ledgerlake/scansink/pkg/cursor"
	"github.com/ledgerlake/scansink/pkg/encoder"
	"github.com/ledgerlake/scansink/pkg/partition"
	"github.com/ledgerlake/scansink/pkg/scanclient"
	"github.com/ledgerlake/scansink/pkg/scandata"
	"github.com/ledgerlake/scansink/pkg/uploader"
)

// Config holds the per-shard scheduler configuration.
type Config struct {
	MigrationID    int64  `name:"migration" help:"migration generation to backfill" default:"0"`
	SynchronizerID string `help:"synchronizer channel to backfill" default:""`
	ShardIndex     int    `help:"this shard's index, 0 is the latest window" default:"0"`
	ShardTotal     int    `help:"total number of shards" default:"1"`
	MinTime        string `help:"window start, RFC3339" default:""`
	MaxTime        string `help:"window end, RFC3339" default:""`

	ScratchDir     string        `help:"local directory for files awaiting upload" default:"scratch"`
	MaxRowsPerFile int           `help:"row budget per output file" default:"500000" env:"MAX_ROWS_PER_FILE"`
	ConfirmEvery   int           `help:"commits between upload drains" default:"10"`
	PausePoll      time.Duration `help:"poll interval while the upload queue is paused" default:"100ms"`
	Progress       time.Duration `help:"interval between progress log lines" default:"30s"`
	Lenient        bool          `help:"log and preserve unknown update shapes instead of failing" default:"false"`
}

// Scheduler owns one shard: one cursor, one fetch loop, sharing the encoder
// pool and upload queue with sibling shards of the same process.
type Scheduler struct {
	log        *zap.Logger
	config     Config
	client     *scanclient.Client
	normalizer *scandata.Normalizer
	pool       *encoder.Pool
	queue      *uploader.Queue
	cursors    *cursor.Store

	updates     atomic.Int64
	events      atomic.Int64
	failureBase int64
}

// NewScheduler constructs a shard scheduler.
func NewScheduler(log *zap.Logger, config Config, client *scanclient.Client, pool *encoder.Pool, queue *uploader.Queue, cursors *cursor.Store) *Scheduler {
	mode := scandata.Strict
	if config.Lenient {
		mode = scandata.Lenient
	}
	if config.ConfirmEvery <= 0 {
		config.ConfirmEvery = 10
	}
	if config.MaxRowsPerFile <= 0 {
		config.MaxRowsPerFile = 500000
	}
	if config.PausePoll <= 0 {
		config.PausePoll = 100 * time.Millisecond
	}
	return &Scheduler{
		log:        log,
		config:     config,
		client:     client,
		normalizer: scandata.NewNormalizer(log, mode),
		pool:       pool,
		queue:      queue,
		cursors:    cursors,
	}
}

// Window returns this shard's assigned sub-window.
func (sched *Scheduler) Window() (cursor.Window, error) {
	min, err := scandata.ParseTime(sched.config.MinTime)
	if err != nil {
		return cursor.Window{}, Error.New("invalid min time: %v", err)
	}
	max, err := scandata.ParseTime(sched.config.MaxTime)
	if err != nil {
		return cursor.Window{}, Error.New("invalid max time: %v", err)
	}
	return ShardWindow(min, max, sched.config.ShardIndex, sched.config.ShardTotal)
}

// Run walks the shard's window to completion. It returns nil only when the
// cursor is marked complete; any other outcome leaves the cursor at its last
// committed position with the error recorded.
func (sched *Scheduler) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	window, err := sched.Window()
	if err != nil {
		return err
	}

	key := cursor.Key{
		MigrationID:    sched.config.MigrationID,
		SynchronizerID: sched.config.SynchronizerID,
		ShardIndex:     sched.config.ShardIndex,
		ShardTotal:     sched.config.ShardTotal,
	}
	cur, err := sched.cursors.Open(ctx, key, window, cursor.Backward)
	if err != nil {
		return err
	}
	if cur.Complete() {
		sched.log.Info("shard already complete", zap.Int("shard", sched.config.ShardIndex))
		return nil
	}

	sched.failureBase = sched.queue.Failures()

	if requeued, err := sched.queue.Requeue(); err != nil {
		sched.log.Warn("dead-letter requeue failed", zap.Error(err))
	} else if requeued > 0 {
		sched.log.Info("requeued dead-lettered files", zap.Int("count", requeued))
	}

	progress := sync2.NewCycle(sched.config.Progress)
	defer progress.Stop()
	go func() {
		_ = progress.Run(ctx, func(ctx context.Context) error {
			queued, bytes := sched.queue.Stats()
			sched.log.Info("shard progress",
				zap.Int("shard", sched.config.ShardIndex),
				zap.Int64("updates", sched.updates.Load()),
				zap.Int64("events", sched.events.Load()),
				zap.Time("position", cur.LocalPositionUnsafe()),
				zap.Int("queued_files", queued),
				zap.Int64("queued_bytes", bytes))
			return nil
		})
	}()

	if err := sched.fetchLoop(ctx, cur, window); err != nil {
		if saveErr := cur.SetError(ctx, err); saveErr != nil {
			sched.log.Error("recording shard failure failed", zap.Error(saveErr))
		}
		return err
	}

	if err := sched.checkpoint(ctx, cur); err != nil {
		return err
	}
	if err := cur.MarkComplete(ctx); err != nil {
		return err
	}
	sched.log.Info("shard complete",
		zap.Int("shard", sched.config.ShardIndex),
		zap.Int64("updates", sched.updates.Load()),
		zap.Int64("events", sched.events.Load()))
	return nil
}

// fetchLoop pages backward from the resume position until the window floor
// or a run of empty pages. Pagination is chained, each NextBefore comes from
// the previous page's content, so pages always arrive in order; the fetcher
// goroutine runs ahead of ingestion by up to the client's configured number
// of in-flight pages, overlapping fetch latency with encode and upload.
func (sched *Scheduler) fetchLoop(ctx context.Context, cur *cursor.Cursor, window cursor.Window) error {
	before := cur.ResumePosition()
	atOrAfter := window.Min
	if !before.After(atOrAfter) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pages := make(chan scanclient.DataPage, sched.client.ParallelFetches()-1)
	var fetchErr error
	go func() {
		defer close(pages)
		emptyPages := 0
		for before.After(atOrAfter) {
			if err := ctx.Err(); err != nil {
				fetchErr = Error.Wrap(err)
				return
			}
			switch result := sched.client.FetchPage(ctx, before, atOrAfter).(type) {
			case scanclient.FetchFailure:
				fetchErr = Error.New("fetch at %s failed: %v", before.Format(time.RFC3339Nano), result.Err)
				return

			case scanclient.EmptyPage:
				emptyPages++
				if emptyPages >= emptyPageLimit {
					sched.log.Info("empty region, ending shard",
						zap.Time("before", before), zap.Time("floor", atOrAfter))
					return
				}

			case scanclient.DataPage:
				emptyPages = 0
				select {
				case pages <- result:
				case <-ctx.Done():
					fetchErr = Error.Wrap(ctx.Err())
					return
				}
				before = result.NextBefore
			}
		}
	}()

	commits := 0
	var runErr error
	for page := range pages {
		if runErr != nil {
			// Keep draining so the fetcher observes the cancel and exits.
			continue
		}
		if err := sched.waitUnpaused(ctx); err != nil {
			runErr = err
			cancel()
			continue
		}
		if err := sched.ingest(ctx, cur, page); err != nil {
			runErr = err
			cancel()
			continue
		}
		commits++
		if commits%sched.config.ConfirmEvery == 0 {
			if err := sched.checkpoint(ctx, cur); err != nil {
				runErr = err
				cancel()
			}
		}
	}
	if runErr != nil {
		return runErr
	}
	return fetchErr
}

// waitUnpaused polls until the upload queue drops back under its
// backpressure threshold.
func (sched *Scheduler) waitUnpaused(ctx context.Context) error {
	for sched.queue.ShouldPause() {
		if !sync2.Sleep(ctx, sched.config.PausePoll) {
			return Error.Wrap(ctx.Err())
		}
	}
	return nil
}

// ingest normalizes one page, writes its batch files, and commits the
// cursor. The commit happens only after the encoder confirmed every file
// exists locally; on any failure the transaction rolls back.
func (sched *Scheduler) ingest(ctx context.Context, cur *cursor.Cursor, page scanclient.DataPage) (err error) {
	defer mon.Task()(&ctx)(&err)

	var updateRows []scandata.UpdateRow
	var eventRows []scandata.EventRow
	for _, blob := range page.Updates {
		update, events, err := sched.normalizer.NormalizeUpdate(blob)
		if err != nil {
			return Error.Wrap(err)
		}
		updateRows = append(updateRows, update)
		eventRows = append(eventRows, events...)
	}

	if err := cur.Begin(ctx, int64(len(updateRows)), int64(len(eventRows)), page.NextBefore); err != nil {
		return err
	}

	items, err := WriteBatch(ctx, sched.pool, BatchConfig{
		ScratchDir:  sched.config.ScratchDir,
		MigrationID: sched.config.MigrationID,
		Source:      partition.SourceBackfill,
		MaxRows:     sched.config.MaxRowsPerFile,
	}, updateRows, eventRows)
	if err != nil {
		if rollbackErr := cur.Rollback(ctx); rollbackErr != nil {
			sched.log.Error("rollback failed", zap.Error(rollbackErr))
		}
		return err
	}

	if err := cur.Commit(ctx); err != nil {
		return err
	}
	sched.updates.Add(int64(len(updateRows)))
	sched.events.Add(int64(len(eventRows)))

	for _, item := range items {
		if err := sched.queue.Enqueue(item); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint drains the upload queue and advances the remote-confirmed
// position to the local one. Dead-lettered uploads abort instead: the
// remote-confirmed position must never exceed what is actually in the
// store.
func (sched *Scheduler) checkpoint(ctx context.Context, cur *cursor.Cursor) error {
	if err := sched.queue.Drain(ctx); err != nil {
		return Error.Wrap(err)
	}
	if failed := sched.queue.Failures() - sched.failureBase; failed > 0 {
		return Error.New("%d uploads dead-lettered, refusing to confirm remote progress", failed)
	}
	return cur.ConfirmGCS(ctx)
}

// BatchConfig directs WriteBatch output.
type BatchConfig struct {
	ScratchDir  string
	MigrationID int64
	Source      string
	MaxRows     int
}

// WriteBatch encodes update and event rows into per-day parquet files under
// the scratch directory and returns the upload items pointing them at their
// partition paths. Rows never split across a UTC day boundary inside one
// file. Gap recovery shares this path so refetched data lands under the
// same partitions.
func WriteBatch(ctx context.Context, pool *encoder.Pool, config BatchConfig, updates []scandata.UpdateRow, events []scandata.EventRow) (items []uploader.Item, err error) {
	byDayUpdates := make(map[time.Time][]scandata.UpdateRow)
	for _, row := range updates {
		day := partition.DayStart(row.RecordTime)
		byDayUpdates[day] = append(byDayUpdates[day], row)
	}
	byDayEvents := make(map[time.Time][]scandata.EventRow)
	for _, row := range events {
		day := partition.DayStart(row.RecordTime)
		byDayEvents[day] = append(byDayEvents[day], row)
	}

	for day, rows := range byDayUpdates {
		prefix := partition.Path(day, config.MigrationID, partition.KindUpdates, config.Source)
		for _, chunk := range splitRows(rows, config.MaxRows) {
			local := filepath.Join(config.ScratchDir, encoder.Filename(partition.KindUpdates, ".parquet"))
			if err := pool.EncodeUpdates(ctx, local, chunk); err != nil {
				return nil, err
			}
			item, err := uploadItem(local, prefix)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
	}
	for day, rows := range byDayEvents {
		prefix := partition.Path(day, config.MigrationID, partition.KindEvents, config.Source)
		for _, chunk := range splitRows(rows, config.MaxRows) {
			local := filepath.Join(config.ScratchDir, encoder.Filename(partition.KindEvents, ".parquet"))
			if err := pool.EncodeEvents(ctx, local, chunk); err != nil {
				return nil, err
			}
			item, err := uploadItem(local, prefix)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
	}
	return items, nil
}

func uploadItem(local, remotePrefix string) (uploader.Item, error) {
	info, err := os.Stat(local)
	if err != nil {
		return uploader.Item{}, Error.Wrap(err)
	}
	return uploader.Item{
		LocalPath: local,
		RemoteKey: remotePrefix + "/" + filepath.Base(local),
		Size:      info.Size(),
	}, nil
}

func splitRows[T any](rows []T, maxRows int) [][]T {
	if maxRows <= 0 || len(rows) <= maxRows {
		return [][]T{rows}
	}
	var chunks [][]T
	for len(rows) > maxRows {
		chunks = append(chunks, rows[:maxRows])
		rows = rows[maxRows:]
	}
	if len(rows) > 0 {
		chunks = append(chunks, rows)
	}
	return chunks
}
