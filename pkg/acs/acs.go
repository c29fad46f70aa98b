// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package acs writes Active Contract Set snapshots: for each run, a
// partitioned directory of numbered parquet files finalized by an atomic
// _COMPLETE marker. Readers must ignore any snapshot directory lacking the
// marker.
package acs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ledgerlake/scansink/pkg/encoder"
	"github.com/ledgerlake/scansink/pkg/objstore"
	"github.com/ledgerlake/scansink/pkg/partition"
	"github.com/ledgerlake/scansink/pkg/scanclient"
	"github.com/ledgerlake/scansink/pkg/scandata"
	"github.com/ledgerlake/scansink/pkg/uploader"
)

var (
	// Error is the class of ACS snapshot errors.
	Error = errs.Class("acs")

	mon = monkit.Package()
)

// CompleteMarker is the object finalizing a snapshot directory.
const CompleteMarker = "_COMPLETE"

// Config holds the snapshotter configuration.
type Config struct {
	MigrationID int64  `name:"migration" help:"migration generation to snapshot" default:"0"`
	RecordTime  string `help:"ledger time to snapshot at, RFC3339; empty means now" default:""`

	ScratchDir        string `help:"local directory for files awaiting upload" default:"scratch"`
	MaxRowsPerFile    int    `help:"row budget per output file" default:"500000" env:"MAX_ROWS_PER_FILE"`
	Retention         int    `help:"complete snapshots to keep per migration" default:"2"`
	DeleteParallelism int    `help:"concurrent object deletes during retention" default:"4"`
	KeepRaw           bool   `help:"also write the raw chunked container" default:"false"`
	FetchAll          bool   `help:"snapshot every migration from 0 through the configured one" default:"false"`
	SkipComplete      bool   `help:"skip migrations that already have a complete snapshot for the day" default:"false"`
	Lenient           bool   `help:"log and preserve malformed entries instead of failing" default:"false"`
}

// Stats is the content of the _COMPLETE marker.
type Stats struct {
	MigrationID   int64     `json:"migration_id"`
	ContractCount int64     `json:"contract_count"`
	FileCount     int       `json:"file_count"`
	RecordTime    time.Time `json:"record_time"`
	SnapshotTime  time.Time `json:"snapshot_time"`
}

// Snapshotter streams ACS snapshots into the object store.
type Snapshotter struct {
	log        *zap.Logger
	config     Config
	client     *scanclient.Client
	normalizer *scandata.Normalizer
	pool       *encoder.Pool
	queue      *uploader.Queue
	store      objstore.Store
}

// NewSnapshotter constructs a Snapshotter.
func NewSnapshotter(log *zap.Logger, config Config, client *scanclient.Client, pool *encoder.Pool, queue *uploader.Queue, store objstore.Store) *Snapshotter {
	mode := scandata.Strict
	if config.Lenient {
		mode = scandata.Lenient
	}
	if config.MaxRowsPerFile <= 0 {
		config.MaxRowsPerFile = 500000
	}
	if config.Retention <= 0 {
		config.Retention = 2
	}
	return &Snapshotter{
		log:        log,
		config:     config,
		client:     client,
		normalizer: scandata.NewNormalizer(log, mode),
		pool:       pool,
		queue:      queue,
		store:      store,
	}
}

// Run snapshots the configured migrations and applies retention. It returns
// nil only when every snapshot finalized with its _COMPLETE marker.
func (snap *Snapshotter) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	recordTime := time.Now().UTC()
	if snap.config.RecordTime != "" {
		recordTime, err = scandata.ParseTime(snap.config.RecordTime)
		if err != nil {
			return Error.New("invalid record time: %v", err)
		}
	}
	snapshotTime := time.Now().UTC()

	migrations := []int64{snap.config.MigrationID}
	if snap.config.FetchAll {
		migrations = migrations[:0]
		for m := int64(0); m <= snap.config.MigrationID; m++ {
			migrations = append(migrations, m)
		}
	}

	for _, migrationID := range migrations {
		if err := snap.snapshot(ctx, migrationID, recordTime, snapshotTime); err != nil {
			return err
		}
		if err := snap.retain(ctx, migrationID); err != nil {
			return err
		}
	}
	return nil
}

func (snap *Snapshotter) snapshot(ctx context.Context, migrationID int64, recordTime, snapshotTime time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	dir := partition.ACSPath(recordTime, migrationID, partition.SnapshotID(snapshotTime))
	if snap.config.SkipComplete {
		done, err := snap.hasCompleteForDay(ctx, migrationID, recordTime)
		if err != nil {
			return err
		}
		if done {
			snap.log.Info("complete snapshot for the day exists, skipping",
				zap.Int64("migration", migrationID))
			return nil
		}
	}

	failureBase := snap.queue.Failures()
	writer := &fileWriter{snap: snap, dir: dir, snapshotTime: snapshotTime}

	token := ""
	for {
		entries, next, err := snap.client.FetchACSPage(ctx, migrationID, recordTime, token)
		if err != nil {
			return Error.Wrap(err)
		}
		for _, blob := range entries {
			row, err := snap.normalizer.NormalizeACS(blob, snapshotTime)
			if err != nil {
				return Error.Wrap(err)
			}
			if err := writer.add(ctx, row, blob); err != nil {
				return err
			}
		}
		if next == "" {
			break
		}
		token = next
	}
	if err := writer.flush(ctx); err != nil {
		return err
	}

	if err := snap.queue.Drain(ctx); err != nil {
		return Error.Wrap(err)
	}
	if failed := snap.queue.Failures() - failureBase; failed > 0 {
		return Error.New("%d snapshot uploads dead-lettered, not finalizing", failed)
	}

	stats, err := json.Marshal(Stats{
		MigrationID:   migrationID,
		ContractCount: writer.contracts,
		FileCount:     writer.files,
		RecordTime:    recordTime,
		SnapshotTime:  snapshotTime,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	if err := snap.store.PutBytes(ctx, dir+"/"+CompleteMarker, stats); err != nil {
		return Error.Wrap(err)
	}

	mon.IntVal("snapshot_contracts").Observe(writer.contracts)
	snap.log.Info("snapshot finalized",
		zap.Int64("migration", migrationID),
		zap.String("dir", dir),
		zap.Int64("contracts", writer.contracts),
		zap.Int("files", writer.files))
	return nil
}

func (snap *Snapshotter) hasCompleteForDay(ctx context.Context, migrationID int64, recordTime time.Time) (bool, error) {
	snapshots, err := listSnapshots(ctx, snap.store, migrationID)
	if err != nil {
		return false, err
	}
	day := partition.DayStart(recordTime)
	for _, candidate := range snapshots {
		if candidate.complete && candidate.info.Date().Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

// fileWriter buffers rows and emits numbered files within one snapshot
// directory.
type fileWriter struct {
	snap         *Snapshotter
	dir          string
	snapshotTime time.Time

	rows      []scandata.ACSRow
	raw       [][]byte
	files     int
	contracts int64
}

func (writer *fileWriter) add(ctx context.Context, row scandata.ACSRow, blob json.RawMessage) error {
	writer.rows = append(writer.rows, row)
	if writer.snap.config.KeepRaw {
		writer.raw = append(writer.raw, blob)
	}
	writer.contracts++
	if len(writer.rows) >= writer.snap.config.MaxRowsPerFile {
		return writer.flush(ctx)
	}
	return nil
}

func (writer *fileWriter) flush(ctx context.Context) error {
	if len(writer.rows) == 0 {
		return nil
	}
	snap := writer.snap
	suffix := uuid.NewString()[:8]

	name := fmt.Sprintf("contracts-%05d-%s.parquet", writer.files, suffix)
	local := filepath.Join(snap.config.ScratchDir, name)
	if err := snap.pool.EncodeContracts(ctx, local, writer.rows); err != nil {
		return err
	}
	if err := writer.enqueue(local, name); err != nil {
		return err
	}

	if snap.config.KeepRaw {
		rawName := fmt.Sprintf("contracts-%05d-%s%s", writer.files, suffix, encoder.ChunkExtension)
		rawLocal := filepath.Join(snap.config.ScratchDir, rawName)
		if err := snap.pool.EncodeChunks(ctx, rawLocal, writer.raw); err != nil {
			return err
		}
		if err := writer.enqueue(rawLocal, rawName); err != nil {
			return err
		}
		writer.raw = writer.raw[:0]
	}

	writer.rows = writer.rows[:0]
	writer.files++
	return nil
}

func (writer *fileWriter) enqueue(local, name string) error {
	info, err := os.Stat(local)
	if err != nil {
		return Error.Wrap(err)
	}
	return writer.snap.queue.Enqueue(uploader.Item{
		LocalPath: local,
		RemoteKey: writer.dir + "/" + name,
		Size:      info.Size(),
	})
}
