// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// scansink mirrors a ledger's scan API into an object-store lake of
// Hive-partitioned parquet files.
package main

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerlake/scansink/pkg/acs"
	"github.com/ledgerlake/scansink/pkg/backfill"
	"github.com/ledgerlake/scansink/pkg/cursor"
	"github.com/ledgerlake/scansink/pkg/encoder"
	"github.com/ledgerlake/scansink/pkg/gaprecover"
	"github.com/ledgerlake/scansink/pkg/objstore"
	"github.com/ledgerlake/scansink/pkg/process"
	"github.com/ledgerlake/scansink/pkg/reconcile"
	"github.com/ledgerlake/scansink/pkg/repair"
	"github.com/ledgerlake/scansink/pkg/scanclient"
	"github.com/ledgerlake/scansink/pkg/uploader"
)

// RuntimeConfig is the shared infrastructure configuration every
// subcommand needs: the scan source, the encoder pool, the upload queue
// and the stores behind them.
type RuntimeConfig struct {
	Client   scanclient.Config
	Encoder  encoder.Config
	Uploader uploader.Config
	Cursors  cursor.Config
	GCS      objstore.GCSConfig
	DataDir  string `help:"local data root used when uploads are disabled" default:"data" env:"DATA_DIR"`
}

var (
	rootCmd = &cobra.Command{
		Use:   "scansink",
		Short: "ledger scan-API to object-store mirror",
	}
	backfillCmd = &cobra.Command{
		Use:   "backfill",
		Short: "ingest one shard of the historical update window",
		RunE:  cmdBackfill,
	}
	acsCmd = &cobra.Command{
		Use:   "acs-snapshot",
		Short: "write an active-contract-set snapshot per migration",
		RunE:  cmdACS,
	}
	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "detect and optionally fix cursor drift against the store",
		RunE:  cmdReconcile,
	}
	recoverCmd = &cobra.Command{
		Use:   "recover-gaps",
		Short: "detect record-time gaps in durable files and refetch them",
		RunE:  cmdRecoverGaps,
	}
	repairCmd = &cobra.Command{
		Use:   "repair-partitions",
		Short: "move or split files filed under the wrong UTC partition",
		RunE:  cmdRepair,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print build information",
		RunE:  cmdVersion,
	}

	runtimeCfg   RuntimeConfig
	backfillCfg  backfill.Config
	acsCfg       acs.Config
	reconcileCfg reconcile.Config
	recoverCfg   gaprecover.Config
	repairCfg    repair.Config
)

func main() {
	rootCmd.AddCommand(backfillCmd, acsCmd, reconcileCmd, recoverCmd, repairCmd, versionCmd)

	for _, cmd := range []*cobra.Command{backfillCmd, acsCmd, reconcileCmd, recoverCmd, repairCmd} {
		process.Bind(cmd, &runtimeCfg)
	}
	process.Bind(backfillCmd, &backfillCfg)
	process.Bind(acsCmd, &acsCfg)
	process.Bind(reconcileCmd, &reconcileCfg)
	process.Bind(recoverCmd, &recoverCfg)
	process.Bind(repairCmd, &repairCfg)

	process.Exec(rootCmd)
}

func openStore(ctx context.Context, log *zap.Logger) (objstore.Store, error) {
	if runtimeCfg.Uploader.Enabled {
		return objstore.NewGCS(ctx, log.Named("gcs"), runtimeCfg.GCS)
	}
	log.Info("uploads disabled, mirroring into local data dir",
		zap.String("dir", runtimeCfg.DataDir))
	return objstore.NewLocal(runtimeCfg.DataDir)
}

// withPipeline builds the client, pool, queue and store shared by the
// writing subcommands, runs fn with them, and drains the queue afterwards.
func withPipeline(ctx context.Context, log *zap.Logger, fn func(*scanclient.Client, *encoder.Pool, *uploader.Queue, objstore.Store) error) error {
	store, err := openStore(ctx, log)
	if err != nil {
		return err
	}

	client := scanclient.New(log.Named("scanclient"), runtimeCfg.Client)
	pool := encoder.NewPool(log.Named("encoder"), runtimeCfg.Encoder)
	defer pool.Close()

	queue := uploader.NewQueue(log.Named("uploader"), runtimeCfg.Uploader, store)
	var group errgroup.Group
	group.Go(func() error { return queue.Run(ctx) })

	runErr := fn(client, pool, queue, store)
	return errs.Combine(runErr, queue.Shutdown(ctx), group.Wait())
}

func cmdBackfill(cmd *cobra.Command, args []string) error {
	ctx := process.Ctx(cmd)
	log := zap.L()

	cursors, err := cursor.NewStore(log.Named("cursor"), runtimeCfg.Cursors)
	if err != nil {
		return err
	}
	return withPipeline(ctx, log, func(client *scanclient.Client, pool *encoder.Pool, queue *uploader.Queue, _ objstore.Store) error {
		sched := backfill.NewScheduler(log.Named("backfill"), backfillCfg, client, pool, queue, cursors)
		return sched.Run(ctx)
	})
}

func cmdACS(cmd *cobra.Command, args []string) error {
	ctx := process.Ctx(cmd)
	log := zap.L()

	return withPipeline(ctx, log, func(client *scanclient.Client, pool *encoder.Pool, queue *uploader.Queue, store objstore.Store) error {
		snapshotter := acs.NewSnapshotter(log.Named("acs"), acsCfg, client, pool, queue, store)
		return snapshotter.Run(ctx)
	})
}

func cmdReconcile(cmd *cobra.Command, args []string) error {
	ctx := process.Ctx(cmd)
	log := zap.L()

	store, err := openStore(ctx, log)
	if err != nil {
		return err
	}
	cursors, err := cursor.NewStore(log.Named("cursor"), runtimeCfg.Cursors)
	if err != nil {
		return err
	}

	drifts, err := reconcile.New(log.Named("reconcile"), reconcileCfg, store, cursors).Run(ctx)
	if err != nil {
		return err
	}
	unfixed := 0
	for _, drift := range drifts {
		if !drift.Fixed {
			unfixed++
		}
	}
	if unfixed > 0 {
		return errs.New("%d drifted cursors left unfixed, re-run with --fix", unfixed)
	}
	return nil
}

func cmdRecoverGaps(cmd *cobra.Command, args []string) error {
	ctx := process.Ctx(cmd)
	log := zap.L()

	return withPipeline(ctx, log, func(client *scanclient.Client, pool *encoder.Pool, queue *uploader.Queue, store objstore.Store) error {
		sweeper := gaprecover.New(log.Named("gaprecover"), recoverCfg, client, pool, queue, store)
		gaps, err := sweeper.Run(ctx)
		if err != nil {
			return err
		}
		if recoverCfg.DryRun && len(gaps) > 0 {
			return errs.New("%d gaps detected, re-run without --dry-run to recover", len(gaps))
		}
		return nil
	})
}

func cmdRepair(cmd *cobra.Command, args []string) error {
	ctx := process.Ctx(cmd)
	log := zap.L()

	store, err := openStore(ctx, log)
	if err != nil {
		return err
	}
	_, err = repair.New(log.Named("repair"), repairCfg, store).Run(ctx)
	return err
}

func cmdVersion(cmd *cobra.Command, args []string) error {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("scansink (no build info)")
		return nil
	}
	fmt.Println("scansink", info.Main.Version)
	fmt.Println("go:", info.GoVersion)
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" || setting.Key == "vcs.time" {
			fmt.Println(setting.Key+":", setting.Value)
		}
	}
	return nil
}
