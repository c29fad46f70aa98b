// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package backfill_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/googleapi"

	"github.com/ledgerlake/scansink/internal/testcontext"
	"github.com/ledgerlake/scansink/pkg/backfill"
	"github.com/ledgerlake/scansink/pkg/cursor"
	"github.com/ledgerlake/scansink/pkg/encoder"
	"github.com/ledgerlake/scansink/pkg/objstore"
	"github.com/ledgerlake/scansink/pkg/scanclient"
	"github.com/ledgerlake/scansink/pkg/uploader"
)

type ledgerTx struct {
	recordTime time.Time
	raw        json.RawMessage
}

// fakeScan serves a fixed transaction history over the update-history
// endpoint, newest first, honoring the half-open [at_or_after, before)
// window.
type fakeScan struct {
	txs []ledgerTx
}

func (scan *fakeScan) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Before    time.Time `json:"before"`
			AtOrAfter time.Time `json:"at_or_after"`
			PageSize  int       `json:"page_size"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var page []json.RawMessage
		for _, tx := range scan.txs {
			if tx.recordTime.Before(req.Before) && !tx.recordTime.Before(req.AtOrAfter) {
				page = append(page, tx.raw)
			}
		}
		if len(page) > req.PageSize {
			page = page[:req.PageSize]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"transactions": page})
	}
}

func makeHistory(count int, start time.Time, step time.Duration) *fakeScan {
	scan := &fakeScan{}
	for i := 0; i < count; i++ {
		rt := start.Add(time.Duration(i) * step)
		updateID := fmt.Sprintf("1220%08x", i)
		eventID := updateID + ":0"
		raw, _ := json.Marshal(map[string]any{
			"transaction": map[string]any{
				"update_id":       updateID,
				"migration_id":    1,
				"synchronizer_id": "sync::a",
				"record_time":     rt.Format(time.RFC3339Nano),
				"effective_at":    rt.Format(time.RFC3339Nano),
				"offset":          i,
				"root_event_ids":  []string{eventID},
				"events_by_id": map[string]any{
					eventID: map[string]any{
						"created_event": map[string]any{
							"event_id":    eventID,
							"contract_id": "contract-" + updateID,
							"template_id": "pkg:Main:Asset",
						},
					},
				},
			},
		})
		scan.txs = append(scan.txs, ledgerTx{recordTime: rt, raw: raw})
	}
	// Newest first, the order the scan API returns history in.
	sort.Slice(scan.txs, func(i, j int) bool {
		return scan.txs[i].recordTime.After(scan.txs[j].recordTime)
	})
	return scan
}

type pipeline struct {
	store   objstore.Store
	pool    *encoder.Pool
	queue   *uploader.Queue
	cursors *cursor.Store
	scratch string
}

func startPipeline(t *testing.T, ctx *testcontext.Context, store objstore.Store) *pipeline {
	log := zaptest.NewLogger(t)

	cursors, err := cursor.NewStore(log, cursor.Config{Dir: ctx.Dir("cursors")})
	require.NoError(t, err)

	pool := encoder.NewPool(log, encoder.Config{Workers: 2})
	t.Cleanup(pool.Close)

	queue := uploader.NewQueue(log, uploader.Config{
		Concurrency:      2,
		MaxRetries:       2,
		RetryBaseDelayMS: 1,
		DeadLetterPath:   ctx.File("dl", "dead-letter.jsonl"),
	}, store)
	ctx.Go(func() error { return queue.Run(ctx) })

	return &pipeline{
		store:   store,
		pool:    pool,
		queue:   queue,
		cursors: cursors,
		scratch: ctx.Dir("scratch"),
	}
}

func (p *pipeline) scheduler(t *testing.T, url string, overrides func(*backfill.Config)) *backfill.Scheduler {
	client := scanclient.New(zaptest.NewLogger(t), scanclient.Config{
		BaseURL:          url,
		BatchSize:        3,
		MaxRetries:       2,
		RetryBaseDelayMS: 1,
	})
	config := backfill.Config{
		MigrationID:    1,
		SynchronizerID: "sync::a",
		ShardIndex:     0,
		ShardTotal:     1,
		MinTime:        "2025-03-10T00:00:00Z",
		MaxTime:        "2025-03-10T01:00:00Z",
		ScratchDir:     p.scratch,
		ConfirmEvery:   1,
	}
	if overrides != nil {
		overrides(&config)
	}
	return backfill.NewScheduler(zaptest.NewLogger(t), config, client, p.pool, p.queue, p.cursors)
}

func (p *pipeline) record(t *testing.T, ctx *testcontext.Context) cursor.Record {
	cursors, err := p.cursors.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	return cursors[0].Snapshot()
}

func TestSchedulerIngestsWindow(t *testing.T) {
	ctx := testcontext.New(t)

	history := makeHistory(10, time.Date(2025, 3, 10, 0, 5, 0, 0, time.UTC), 5*time.Minute)
	server := httptest.NewServer(history.handler(t))
	t.Cleanup(server.Close)

	store, err := objstore.NewLocal(ctx.Dir("bucket"))
	require.NoError(t, err)
	p := startPipeline(t, ctx, store)

	require.NoError(t, p.scheduler(t, server.URL, nil).Run(ctx))

	record := p.record(t, ctx)
	require.True(t, record.Complete)
	require.Equal(t, int64(10), record.TotalUpdates)
	require.Equal(t, int64(10), record.TotalEvents)
	require.Equal(t, int64(10), record.GCSConfirmedUpdates)

	updates, err := store.List(ctx, "backfill/updates/migration=1/year=2025/month=3/day=10/")
	require.NoError(t, err)
	require.NotEmpty(t, updates)
	events, err := store.List(ctx, "backfill/events/migration=1/year=2025/month=3/day=10/")
	require.NoError(t, err)
	require.NotEmpty(t, events)

	// Uploaded batch files are removed from scratch.
	entries, err := os.ReadDir(p.scratch)
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, p.queue.Shutdown(ctx))
}

func TestSchedulerPrefetchesPages(t *testing.T) {
	ctx := testcontext.New(t)

	history := makeHistory(12, time.Date(2025, 3, 10, 0, 2, 0, 0, time.UTC), 4*time.Minute)
	server := httptest.NewServer(history.handler(t))
	t.Cleanup(server.Close)

	store, err := objstore.NewLocal(ctx.Dir("bucket"))
	require.NoError(t, err)
	p := startPipeline(t, ctx, store)

	// With three in-flight pages the fetcher runs ahead of ingestion;
	// ordering and cursor accounting must come out the same as serial.
	client := scanclient.New(zaptest.NewLogger(t), scanclient.Config{
		BaseURL:          server.URL,
		BatchSize:        3,
		ParallelFetches:  3,
		MaxRetries:       2,
		RetryBaseDelayMS: 1,
	})
	require.Equal(t, 3, client.ParallelFetches())

	sched := backfill.NewScheduler(zaptest.NewLogger(t), backfill.Config{
		MigrationID:    1,
		SynchronizerID: "sync::a",
		ShardTotal:     1,
		MinTime:        "2025-03-10T00:00:00Z",
		MaxTime:        "2025-03-10T01:00:00Z",
		ScratchDir:     p.scratch,
		ConfirmEvery:   2,
	}, client, p.pool, p.queue, p.cursors)
	require.NoError(t, sched.Run(ctx))

	record := p.record(t, ctx)
	require.True(t, record.Complete)
	require.Equal(t, int64(12), record.TotalUpdates)
	require.Equal(t, int64(12), record.GCSConfirmedUpdates)

	require.NoError(t, p.queue.Shutdown(ctx))
}

func TestSchedulerSecondRunIsNoop(t *testing.T) {
	ctx := testcontext.New(t)

	history := makeHistory(4, time.Date(2025, 3, 10, 0, 10, 0, 0, time.UTC), 10*time.Minute)
	server := httptest.NewServer(history.handler(t))
	t.Cleanup(server.Close)

	store, err := objstore.NewLocal(ctx.Dir("bucket"))
	require.NoError(t, err)
	p := startPipeline(t, ctx, store)

	require.NoError(t, p.scheduler(t, server.URL, nil).Run(ctx))
	before, err := store.List(ctx, "backfill/")
	require.NoError(t, err)

	require.NoError(t, p.scheduler(t, server.URL, nil).Run(ctx))
	after, err := store.List(ctx, "backfill/")
	require.NoError(t, err)
	require.Equal(t, before, after)

	require.NoError(t, p.queue.Shutdown(ctx))
}

// terminalStore fails every put with a non-retryable status.
type terminalStore struct {
	objstore.Store
}

func (store terminalStore) Put(ctx context.Context, localPath, key string) error {
	return &googleapi.Error{Code: 403, Message: "forbidden"}
}

func TestSchedulerRefusesConfirmOnUploadFailure(t *testing.T) {
	ctx := testcontext.New(t)

	history := makeHistory(6, time.Date(2025, 3, 10, 0, 5, 0, 0, time.UTC), 5*time.Minute)
	server := httptest.NewServer(history.handler(t))
	t.Cleanup(server.Close)

	local, err := objstore.NewLocal(ctx.Dir("bucket"))
	require.NoError(t, err)
	p := startPipeline(t, ctx, terminalStore{local})

	err = p.scheduler(t, server.URL, nil).Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dead-lettered")

	record := p.record(t, ctx)
	require.False(t, record.Complete)
	require.NotEmpty(t, record.Error)
	// Local position advanced, remote-confirmed did not.
	require.False(t, record.LastBefore.IsZero())
	require.True(t, record.LastGCSConfirmed.IsZero())

	require.NoError(t, p.queue.Shutdown(ctx))
}

func TestSchedulerFetchFailureExitsWithoutAdvancing(t *testing.T) {
	ctx := testcontext.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	store, err := objstore.NewLocal(ctx.Dir("bucket"))
	require.NoError(t, err)
	p := startPipeline(t, ctx, store)

	err = p.scheduler(t, server.URL, nil).Run(ctx)
	require.Error(t, err)

	record := p.record(t, ctx)
	require.False(t, record.Complete)
	require.NotEmpty(t, record.Error)
	require.True(t, record.LastBefore.IsZero())
	require.True(t, record.LastGCSConfirmed.IsZero())

	require.NoError(t, p.queue.Shutdown(ctx))
}
