// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerlake/scansink/internal/sync2"
	"github.com/ledgerlake/scansink/internal/testcontext"
)

func TestCycleStopBeforeRun(t *testing.T) {
	done := make(chan struct{})
	go func() {
		cycle := sync2.NewCycle(time.Second)
		cycle.Stop()
		cycle.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop without Run did not return")
	}

	// A Run after Stop returns nil without invoking the function.
	cycle := sync2.NewCycle(time.Second)
	cycle.Stop()
	err := cycle.Run(context.Background(), func(ctx context.Context) error {
		t.Fatal("should not be called")
		return nil
	})
	require.NoError(t, err)
}

func TestCycleRunStop(t *testing.T) {
	ctx := testcontext.New(t)

	cycle := sync2.NewCycle(time.Hour)
	var count atomic.Int64
	ctx.Go(func() error {
		return cycle.Run(ctx, func(ctx context.Context) error {
			count.Add(1)
			return nil
		})
	})

	cycle.TriggerWait()
	cycle.TriggerWait()
	require.GreaterOrEqual(t, count.Load(), int64(3))

	cycle.Stop()
	ctx.Cleanup()
}
