// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cycle implements a controllable recurring event.
//
// Stop and TriggerWait are safe to call concurrently with Run and at any
// point relative to it, including before Run has started.
type Cycle struct {
	interval time.Duration

	ticker   *time.Ticker
	control  chan interface{}
	stopping chan struct{}
	stopsent int32

	init sync.Once
}

type cycleTrigger struct {
	done chan struct{}
}

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{interval: interval}
	cycle.initialize()
	return cycle
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.control = make(chan interface{})
		cycle.stopping = make(chan struct{})
	})
}

// Run runs fn immediately and then every interval until ctx is canceled,
// fn returns an error, or the cycle is stopped.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()
	select {
	case <-cycle.stopping:
		return nil
	default:
	}

	cycle.ticker = time.NewTicker(cycle.interval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case message := <-cycle.control:
			switch message := message.(type) {
			case cycleTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
				if message.done != nil {
					close(message.done)
				}
			}

		case <-cycle.stopping:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (cycle *Cycle) sendControl(message interface{}) {
	select {
	case cycle.control <- message:
	case <-cycle.stopping:
	}
}

// Stop stops the cycle permanently.
func (cycle *Cycle) Stop() {
	cycle.initialize()
	if atomic.CompareAndSwapInt32(&cycle.stopsent, 0, 1) {
		close(cycle.stopping)
	}
}

// TriggerWait runs the cycle function out of schedule and waits for it to
// complete.
func (cycle *Cycle) TriggerWait() {
	cycle.initialize()
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done})
	select {
	case <-done:
	case <-cycle.stopping:
	}
}
