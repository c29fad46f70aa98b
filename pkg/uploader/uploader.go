// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package uploader moves finished local files to the object store in the
// background. Enqueue never blocks; instead producers poll ShouldPause,
// which latches on when either the count axis or the byte axis crosses its
// high water mark and releases only when both are back under their low
// water marks.
package uploader

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerlake/scansink/internal/errs2"
	"github.com/ledgerlake/scansink/pkg/objstore"
)

var (
	// Error is the class of upload errors.
	Error = errs.Class("uploader")
	// ErrShutdown is returned for enqueues after Shutdown.
	ErrShutdown = errs.Class("uploader shutdown")

	mon = monkit.Package()
)

// Config configures the upload queue.
type Config struct {
	Enabled          bool          `help:"if false, files are mirrored into the local data dir instead of uploaded" default:"true" env:"GCS_ENABLED"`
	Concurrency      int           `help:"number of parallel upload workers" default:"4" env:"GCS_UPLOAD_CONCURRENCY"`
	QueueHighWater   int           `help:"queued file count that pauses producers" default:"256" env:"GCS_QUEUE_HIGH_WATER"`
	QueueLowWater    int           `help:"queued file count that resumes producers" default:"64" env:"GCS_QUEUE_LOW_WATER"`
	ByteHighWater    int64         `help:"queued bytes that pause producers" default:"1073741824" env:"GCS_BYTE_HIGH_WATER"`
	ByteLowWater     int64         `help:"queued bytes that resume producers" default:"268435456" env:"GCS_BYTE_LOW_WATER"`
	MaxRetries       int           `help:"upload attempts per file" default:"3" env:"GCS_MAX_RETRIES"`
	RetryBaseDelayMS int64         `help:"base delay for exponential backoff, in milliseconds" default:"1000" env:"GCS_RETRY_BASE_DELAY_MS"`
	RetryMaxDelay    time.Duration `help:"backoff cap" default:"30s"`
	DeadLetterPath   string        `help:"dead-letter log for terminally failed uploads" default:"dead-letter.jsonl"`
	DeleteOnFailure  bool          `help:"delete the local file even when its upload terminally fails" default:"false"`
}

// Item is one file to move to the object store.
type Item struct {
	LocalPath string
	RemoteKey string
	Size      int64
}

// Queue is the background upload queue. One exists per process, shared by
// every shard; construct with NewQueue and run with Run.
type Queue struct {
	log    *zap.Logger
	config Config
	store  objstore.Store

	jobs        chan Item
	outstanding sync.WaitGroup
	deadLetter  deadLetterLog
	failures    atomic.Int64

	mu          sync.Mutex
	queuedCount int
	queuedBytes int64
	paused      bool
	closed      bool
}

// NewQueue creates the queue.
func NewQueue(log *zap.Logger, config Config, store objstore.Store) *Queue {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if config.QueueHighWater <= 0 {
		config.QueueHighWater = 256
	}
	if config.QueueLowWater <= 0 {
		config.QueueLowWater = config.QueueHighWater / 4
	}
	if config.ByteHighWater <= 0 {
		config.ByteHighWater = 1 << 30
	}
	if config.ByteLowWater <= 0 {
		config.ByteLowWater = config.ByteHighWater / 4
	}
	return &Queue{
		log:        log,
		config:     config,
		store:      store,
		jobs:       make(chan Item, 4*config.QueueHighWater+16),
		deadLetter: deadLetterLog{path: config.DeadLetterPath},
	}
}

// Run processes uploads until Shutdown is called and the queue drains. The
// context bounds individual store operations; canceling it abandons
// in-flight uploads and their local files stay on disk for the reconciler.
func (queue *Queue) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errgroup.Group
	for i := 0; i < queue.config.Concurrency; i++ {
		group.Go(func() error {
			for item := range queue.jobs {
				queue.process(ctx, item)
			}
			return nil
		})
	}
	return group.Wait()
}

// Enqueue adds a file to the queue. It never blocks; producers must poll
// ShouldPause before producing more.
func (queue *Queue) Enqueue(item Item) error {
	queue.mu.Lock()
	if queue.closed {
		queue.mu.Unlock()
		return ErrShutdown.New("enqueue of %s", item.LocalPath)
	}
	queue.queuedCount++
	queue.queuedBytes += item.Size
	queue.updatePauseLocked()
	queue.outstanding.Add(1)
	queue.mu.Unlock()

	select {
	case queue.jobs <- item:
		return nil
	default:
		// Producers honoring ShouldPause never get here.
		queue.finish(item)
		return Error.New("queue overflow at %d items", len(queue.jobs))
	}
}

// ShouldPause reports whether producers must stop producing until the
// queue drains under its low water marks.
func (queue *Queue) ShouldPause() bool {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.paused
}

// DeadLetterPath reports where terminally failed uploads are recorded.
func (queue *Queue) DeadLetterPath() string { return queue.config.DeadLetterPath }

// Failures returns the number of terminally failed uploads since the queue
// started. Callers compare against a baseline before confirming remote
// progress.
func (queue *Queue) Failures() int64 { return queue.failures.Load() }

// Stats returns the queued file count and byte total, including in-flight
// uploads.
func (queue *Queue) Stats() (count int, bytes int64) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.queuedCount, queue.queuedBytes
}

// Drain returns once every enqueued file reached a final outcome (uploaded
// or dead-lettered), or when ctx is canceled first.
func (queue *Queue) Drain(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	done := make(chan struct{})
	go func() {
		queue.outstanding.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return Error.Wrap(ctx.Err())
	}
}

// Shutdown rejects further enqueues, drains, and stops the workers.
func (queue *Queue) Shutdown(ctx context.Context) error {
	queue.mu.Lock()
	alreadyClosed := queue.closed
	queue.closed = true
	queue.mu.Unlock()

	err := queue.Drain(ctx)
	if !alreadyClosed {
		close(queue.jobs)
	}
	return err
}

func (queue *Queue) process(ctx context.Context, item Item) {
	defer queue.finish(item)

	err := queue.upload(ctx, item)
	if err == nil {
		mon.Counter("uploaded_files").Inc(1)
		mon.IntVal("uploaded_bytes").Observe(item.Size)
		if err := os.Remove(item.LocalPath); err != nil && !os.IsNotExist(err) {
			queue.log.Warn("uploaded file could not be removed locally",
				zap.String("path", item.LocalPath), zap.Error(err))
		}
		return
	}

	queue.failures.Add(1)
	mon.Counter("dead_letters").Inc(1)
	queue.log.Error("upload terminally failed",
		zap.String("local_path", item.LocalPath),
		zap.String("remote_path", item.RemoteKey),
		zap.Error(err))
	if dlErr := queue.deadLetter.append(item, err); dlErr != nil {
		queue.log.Error("dead-letter append failed", zap.Error(dlErr))
	}
	if queue.config.DeleteOnFailure {
		_ = os.Remove(item.LocalPath)
	}
}

// upload attempts the store put with exponential-plus-jitter backoff.
// Terminal errors stop retrying immediately.
func (queue *Queue) upload(ctx context.Context, item Item) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(queue.config.RetryBaseDelayMS) * time.Millisecond
	policy.MaxInterval = queue.config.RetryMaxDelay
	policy.MaxElapsedTime = 0

	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := queue.store.Put(ctx, item.LocalPath, item.RemoteKey)
		if err == nil {
			return nil
		}
		if !errs2.IsTransient(err) || attempts >= queue.config.MaxRetries {
			return backoff.Permanent(err)
		}
		mon.Counter("upload_retries").Inc(1)
		queue.log.Warn("transient upload failure, backing off",
			zap.String("remote_path", item.RemoteKey),
			zap.Int("attempt", attempts),
			zap.Error(err))
		return err
	}, backoff.WithContext(policy, ctx))
}

func (queue *Queue) finish(item Item) {
	queue.mu.Lock()
	queue.queuedCount--
	queue.queuedBytes -= item.Size
	queue.updatePauseLocked()
	queue.mu.Unlock()
	queue.outstanding.Done()
}

// updatePauseLocked latches the pause flag with hysteresis: on above
// either high water, off once both axes are at or under their low waters.
func (queue *Queue) updatePauseLocked() {
	if !queue.paused {
		if queue.queuedCount >= queue.config.QueueHighWater ||
			queue.queuedBytes >= queue.config.ByteHighWater {
			queue.paused = true
			mon.Counter("backpressure_pauses").Inc(1)
		}
		return
	}
	if queue.queuedCount <= queue.config.QueueLowWater &&
		queue.queuedBytes <= queue.config.ByteLowWater {
		queue.paused = false
	}
}
