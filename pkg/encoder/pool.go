// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package encoder

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/ledgerlake/scansink/pkg/scandata"
)

// Config configures the encoder pool.
type Config struct {
	Workers    int `help:"number of parallel encode workers, 0 means number of CPUs" default:"0" env:"MAX_WORKERS"`
	QueueSize  int `help:"bounded job queue length" default:"8"`
	MaxRetries int `help:"encode attempts per batch before failing it upward" default:"3"`
	ZstdLevel  int `help:"compression level for the intermediate container" default:"3" env:"ZSTD_LEVEL"`
}

// Pool is a bounded parallel sink of encode jobs. Submission blocks while
// the queue is full, which is the encode-side backpressure. Each call
// returns only after its file exists at the target path, so callers may
// commit their cursor on return.
type Pool struct {
	log    *zap.Logger
	config Config

	jobs    chan *job
	workers sync.WaitGroup
	once    sync.Once

	mu     sync.RWMutex
	closed bool
}

type job struct {
	kind     string
	path     string
	write    func(path string) error
	attempts int
	done     chan error
}

// NewPool creates the pool and starts its workers.
func NewPool(log *zap.Logger, config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 8
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}

	pool := &Pool{
		log:    log,
		config: config,
		jobs:   make(chan *job, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		pool.workers.Add(1)
		go pool.worker()
	}
	return pool
}

// EncodeUpdates writes an update batch to path.
func (pool *Pool) EncodeUpdates(ctx context.Context, path string, rows []scandata.UpdateRow) error {
	return pool.submit(ctx, "updates", path, func(path string) error {
		return WriteParquet(path, rows)
	})
}

// EncodeEvents writes an event batch to path.
func (pool *Pool) EncodeEvents(ctx context.Context, path string, rows []scandata.EventRow) error {
	return pool.submit(ctx, "events", path, func(path string) error {
		return WriteParquet(path, rows)
	})
}

// EncodeContracts writes an ACS contract batch to path.
func (pool *Pool) EncodeContracts(ctx context.Context, path string, rows []scandata.ACSRow) error {
	return pool.submit(ctx, "contracts", path, func(path string) error {
		return WriteParquet(path, rows)
	})
}

// EncodeChunks writes raw message chunks into the intermediate container at
// path.
func (pool *Pool) EncodeChunks(ctx context.Context, path string, chunks [][]byte) error {
	return pool.submit(ctx, "chunks", path, func(path string) error {
		return WriteChunked(path, chunks, pool.config.ZstdLevel)
	})
}

// Close stops the workers after the queued jobs finish. Submissions after
// Close panic; the process is shutting down.
func (pool *Pool) Close() {
	pool.once.Do(func() {
		pool.mu.Lock()
		pool.closed = true
		close(pool.jobs)
		pool.mu.Unlock()
	})
	pool.workers.Wait()
}

func (pool *Pool) submit(ctx context.Context, kind, path string, write func(string) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	j := &job{kind: kind, path: path, write: write, done: make(chan error, 1)}
	select {
	case pool.jobs <- j:
	case <-ctx.Done():
		return Error.Wrap(ctx.Err())
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		// The worker still owns the job; its result is discarded and
		// any file it creates is an orphan the caller never commits.
		return Error.Wrap(ctx.Err())
	}
}

func (pool *Pool) worker() {
	defer pool.workers.Done()
	for j := range pool.jobs {
		pool.process(j)
	}
}

// process runs one encode attempt. A crashed or failed attempt goes back
// through the job queue, so the retry lands on whichever worker is idle;
// only when the queue is full or closing does the same worker retry
// inline. Exhausting the budget fails the batch upward; the caller must
// roll back its cursor transaction.
func (pool *Pool) process(j *job) {
	err := pool.attempt(j)
	if err == nil {
		mon.Counter("encoded_batches").Inc(1)
		j.done <- nil
		return
	}
	j.attempts++
	pool.log.Warn("encode attempt failed",
		zap.String("kind", j.kind),
		zap.String("path", j.path),
		zap.Int("attempt", j.attempts),
		zap.Error(err))
	if j.attempts >= pool.config.MaxRetries {
		j.done <- Error.New("batch %s failed after %d attempts: %v",
			j.path, j.attempts, err)
		return
	}
	mon.Counter("encode_retries").Inc(1)
	if !pool.resubmit(j) {
		pool.process(j)
	}
}

func (pool *Pool) resubmit(j *job) bool {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	if pool.closed {
		return false
	}
	select {
	case pool.jobs <- j:
		return true
	default:
		return false
	}
}

func (pool *Pool) attempt(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Error.New("encode worker crashed: %v", r)
		}
	}()
	return j.write(j.path)
}
