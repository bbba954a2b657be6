/*
Package dispatch runs advisory work off the request path.

PURPOSE:
  Notifications and remote pushes happen after a ledger operation has
  committed. Their outcome never changes the ledger, so they are queued
  and executed by background workers with a per-job timeout.

LOSS POLICY:
  Submit never blocks. When the buffer is full, or the queue is stopped,
  the job is dropped, counted and ErrQueueFull/ErrStopped is returned.
  The caller logs it and moves on.

LIFECYCLE:
  q := dispatch.New(dispatch.Config{Name: "notify", Size: 256, Workers: 2})
  q.Start()
  defer q.Stop() // drains what is already queued

SEE ALSO:
  - adapters.go: ledger.Notifier and ledger.Syncer on top of a Queue
*/
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch queue stopped")
)

// Job is one unit of advisory work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Config struct {
	Name    string
	Size    int           // buffered jobs, default 256
	Workers int           // default 1
	Timeout time.Duration // per job, default 10s
	Logger  *slog.Logger
}

type Queue struct {
	name    string
	jobs    chan Job
	workers int
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func New(cfg Config) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		name:    cfg.Name,
		jobs:    make(chan Job, cfg.Size),
		workers: cfg.Workers,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "dispatch", "queue", cfg.Name),
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	q.logger.Info("started", "workers", q.workers, "size", cap(q.jobs))
}

// Submit enqueues j without blocking.
func (q *Queue) Submit(j Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return ErrStopped
	}
	select {
	case q.jobs <- j:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop refuses new jobs and waits until the queued ones have run.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		return
	}
	q.wg.Wait()
	q.logger.Info("stopped",
		"processed", q.processed.Load(),
		"failed", q.failed.Load(),
		"dropped", q.dropped.Load(),
	)
}

func (q *Queue) work() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.run(j)
	}
}

func (q *Queue) run(j Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("job panicked", "job", j.Name, "panic", r)
		}
	}()

	if err := j.Run(ctx); err != nil {
		q.failed.Add(1)
		q.logger.Warn("job failed", "job", j.Name, "error", err)
		return
	}
	q.processed.Add(1)
}

// Stats returns processed, failed and dropped job counts.
func (q *Queue) Stats() (processed, failed, dropped int64) {
	return q.processed.Load(), q.failed.Load(), q.dropped.Load()
}
