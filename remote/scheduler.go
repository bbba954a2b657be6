/*
scheduler.go - Periodic full sync to the remote copy

PURPOSE:
  Per-operation pushes can be dropped (full queue, remote down). Every
  Interval the scheduler pushes a full snapshot of the ledger so the remote
  copy converges anyway.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on Start
  - Each run has its own timeout; a failed entity is logged and skipped

CONFIGURATION:
  - Interval: How often to sync (default: 5 minutes)
  - Enabled:  Whether scheduler is active (default: true)

USAGE:
  scheduler := remote.NewSyncScheduler(svc, mirror, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wusul/settlement-engine/ledger"
)

// Snapshotter returns every entity to push. *ledger.Service implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]ledger.Entity, error)
}

// RunResult summarizes one full sync.
type RunResult struct {
	Pushed   int
	Failed   int
	Duration time.Duration
}

// SyncScheduler handles the periodic full sync.
type SyncScheduler struct {
	Source     Snapshotter
	Target     ledger.Syncer
	Interval   time.Duration
	RunTimeout time.Duration
	Enabled    bool

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSyncScheduler creates a new scheduler.
func NewSyncScheduler(source Snapshotter, target ledger.Syncer, logger *slog.Logger) *SyncScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncScheduler{
		Source:     source,
		Target:     target,
		Interval:   5 * time.Minute,
		RunTimeout: time.Minute,
		Enabled:    true,
		logger:     logger.With("component", "sync"),
	}
}

// Start begins the scheduler.
func (ss *SyncScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.logger.Info("disabled, not starting")
		return
	}
	if ss.ticker != nil {
		return
	}

	ss.ticker = time.NewTicker(ss.Interval)
	ss.stop = make(chan struct{})
	ss.wg.Add(1)

	go ss.run()

	ss.logger.Info("started", "interval", ss.Interval)
}

// Stop stops the scheduler and waits for a running sync to finish.
func (ss *SyncScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		ss.ticker = nil
		ss.logger.Info("stopped")
	}
}

func (ss *SyncScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.RunNow()

	for {
		select {
		case <-ss.ticker.C:
			ss.RunNow()
		case <-ss.stop:
			return
		}
	}
}

// RunNow performs one full sync synchronously.
func (ss *SyncScheduler) RunNow() RunResult {
	ctx, cancel := context.WithTimeout(context.Background(), ss.RunTimeout)
	defer cancel()

	start := time.Now()
	var res RunResult

	entities, err := ss.Source.Snapshot(ctx)
	if err != nil {
		ss.logger.Error("snapshot failed", "error", err)
		res.Duration = time.Since(start)
		return res
	}

	for _, e := range entities {
		if err := ss.Target.Push(ctx, e); err != nil {
			res.Failed++
			ss.logger.Warn("push failed", "entity", e.EntityType(), "key", e.EntityKey(), "error", err)
			continue
		}
		res.Pushed++
	}

	res.Duration = time.Since(start)
	ss.logger.Info("full sync completed", "pushed", res.Pushed, "failed", res.Failed, "duration", res.Duration)
	return res
}
