package stepifi

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically removes expired job records and their on-disk
// artifacts, along with stranded cancelled records. Artifacts are deleted
// before the record: a crash mid-sweep then leaves an orphaned record that
// the next pass detects and re-sweeps, rather than an orphaned file silently
// using disk.
type Sweeper struct {
	store     Store
	artifacts *ArtifactStore
	pool      *Pool
	interval  time.Duration
	logger    *slog.Logger

	jobsRemoved    atomic.Int64
	bytesReclaimed atomic.Int64
	sweeps         atomic.Int64

	mu        sync.Mutex
	lastSweep time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper. Run must be called to start the loop.
func NewSweeper(store Store, artifacts *ArtifactStore, pool *Pool, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		artifacts: artifacts,
		pool:      pool,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run sweeps once immediately, then on every tick until Stop is called or
// ctx is cancelled. Intended to run as a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Sweep removes every expired job not currently owned by a worker, plus any
// cancelled record no worker will finalize. Per-job errors are logged and do
// not halt the sweep of remaining jobs. Sweeping an already-removed job is a
// no-op, so the pass is idempotent and restartable.
func (s *Sweeper) Sweep(ctx context.Context) {
	started := time.Now()
	s.mu.Lock()
	s.lastSweep = started
	s.mu.Unlock()

	var removed int
	var reclaimed int64

	expired, err := s.store.ListExpired(ctx, started)
	if err != nil {
		s.logger.Error("sweep failed to list expired jobs", "error", err)
		return
	}
	for _, job := range expired {
		// Never expire a job out from under its owning worker; the next
		// tick revisits it once it has left processing.
		if job.Status == JobStatusProcessing || (s.pool != nil && s.pool.Running(job.ID)) {
			continue
		}
		if bytes, ok := s.removeJob(ctx, job); ok {
			removed++
			reclaimed += bytes
		}
	}

	// A cancel request that races natural completion can land after the
	// worker's final write, leaving a cancelled record no worker will ever
	// finalize. Collect those regardless of TTL.
	jobs, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("sweep failed to list jobs", "error", err)
	} else {
		for _, job := range jobs {
			if job.Status != JobStatusCancelled || (s.pool != nil && s.pool.Running(job.ID)) {
				continue
			}
			if bytes, ok := s.removeJob(ctx, job); ok {
				removed++
				reclaimed += bytes
			}
		}
	}

	s.jobsRemoved.Add(int64(removed))
	s.bytesReclaimed.Add(reclaimed)
	s.sweeps.Add(1)

	if removed > 0 {
		s.logger.Info("sweep complete",
			"removed", removed,
			"bytesReclaimed", reclaimed,
			"duration", time.Since(started),
		)
	}
}

// removeJob deletes a job's artifacts then its record. The record is kept
// when artifact removal fails so the next pass retries.
func (s *Sweeper) removeJob(ctx context.Context, job *Job) (int64, bool) {
	bytes, err := s.artifacts.Remove(job)
	if err != nil {
		s.logger.Warn("sweep failed to remove artifacts", "jobID", job.ID, "error", err)
		return 0, false
	}
	if err := s.store.Delete(ctx, job.ID); err != nil {
		s.logger.Warn("sweep failed to delete record", "jobID", job.ID, "error", err)
		return 0, false
	}
	return bytes, true
}

// Stats returns aggregate counters since process start.
func (s *Sweeper) Stats() SweepStats {
	s.mu.Lock()
	last := s.lastSweep
	s.mu.Unlock()

	return SweepStats{
		JobsRemoved:    s.jobsRemoved.Load(),
		BytesReclaimed: s.bytesReclaimed.Load(),
		Sweeps:         s.sweeps.Load(),
		LastSweep:      last,
	}
}
