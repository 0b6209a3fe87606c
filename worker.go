package stepifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool is the fixed-size worker pool driving queued jobs through the
// converter. Each worker is an independent goroutine owning one blocking
// engine invocation at a time, so at most MaxConcurrent jobs are processing
// simultaneously. Workers block on the queue when idle.
type Pool struct {
	store     Store
	queue     *FIFOQueue
	converter Converter
	artifacts *ArtifactStore
	cfg       *Config
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	timers  map[string]*time.Timer

	wg sync.WaitGroup
}

// NewPool creates a worker pool. Start must be called before jobs are processed.
func NewPool(store Store, queue *FIFOQueue, converter Converter, artifacts *ArtifactStore, cfg *Config, logger *slog.Logger) *Pool {
	return &Pool{
		store:     store,
		queue:     queue,
		converter: converter,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
		timers:    make(map[string]*time.Timer),
	}
}

// Start recovers jobs left over from a previous run and launches the workers.
// Workers exit when ctx is cancelled or the queue is closed and drained.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.recover(ctx); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}

	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	return nil
}

// Stop cancels pending retry timers and waits for all workers to exit.
// Callers cancel the Start context or close the queue first.
func (p *Pool) Stop() {
	p.mu.Lock()
	for id, timer := range p.timers {
		timer.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Cancel requests best-effort termination of a job's in-flight subprocess.
// Returns false if the job is not currently owned by a worker.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.timers[id]; ok {
		timer.Stop()
		delete(p.timers, id)
	}
	cancel, ok := p.running[id]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a worker currently owns the job.
func (p *Pool) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

// recover re-enqueues jobs the previous process left queued or processing.
// The queue is in-memory while records are durable, so a restart would
// otherwise strand non-terminal records forever.
func (p *Pool) recover(ctx context.Context) error {
	jobs, err := p.store.List(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		if _, err := p.store.Merge(ctx, job.ID, JobPatch{
			Status:  patchStatus(JobStatusQueued),
			Message: patchString("re-queued after restart"),
		}); err != nil {
			p.logger.Warn("failed to reset job on recovery", "jobID", job.ID, "error", err)
			continue
		}
		if err := p.queue.Enqueue(job.ID); err != nil {
			p.logger.Warn("failed to re-enqueue job on recovery", "jobID", job.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		p.logger.Info("recovered jobs from previous run", "count", recovered)
	}
	return nil
}

// run is one worker's dequeue loop.
func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()

	logger := p.logger.With("worker", workerID)
	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				logger.Error("dequeue failed", "error", err)
			}
			return
		}
		p.process(ctx, logger, id)
	}
}

// process drives a single job through one conversion attempt.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, id string) {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		// Deleted or expired while waiting in the queue.
		if !errors.Is(err, ErrNotFound) {
			logger.Error("failed to load job", "jobID", id, "error", err)
		}
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.running[id] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, id)
		p.mu.Unlock()
	}()

	if _, err := p.store.Merge(ctx, id, JobPatch{
		Status:   patchStatus(JobStatusProcessing),
		Progress: patchInt(5),
		Message:  patchString("converting mesh"),
	}); err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Error("failed to mark job processing", "jobID", id, "error", err)
		}
		return
	}
	logger.Info("job started", "jobID", id, "attempt", job.Attempts+1)

	stopProgress := p.reportProgress(jobCtx, id)
	result, convErr := p.converter.Convert(jobCtx, ConvertRequest{
		InputPath:  job.InputFile,
		OutputPath: p.artifacts.OutputPath(id),
		Tolerance:  job.Tolerance,
		Repair:     job.Repair,
	})
	stopProgress()

	switch {
	case jobCtx.Err() != nil && ctx.Err() == nil:
		// Cancellation requested for this job specifically: the worker
		// observed engine termination, now remove record and artifacts.
		p.finalizeCancelled(logger, job)
	case ctx.Err() != nil:
		// Shutdown. Leave the record processing; recovery re-queues it.
		logger.Info("job interrupted by shutdown", "jobID", id)
	case convErr != nil:
		p.handleFailure(ctx, logger, job, convErr)
	default:
		p.handleSuccess(ctx, logger, job, result)
	}
}

// reportProgress periodically advances the job's progress along a coarse
// curve while the engine runs. The engine emits only a terminal result, so
// progress is interpolated against the wall-clock timeout and capped below
// completion. The store keeps the sequence monotonic.
func (p *Pool) reportProgress(ctx context.Context, id string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				frac := float64(time.Since(start)) / float64(p.cfg.ConvertTimeout)
				progress := 5 + int(frac*85)
				if progress > 90 {
					progress = 90
				}
				if _, err := p.store.Merge(ctx, id, JobPatch{Progress: patchInt(progress)}); err != nil {
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

func (p *Pool) handleSuccess(ctx context.Context, logger *slog.Logger, job *Job, result *ConvertResult) {
	outputPath := p.artifacts.OutputPath(job.ID)
	solid := ""
	if result.Stats != nil && !result.Stats.Solid {
		solid = " (shell, no closed solid)"
	}
	if _, err := p.store.Merge(ctx, job.ID, JobPatch{
		Status:     patchStatus(JobStatusCompleted),
		Progress:   patchInt(100),
		Message:    patchString("conversion complete" + solid),
		OutputFile: patchString(outputPath),
		Result:     result.Stats,
	}); err != nil {
		logger.Error("failed to mark job completed", "jobID", job.ID, "error", err)
		return
	}
	logger.Info("job completed", "jobID", job.ID)
}

func (p *Pool) handleFailure(ctx context.Context, logger *slog.Logger, job *Job, convErr error) {
	attempts := job.Attempts + 1

	if attempts <= p.cfg.MaxRetries {
		if _, err := p.store.Merge(ctx, job.ID, JobPatch{
			Status:   patchStatus(JobStatusQueued),
			Attempts: patchInt(attempts),
			Message:  patchString(fmt.Sprintf("attempt %d failed, retrying: %v", attempts, convErr)),
		}); err != nil {
			if !errors.Is(err, ErrNotFound) {
				logger.Error("failed to mark job for retry", "jobID", job.ID, "error", err)
			}
			return
		}
		logger.Warn("job failed, scheduling retry", "jobID", job.ID, "attempt", attempts, "error", convErr)
		p.scheduleRetry(job.ID)
		return
	}

	// Retries exhausted. A timeout on the final attempt surfaces as its own
	// status so pollers can tell the cause apart.
	status := JobStatusFailed
	var timeoutErr *TimeoutError
	if errors.As(convErr, &timeoutErr) {
		status = JobStatusTimeout
	}
	if _, err := p.store.Merge(ctx, job.ID, JobPatch{
		Status:   patchStatus(status),
		Attempts: patchInt(attempts),
		Message:  patchString("conversion failed"),
		Error:    patchString(convErr.Error()),
	}); err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Error("failed to mark job failed", "jobID", job.ID, "error", err)
		}
		return
	}
	logger.Error("job failed permanently", "jobID", job.ID, "attempts", attempts, "status", status, "error", convErr)
}

// scheduleRetry re-enqueues the job at the back of the queue after the
// configured backoff. The source system retried immediately; the delay is a
// deliberate change to avoid hammering a persistently failing engine.
func (p *Pool) scheduleRetry(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timers[id] = time.AfterFunc(p.cfg.RetryBackoff, func() {
		p.mu.Lock()
		delete(p.timers, id)
		p.mu.Unlock()
		if err := p.queue.Enqueue(id); err != nil {
			p.logger.Error("failed to re-enqueue job for retry", "jobID", id, "error", err)
		}
	})
}

// finalizeCancelled removes the record and artifacts of a job whose
// subprocess was just terminated on request. Uses a fresh context: the job
// context is already cancelled.
func (p *Pool) finalizeCancelled(logger *slog.Logger, job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.artifacts.Remove(job); err != nil {
		logger.Warn("failed to remove artifacts of cancelled job", "jobID", job.ID, "error", err)
	}
	if err := p.store.Delete(ctx, job.ID); err != nil {
		logger.Error("failed to delete cancelled job", "jobID", job.ID, "error", err)
		return
	}
	logger.Info("job cancelled", "jobID", job.ID)
}
