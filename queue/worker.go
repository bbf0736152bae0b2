package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/metrics"
)

const (
	// DefaultWorkerCount bounds concurrent job execution
	DefaultWorkerCount = 4

	// defaultPollInterval is how often an idle worker checks for work
	defaultPollInterval = 500 * time.Millisecond

	// errorBackoff is how long a worker sleeps after a dequeue error
	errorBackoff = 2 * time.Second
)

// WorkerPool runs a fixed number of workers that dequeue and execute jobs
// through the handler registry.
type WorkerPool struct {
	queue    *Queue
	registry *HandlerRegistry
	logger   *zap.SugaredLogger

	workers      int
	pollInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewWorkerPool creates a pool. workers <= 0 uses DefaultWorkerCount.
func NewWorkerPool(q *Queue, registry *HandlerRegistry, logger *zap.SugaredLogger, workers int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	return &WorkerPool{
		queue:        q,
		registry:     registry,
		logger:       logger,
		workers:      workers,
		pollInterval: defaultPollInterval,
	}
}

// Start recovers orphaned jobs and launches the workers
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true

	if err := p.recoverOrphans(); err != nil {
		return errors.Wrap(err, "orphan recovery failed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}

	p.logger.Infow("Worker pool started", "workers", p.workers)
	return nil
}

// Stop signals workers to finish and waits up to timeout for in-flight
// jobs. Jobs still running after the timeout are abandoned in the running
// state; the next startup's orphan recovery fails and replaces them.
func (p *WorkerPool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("Worker pool stopped")
	case <-time.After(timeout):
		p.logger.Warnw("Worker pool stop timed out with jobs in flight", "timeout", timeout)
	}
}

// run is a single worker's poll loop
func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain available work before going back to sleep
		for {
			if ctx.Err() != nil {
				return
			}

			job, err := p.queue.dequeue()
			if err != nil {
				p.logger.Errorw("Dequeue failed", "worker", id, "error", err.Error())
				select {
				case <-ctx.Done():
					return
				case <-time.After(errorBackoff):
				}
				continue
			}
			if job == nil {
				break // Queue empty
			}

			p.execute(ctx, job, id)
		}
	}
}

// execute runs one job through its handler and records the outcome
func (p *WorkerPool) execute(ctx context.Context, job *Job, workerID int) {
	p.logger.Infow("Job started",
		"job_id", job.ID,
		"type", job.Type,
		"worker", workerID,
	)
	start := time.Now()

	handler, err := p.registry.Get(job.Type)
	if err != nil {
		p.failJob(job, errors.MarkValidation(err))
		return
	}

	execErr := p.runHandler(ctx, handler, job)
	metrics.ObserveJobDuration(string(job.Type), start)

	switch {
	case execErr == nil:
		if err := p.queue.CompleteJob(job); err != nil {
			p.logger.Errorw("Failed to record job completion", "job_id", job.ID, "error", err.Error())
		}
	case errors.Is(execErr, ErrJobCancelled):
		if err := p.queue.MarkCancelled(job, "cancelled by operator"); err != nil {
			p.logger.Errorw("Failed to record job cancellation", "job_id", job.ID, "error", err.Error())
		}
	case errors.Is(execErr, context.Canceled) && ctx.Err() != nil:
		// Shutdown interrupted the handler. The job does not go back to
		// pending; replacement work gets a fresh job at next startup.
		p.failJob(job, errors.MarkTransient(errors.Wrap(execErr, "interrupted by shutdown")))
	default:
		p.failJob(job, execErr)
	}
}

// runHandler invokes the handler, converting panics into failures so one
// bad job cannot take down a worker.
func (p *WorkerPool) runHandler(ctx context.Context, handler JobHandler, job *Job) (execErr error) {
	defer func() {
		if r := recover(); r != nil {
			execErr = errors.Newf("handler panicked: %v", r)
			p.logger.Errorw("Job handler panicked", "job_id", job.ID, "panic", r)
		}
	}()
	return handler.Execute(ctx, job, p.queue)
}

func (p *WorkerPool) failJob(job *Job, execErr error) {
	if err := p.queue.FailJob(job, execErr); err != nil {
		p.logger.Errorw("Failed to record job failure", "job_id", job.ID, "error", err.Error())
	}
}

// recoverOrphans handles jobs left in the running state by a previous
// process. Each orphan is marked failed and replaced with a fresh pending
// job carrying the same type and payload; a job never re-enters pending
// under its old ID.
func (p *WorkerPool) recoverOrphans() error {
	orphans, err := p.queue.store.ListRunningJobs(DefaultMaxPending)
	if err != nil {
		return err
	}

	for _, orphan := range orphans {
		if err := orphan.Fail(errors.MarkTransient(errors.New("abandoned by previous process"))); err != nil {
			return err
		}
		if err := p.queue.store.UpdateJob(orphan); err != nil {
			return err
		}
		metrics.JobsFailed.WithLabelValues(string(orphan.Type), string(orphan.FailureReason)).Inc()

		replacement, err := NewJob(orphan.Type, orphan.Payload, orphan.Priority)
		if err != nil {
			return err
		}
		if err := p.queue.store.CreateJob(replacement); err != nil {
			return err
		}
		metrics.JobsEnqueued.WithLabelValues(string(replacement.Type)).Inc()

		p.logger.Warnw("Recovered orphaned job",
			"orphan_id", orphan.ID,
			"replacement_id", replacement.ID,
			"type", orphan.Type,
		)
	}

	if len(orphans) > 0 {
		p.logger.Infow("Orphan recovery complete", "recovered", len(orphans))
	}
	return nil
}
