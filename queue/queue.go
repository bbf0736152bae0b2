package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/metrics"
)

// ErrJobCancelled is returned by Checkpoint (and should be returned by
// handlers) when a running job has been asked to stop. The worker maps it
// to the cancelled status rather than failed.
var ErrJobCancelled = errors.New("job cancelled")

// DefaultMaxPending bounds queue depth before Enqueue rejects new work
const DefaultMaxPending = 1000

// Queue wraps the store with capacity enforcement, cooperative
// cancellation, and subscriber notifications.
type Queue struct {
	store      *Store
	logger     *zap.SugaredLogger
	maxPending int

	mu          sync.RWMutex
	cancels     map[string]*atomic.Bool // Cancel flags for running jobs
	subscribers []chan *Job
}

// NewQueue creates a queue over the given store. maxPending <= 0 uses
// DefaultMaxPending.
func NewQueue(store *Store, logger *zap.SugaredLogger, maxPending int) *Queue {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Queue{
		store:      store,
		logger:     logger,
		maxPending: maxPending,
		cancels:    make(map[string]*atomic.Bool),
	}
}

// Enqueue validates, persists, and admits a new job. Returns
// errors.ErrQueueFull when the pending backlog is at capacity; the caller
// decides whether to retry later or surface the rejection.
func (q *Queue) Enqueue(jobType Type, payload json.RawMessage, priority Priority) (*Job, error) {
	job, err := NewJob(jobType, payload, priority)
	if err != nil {
		return nil, err
	}

	// Capacity check and insert are one critical section; concurrent
	// enqueuers at the boundary must not overshoot the hard cap.
	q.mu.Lock()
	pending, err := q.store.CountPending()
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if pending >= q.maxPending {
		q.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrQueueFull, "queue at capacity (%d pending)", pending)
	}
	if err := q.store.CreateJob(job); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	metrics.JobsEnqueued.WithLabelValues(string(job.Type)).Inc()
	metrics.JobsPending.Set(float64(pending + 1))
	q.logger.Infow("Job enqueued",
		"job_id", job.ID,
		"type", job.Type,
		"priority", job.Priority,
	)

	q.notify(job)
	return job, nil
}

// Get returns a job by ID
func (q *Queue) Get(id string) (*Job, error) {
	return q.store.GetJob(id)
}

// List returns jobs, optionally filtered by status
func (q *Queue) List(status *Status, limit int) ([]*Job, error) {
	return q.store.ListJobs(status, limit)
}

// ListActive returns pending and running jobs
func (q *Queue) ListActive(limit int) ([]*Job, error) {
	return q.store.ListActiveJobs(limit)
}

// Stats returns job counts grouped by status
func (q *Queue) Stats() (map[Status]int, error) {
	return q.store.CountByStatus()
}

// dequeue claims the next pending job for a worker. The status write is
// serialized under the queue lock so two workers never claim the same job.
func (q *Queue) dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.NextPending()
	if err != nil || job == nil {
		return nil, err
	}

	if err := job.Start(); err != nil {
		return nil, err
	}
	if err := q.store.UpdateJob(job); err != nil {
		return nil, err
	}

	q.cancels[job.ID] = &atomic.Bool{}
	return job, nil
}

// Cancel requests cancellation of a job. Pending jobs are cancelled
// immediately; running jobs get their cancel flag set and stop at the next
// checkpoint. Terminal jobs return a validation error.
func (q *Queue) Cancel(id, reason string) error {
	job, err := q.cancelLocked(id, reason)
	if err != nil {
		return err
	}
	if job != nil {
		metrics.JobsCancelled.WithLabelValues(string(job.Type)).Inc()
		q.logger.Infow("Pending job cancelled", "job_id", id, "reason", reason)
		q.notify(job)
	}
	return nil
}

// cancelLocked performs the state change under the queue lock. It returns
// the job when a pending job was cancelled outright, nil when a running
// job was flagged instead.
func (q *Queue) cancelLocked(id, reason string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case StatusPending:
		if err := job.Cancel(reason); err != nil {
			return nil, err
		}
		if err := q.store.UpdateJob(job); err != nil {
			return nil, err
		}
		return job, nil

	case StatusRunning:
		flag, ok := q.cancels[id]
		if !ok {
			// Running in the store but not in memory: orphan from a
			// previous process. Recovery will fail it; nothing to signal.
			return nil, errors.Newf("job %s is running but not owned by this process", id)
		}
		flag.Store(true)
		q.logger.Infow("Cancellation requested for running job", "job_id", id, "reason", reason)
		return nil, nil

	default:
		return nil, errors.MarkValidation(errors.Newf("job %s is already %s", id, job.Status))
	}
}

// CancelRequested reports whether a running job has been asked to stop
func (q *Queue) CancelRequested(id string) bool {
	q.mu.RLock()
	flag, ok := q.cancels[id]
	q.mu.RUnlock()
	return ok && flag.Load()
}

// Checkpoint is called by handlers at natural boundaries (between batches,
// between contacts). It returns ErrJobCancelled if the job should stop, or
// the context error if the worker pool is shutting down.
func (q *Queue) Checkpoint(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.CancelRequested(jobID) {
		return errors.Wrapf(ErrJobCancelled, "job %s", jobID)
	}
	return nil
}

// UpdateProgress persists handler progress so observers can poll it
func (q *Queue) UpdateProgress(job *Job, current, total int) error {
	job.UpdateProgress(current, total)
	return q.store.UpdateJob(job)
}

// finish transitions a job to its terminal state and releases its cancel
// flag. transition mutates the job; it runs before the store write.
func (q *Queue) finish(job *Job, transition func() error) error {
	q.mu.Lock()
	err := func() error {
		if err := transition(); err != nil {
			return err
		}
		if err := q.store.UpdateJob(job); err != nil {
			return err
		}
		delete(q.cancels, job.ID)
		return nil
	}()
	q.mu.Unlock()

	if err != nil {
		return err
	}
	q.notify(job)
	return nil
}

// CompleteJob marks a running job completed
func (q *Queue) CompleteJob(job *Job) error {
	if err := q.finish(job, job.Complete); err != nil {
		return err
	}
	metrics.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
	q.logger.Infow("Job completed",
		"job_id", job.ID,
		"type", job.Type,
		"duration", durationOf(job),
	)
	return nil
}

// FailJob marks a job failed with a reason classified from execErr
func (q *Queue) FailJob(job *Job, execErr error) error {
	if err := q.finish(job, func() error { return job.Fail(execErr) }); err != nil {
		return err
	}
	metrics.JobsFailed.WithLabelValues(string(job.Type), string(job.FailureReason)).Inc()
	q.logger.Errorw("Job failed",
		"job_id", job.ID,
		"type", job.Type,
		"reason", job.FailureReason,
		"error", execErr.Error(),
	)
	return nil
}

// MarkCancelled finalizes a running job whose handler observed its cancel
// flag and returned ErrJobCancelled.
func (q *Queue) MarkCancelled(job *Job, reason string) error {
	if err := q.finish(job, func() error { return job.Cancel(reason) }); err != nil {
		return err
	}
	metrics.JobsCancelled.WithLabelValues(string(job.Type)).Inc()
	q.logger.Infow("Job cancelled", "job_id", job.ID, "type", job.Type, "reason", reason)
	return nil
}

// Subscribe returns a channel receiving job state changes. The channel is
// buffered; slow subscribers drop notifications rather than block workers.
func (q *Queue) Subscribe() <-chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, 64)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// notify fans a job update out to subscribers without blocking. Must not
// be called while holding q.mu.
func (q *Queue) notify(job *Job) {
	q.mu.RLock()
	subs := make([]chan *Job, len(q.subscribers))
	copy(subs, q.subscribers)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- job:
		default:
		}
	}
}

// Cleanup removes terminal jobs older than the retention window
func (q *Queue) Cleanup(olderThan time.Duration) (int, error) {
	n, err := q.store.CleanupOldJobs(olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Infow("Cleaned up old jobs", "removed", n)
	}
	return n, nil
}

func durationOf(job *Job) time.Duration {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return 0
	}
	return job.CompletedAt.Sub(*job.StartedAt)
}
