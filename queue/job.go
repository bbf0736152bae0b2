// Package queue provides the durable job queue and bounded worker pool that
// drive the outreach pipeline. Jobs are persisted to SQLite; a fixed number
// of workers dequeue and execute them by type through registered handlers.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/breaker"
	"github.com/cadencehq/cadence/errors"
)

// Type identifies which handler executes a job
type Type string

const (
	TypeDiscover       Type = "discover"
	TypeEnrich         Type = "enrich"
	TypeSync           Type = "sync"
	TypeOutreach       Type = "outreach"
	TypeCustomWorkflow Type = "custom-workflow"
)

// IsValidType returns true if the string is a known job type
func IsValidType(s string) bool {
	switch Type(s) {
	case TypeDiscover, TypeEnrich, TypeSync, TypeOutreach, TypeCustomWorkflow:
		return true
	default:
		return false
	}
}

// Priority orders pending jobs within the queue
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Status represents the current state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal returns true once a job can no longer change state
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// FailureReason is the machine-readable classification of a job failure
type FailureReason string

const (
	ReasonTransient   FailureReason = "transient"
	ReasonClient      FailureReason = "client"
	ReasonCircuitOpen FailureReason = "circuit-open"
	ReasonValidation  FailureReason = "validation"
)

// ReasonFor classifies an execution error into a failure reason.
// Circuit-open failures get a distinguishable reason so the scheduler can
// fast-skip the remainder of a pipeline cycle.
func ReasonFor(err error) FailureReason {
	switch {
	case breaker.IsOpen(err):
		return ReasonCircuitOpen
	case errors.IsClient(err):
		return ReasonClient
	case errors.IsValidation(err):
		return ReasonValidation
	default:
		return ReasonTransient
	}
}

// Progress tracks how far a job has gotten
type Progress struct {
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`
}

// Fraction reports progress in [0, 1]
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	f := float64(p.Current) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Job is one unit of pipeline work.
//
// Status transitions are monotonic: pending -> running -> one of
// {completed, failed, cancelled}. A job never re-enters pending after
// leaving it; re-running work means enqueuing a new job with a new ID.
type Job struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"` // Written by the handler on success
	Priority      Priority        `json:"priority"`
	Status        Status          `json:"status"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
	Error         string          `json:"error,omitempty"`
	Progress      Progress        `json:"progress,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewJob creates a pending job with a fresh ID.
//
// Example:
//
//	payload, _ := json.Marshal(DiscoverPayload{Limit: 25})
//	job, _ := queue.NewJob(queue.TypeDiscover, payload, queue.PriorityNormal)
func NewJob(jobType Type, payload json.RawMessage, priority Priority) (*Job, error) {
	if !IsValidType(string(jobType)) {
		return nil, errors.MarkValidation(errors.Newf("unknown job type: %s", jobType))
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if priority != PriorityNormal && priority != PriorityHigh {
		return nil, errors.MarkValidation(errors.Newf("unknown priority: %s", priority))
	}

	now := time.Now()
	return &Job{
		ID:        "job_" + uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Start marks the job as running. Valid only from pending.
func (j *Job) Start() error {
	if j.Status != StatusPending {
		return errors.MarkValidation(errors.Newf("job %s cannot start from status %s", j.ID, j.Status))
	}
	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// Complete marks the job as completed. Valid only from running.
func (j *Job) Complete() error {
	if j.Status != StatusRunning {
		return errors.MarkValidation(errors.Newf("job %s cannot complete from status %s", j.ID, j.Status))
	}
	now := time.Now()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail marks the job as failed with a classified reason. Valid from
// pending or running.
func (j *Job) Fail(err error) error {
	if j.Status.Terminal() {
		return errors.MarkValidation(errors.Newf("job %s cannot fail from status %s", j.ID, j.Status))
	}
	now := time.Now()
	j.Status = StatusFailed
	j.FailureReason = ReasonFor(err)
	j.Error = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Cancel marks the job as cancelled with a reason. Valid from pending or
// running.
func (j *Job) Cancel(reason string) error {
	if j.Status.Terminal() {
		return errors.MarkValidation(errors.Newf("job %s cannot cancel from status %s", j.ID, j.Status))
	}
	now := time.Now()
	j.Status = StatusCancelled
	j.Error = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// UpdateProgress updates the job's progress counters
func (j *Job) UpdateProgress(current, total int) {
	j.Progress.Current = current
	j.Progress.Total = total
	j.UpdatedAt = time.Now()
}

// SetResult attaches a handler result to the job
func (j *Job) SetResult(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job result")
	}
	j.Result = data
	j.UpdatedAt = time.Now()
	return nil
}
