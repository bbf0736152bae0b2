package queue

import (
	"context"

	"github.com/cadencehq/cadence/errors"
)

// JobHandler executes jobs of a single type.
//
// Handlers receive the job's context, which is cancelled when the worker
// pool shuts down. Long-running handlers should call Checkpoint at natural
// boundaries so cooperative cancellation can take effect.
type JobHandler interface {
	// Type returns the job type this handler executes
	Type() Type

	// Execute runs the job. A nil return marks the job completed; a
	// non-nil return marks it failed with a classified reason, except
	// ErrJobCancelled which marks it cancelled.
	Execute(ctx context.Context, job *Job, q *Queue) error
}

// HandlerRegistry maps job types to their handlers
type HandlerRegistry struct {
	handlers map[Type]JobHandler
}

// NewHandlerRegistry creates an empty handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[Type]JobHandler),
	}
}

// Register adds a handler. Registering two handlers for the same type is a
// programming error and panics at startup rather than silently shadowing.
func (r *HandlerRegistry) Register(h JobHandler) {
	if _, exists := r.handlers[h.Type()]; exists {
		panic("duplicate job handler registered for type " + string(h.Type()))
	}
	r.handlers[h.Type()] = h
}

// Get returns the handler for a job type
func (r *HandlerRegistry) Get(jobType Type) (JobHandler, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, errors.Newf("no handler registered for job type: %s", jobType)
	}
	return h, nil
}

// Types returns all registered job types
func (r *HandlerRegistry) Types() []Type {
	types := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
