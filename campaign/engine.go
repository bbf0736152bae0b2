package campaign

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/metrics"
)

// ErrSendSuppressed is returned by SendStep when the enrollment is not
// active at send time. Callers skip the contact rather than fail.
var ErrSendSuppressed = errors.New("send suppressed")

// Engine applies events to enrollments and dispatches outbound sends.
//
// State mutation is serialized under one mutex. Sends claim their step
// under that mutex but dispatch to the provider after releasing it, so a
// slow send never blocks event application for other enrollments; the
// in-flight set keeps two sends for the same enrollment from racing.
type Engine struct {
	store   *Store
	logger  *zap.SugaredLogger
	senders map[Channel]StepSender

	mu      sync.Mutex
	sending map[string]bool // enrollment IDs with a send in flight
}

// NewEngine creates an engine over the given store
func NewEngine(store *Store, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		store:   store,
		logger:  logger,
		senders: make(map[Channel]StepSender),
		sending: make(map[string]bool),
	}
}

// RegisterSender installs the sender for its channel
func (e *Engine) RegisterSender(s StepSender) {
	e.senders[s.Channel()] = s
}

// Enroll creates a new active enrollment
func (e *Engine) Enroll(campaignID, contactID string, totalSteps int, channel Channel) (*Enrollment, error) {
	enrollment, err := NewEnrollment(campaignID, contactID, totalSteps, channel)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateEnrollment(enrollment); err != nil {
		return nil, err
	}
	e.logger.Infow("Contact enrolled",
		"enrollment_id", enrollment.ID,
		"campaign_id", campaignID,
		"contact_id", contactID,
		"channel", channel,
		"total_steps", totalSteps,
	)
	return enrollment, nil
}

// Get returns an enrollment by ID
func (e *Engine) Get(id string) (*Enrollment, error) {
	return e.store.GetEnrollment(id)
}

// List returns a campaign's enrollments, optionally filtered by status
func (e *Engine) List(campaignID string, status *EnrollmentStatus, limit int) ([]*Enrollment, error) {
	return e.store.ListEnrollments(campaignID, status, limit)
}

// Apply processes one inbound event against its enrollment.
//
// Terminal enrollments ignore events but still record them for audit.
// Duplicate events (same idempotency key) are dropped before any state
// change. A sent event advances currentStep only when its step number
// matches; stale or out-of-order sends are recorded unapplied.
func (e *Engine) Apply(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !IsValidEventType(event.Type) {
		return errors.MarkValidation(errors.Newf("unknown event type: %s", event.Type))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	enrollment, err := e.store.GetEnrollment(event.EnrollmentID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return errors.MarkValidation(err)
		}
		return err
	}

	// Terminal enrollments keep their audit trail but never change
	if enrollment.Status.Terminal() {
		inserted, err := e.store.RecordEvent(event, false)
		if err != nil {
			return err
		}
		if !inserted {
			metrics.EventsDeduplicated.Inc()
			return nil
		}
		e.logger.Debugw("Event recorded against terminal enrollment",
			"enrollment_id", enrollment.ID,
			"event_type", event.Type,
			"status", enrollment.Status,
		)
		return nil
	}

	// Compute the mutation in memory first; nothing is persisted until
	// the event survives the dedup insert.
	applied, applyErr := e.classify(enrollment, event)
	if applyErr != nil {
		return applyErr
	}

	inserted, err := e.store.RecordEvent(event, applied)
	if err != nil {
		return err
	}
	if !inserted {
		metrics.EventsDeduplicated.Inc()
		e.logger.Debugw("Duplicate event ignored",
			"enrollment_id", enrollment.ID,
			"idempotency_key", event.IdempotencyKey(),
		)
		return nil
	}

	if applied {
		ts := event.Timestamp
		enrollment.LastEventAt = &ts
		enrollment.UpdatedAt = time.Now()
		if err := e.store.UpdateEnrollment(enrollment); err != nil {
			return err
		}
	}

	metrics.EventsApplied.WithLabelValues(string(event.Type)).Inc()
	e.logger.Infow("Event applied",
		"enrollment_id", enrollment.ID,
		"event_type", event.Type,
		"applied", applied,
		"current_step", enrollment.CurrentStep,
		"status", enrollment.Status,
	)
	return nil
}

// classify mutates the in-memory enrollment per the event type and
// reports whether the event changed state.
func (e *Engine) classify(enrollment *Enrollment, event *Event) (bool, error) {
	switch event.Type {
	case EventUnsubscribed:
		return true, enrollment.terminate(StatusUnsubscribed)

	case EventBounced:
		return true, enrollment.terminate(StatusBounced)

	case EventSent:
		// Advance only when the event's step matches the current step.
		// Redelivered or out-of-order sends must not fast-forward or
		// rewind progress.
		if event.Step != enrollment.CurrentStep {
			e.logger.Debugw("Stale sent event ignored",
				"enrollment_id", enrollment.ID,
				"event_step", event.Step,
				"current_step", enrollment.CurrentStep,
			)
			return false, nil
		}
		return true, enrollment.advance()

	case EventOpened:
		enrollment.Opens++
		return true, nil

	case EventClicked:
		enrollment.Clicks++
		return true, nil

	case EventReplied:
		enrollment.Replies++
		return true, nil

	default:
		return false, errors.MarkValidation(errors.Newf("unknown event type: %s", event.Type))
	}
}

// Pause freezes an active enrollment
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	enrollment, err := e.store.GetEnrollment(id)
	if err != nil {
		return err
	}
	if err := enrollment.Pause(); err != nil {
		return err
	}
	if err := e.store.UpdateEnrollment(enrollment); err != nil {
		return err
	}
	e.logger.Infow("Enrollment paused", "enrollment_id", id)
	return nil
}

// Resume re-activates a paused enrollment from its current step
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	enrollment, err := e.store.GetEnrollment(id)
	if err != nil {
		return err
	}
	if err := enrollment.Resume(); err != nil {
		return err
	}
	if err := e.store.UpdateEnrollment(enrollment); err != nil {
		return err
	}
	e.logger.Infow("Enrollment resumed", "enrollment_id", id, "current_step", enrollment.CurrentStep)
	return nil
}

// SendStep dispatches the current step of an enrollment.
//
// The status check happens under the engine lock, so an unsubscribe or
// pause landing just before the claim suppresses the send. The provider
// call itself runs after the lock is released; the post-send sent event
// goes back through Apply, which re-checks terminal status. Returns
// ErrSendSuppressed when the enrollment is not active or already has a
// send in flight.
func (e *Engine) SendStep(ctx context.Context, enrollmentID string) (string, error) {
	enrollment, sender, step, err := e.claimSend(enrollmentID)
	if err != nil {
		return "", err
	}
	defer e.releaseSend(enrollmentID)

	messageID, err := sender.SendStep(ctx, enrollment, step)
	if err != nil {
		return "", errors.Wrapf(err, "send step %d for enrollment %s", step, enrollmentID)
	}

	e.logger.Infow("Step sent",
		"enrollment_id", enrollmentID,
		"step", step,
		"channel", enrollment.Channel.ChannelForStep(step),
		"message_id", messageID,
	)
	return messageID, nil
}

// claimSend verifies the enrollment is active and marks its send as in
// flight, all under the engine lock. The caller must releaseSend.
func (e *Engine) claimSend(enrollmentID string) (*Enrollment, StepSender, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sending[enrollmentID] {
		return nil, nil, 0, errors.Wrapf(ErrSendSuppressed, "enrollment %s already has a send in flight", enrollmentID)
	}

	enrollment, err := e.store.GetEnrollment(enrollmentID)
	if err != nil {
		return nil, nil, 0, err
	}
	if enrollment.Status != StatusActive {
		return nil, nil, 0, errors.Wrapf(ErrSendSuppressed, "enrollment %s is %s", enrollmentID, enrollment.Status)
	}

	step := enrollment.CurrentStep
	channel := enrollment.Channel.ChannelForStep(step)
	sender, ok := e.senders[channel]
	if !ok {
		return nil, nil, 0, errors.Newf("no sender registered for channel %s", channel)
	}

	e.sending[enrollmentID] = true
	return enrollment, sender, step, nil
}

func (e *Engine) releaseSend(enrollmentID string) {
	e.mu.Lock()
	delete(e.sending, enrollmentID)
	e.mu.Unlock()
}

// Ingest drains inbound events in order until the channel closes or the
// context is cancelled. Validation failures are logged and dropped; they
// never corrupt enrollment state or stop the consumer.
func (e *Engine) Ingest(ctx context.Context, events <-chan *Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := e.Apply(ctx, event); err != nil {
				if errors.IsValidation(err) {
					e.logger.Warnw("Dropped invalid event",
						"enrollment_id", event.EnrollmentID,
						"event_type", event.Type,
						"error", err.Error(),
					)
					continue
				}
				e.logger.Errorw("Failed to apply event",
					"enrollment_id", event.EnrollmentID,
					"event_type", event.Type,
					"error", err.Error(),
				)
			}
		}
	}
}
