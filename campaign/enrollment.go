// Package campaign maintains per-contact progress through multi-step
// outreach sequences. Enrollments advance by applying asynchronously
// arriving events; every event carries an idempotency key so redelivery
// never double-counts or double-advances.
package campaign

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/errors"
)

// EnrollmentStatus is the state of a contact within a campaign
type EnrollmentStatus string

const (
	StatusActive       EnrollmentStatus = "active"
	StatusPaused       EnrollmentStatus = "paused"
	StatusCompleted    EnrollmentStatus = "completed"
	StatusUnsubscribed EnrollmentStatus = "unsubscribed"
	StatusBounced      EnrollmentStatus = "bounced"
)

// Terminal returns true once the enrollment can no longer change
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusUnsubscribed, StatusBounced:
		return true
	default:
		return false
	}
}

// Channel selects which outreach medium a sequence uses
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelLinkedIn Channel = "linkedin"
	// ChannelBoth alternates email and linkedin step by step
	ChannelBoth Channel = "both"
)

// IsValidChannel returns true for known channels
func IsValidChannel(c Channel) bool {
	return c == ChannelEmail || c == ChannelLinkedIn || c == ChannelBoth
}

// ChannelForStep resolves the concrete medium for a step. Multi-channel
// sequences alternate by step parity: even steps go out by email, odd
// steps by linkedin.
func (c Channel) ChannelForStep(step int) Channel {
	if c != ChannelBoth {
		return c
	}
	if step%2 == 0 {
		return ChannelEmail
	}
	return ChannelLinkedIn
}

// Enrollment is one contact's progress through one campaign.
//
// currentStep counts completed sends: 0 means nothing sent yet, and the
// enrollment completes exactly when currentStep reaches totalSteps.
// unsubscribed and bounced are terminal regardless of step.
type Enrollment struct {
	ID          string           `json:"id"`
	CampaignID  string           `json:"campaign_id"`
	ContactID   string           `json:"contact_id"`
	Status      EnrollmentStatus `json:"status"`
	CurrentStep int              `json:"current_step"`
	TotalSteps  int              `json:"total_steps"`
	Channel     Channel          `json:"channel"`
	Opens       int              `json:"opens"`
	Clicks      int              `json:"clicks"`
	Replies     int              `json:"replies"`
	LastEventAt *time.Time       `json:"last_event_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewEnrollment creates an active enrollment at step 0
func NewEnrollment(campaignID, contactID string, totalSteps int, channel Channel) (*Enrollment, error) {
	if campaignID == "" || contactID == "" {
		return nil, errors.MarkValidation(errors.New("enrollment requires campaign and contact IDs"))
	}
	if totalSteps < 1 {
		return nil, errors.MarkValidation(errors.Newf("enrollment needs at least one step, got %d", totalSteps))
	}
	if !IsValidChannel(channel) {
		return nil, errors.MarkValidation(errors.Newf("unknown channel: %s", channel))
	}

	now := time.Now()
	return &Enrollment{
		ID:         "enr_" + uuid.NewString(),
		CampaignID: campaignID,
		ContactID:  contactID,
		Status:     StatusActive,
		TotalSteps: totalSteps,
		Channel:    channel,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// advance moves to the next step after a confirmed send. Completion
// happens exactly when the last step's send lands.
func (e *Enrollment) advance() error {
	if e.Status.Terminal() {
		return errors.MarkValidation(errors.Newf("enrollment %s is %s, cannot advance", e.ID, e.Status))
	}
	if e.CurrentStep >= e.TotalSteps {
		return errors.MarkValidation(errors.Newf("enrollment %s already at final step %d", e.ID, e.TotalSteps))
	}
	e.CurrentStep++
	if e.CurrentStep == e.TotalSteps {
		e.Status = StatusCompleted
	}
	e.UpdatedAt = time.Now()
	return nil
}

// terminate force-transitions to unsubscribed or bounced
func (e *Enrollment) terminate(status EnrollmentStatus) error {
	if status != StatusUnsubscribed && status != StatusBounced {
		return errors.MarkValidation(errors.Newf("%s is not a forced-terminal status", status))
	}
	if e.Status.Terminal() {
		return errors.MarkValidation(errors.Newf("enrollment %s is already %s", e.ID, e.Status))
	}
	e.Status = status
	e.UpdatedAt = time.Now()
	return nil
}

// Pause freezes sends without losing progress. Valid only from active.
func (e *Enrollment) Pause() error {
	if e.Status != StatusActive {
		return errors.MarkValidation(errors.Newf("enrollment %s cannot pause from %s", e.ID, e.Status))
	}
	e.Status = StatusPaused
	e.UpdatedAt = time.Now()
	return nil
}

// Resume re-enables sends from the current step, not from the beginning
func (e *Enrollment) Resume() error {
	if e.Status != StatusPaused {
		return errors.MarkValidation(errors.Newf("enrollment %s cannot resume from %s", e.ID, e.Status))
	}
	e.Status = StatusActive
	e.UpdatedAt = time.Now()
	return nil
}
