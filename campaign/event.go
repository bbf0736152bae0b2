package campaign

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/errors"
)

// EventType classifies an inbound campaign event
type EventType string

const (
	EventSent         EventType = "sent"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventReplied      EventType = "replied"
	EventBounced      EventType = "bounced"
	EventUnsubscribed EventType = "unsubscribed"
)

// IsValidEventType returns true for known event types
func IsValidEventType(t EventType) bool {
	switch t {
	case EventSent, EventOpened, EventClicked, EventReplied, EventBounced, EventUnsubscribed:
		return true
	default:
		return false
	}
}

// Event is one inbound signal about an enrollment, delivered by an
// outreach provider. Delivery may be out of order or duplicated; the
// idempotency key makes redelivery harmless.
type Event struct {
	ID           string    `json:"id"`
	EnrollmentID string    `json:"enrollment_id"`
	Type         EventType `json:"event_type"`
	Channel      Channel   `json:"channel"`
	// Step is the campaign step the event refers to. Meaningful for sent
	// events, where it gates advancement; -1 when the provider did not
	// supply one.
	Step      int             `json:"step"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// NewEvent builds a validated event
func NewEvent(enrollmentID string, eventType EventType, channel Channel, step int, ts time.Time) (*Event, error) {
	if enrollmentID == "" {
		return nil, errors.MarkValidation(errors.New("event requires an enrollment ID"))
	}
	if !IsValidEventType(eventType) {
		return nil, errors.MarkValidation(errors.Newf("unknown event type: %s", eventType))
	}
	if eventType == EventSent && step < 0 {
		return nil, errors.MarkValidation(errors.New("sent events require a step number"))
	}
	return &Event{
		ID:           "evt_" + uuid.NewString(),
		EnrollmentID: enrollmentID,
		Type:         eventType,
		Channel:      channel,
		Step:         step,
		Timestamp:    ts,
	}, nil
}

// IdempotencyKey uniquely identifies an event's content. Redelivered
// events carry the same key and are dropped on the second apply.
func (e *Event) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d:%s", e.EnrollmentID, e.Type, e.Timestamp.UnixNano(), e.Channel)
}
