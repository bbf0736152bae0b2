package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/errors"
	qtesting "github.com/cadencehq/cadence/internal/testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store := NewStore(qtesting.CreateTestDB(t))
	return NewEngine(store, zap.NewNop().Sugar())
}

func enroll(t *testing.T, e *Engine, totalSteps int, channel Channel) *Enrollment {
	t.Helper()
	enrollment, err := e.Enroll("camp_1", "contact_"+t.Name(), totalSteps, channel)
	require.NoError(t, err)
	return enrollment
}

func sentEvent(t *testing.T, enrollmentID string, step int, ts time.Time) *Event {
	t.Helper()
	event, err := NewEvent(enrollmentID, EventSent, ChannelEmail, step, ts)
	require.NoError(t, err)
	return event
}

func TestEnrollStartsActiveAtStepZero(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, 5, got.TotalSteps)
}

func TestEnrollRejectsDuplicateContact(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Enroll("camp_1", "contact_dup", 3, ChannelEmail)
	require.NoError(t, err)

	_, err = e.Enroll("camp_1", "contact_dup", 3, ChannelEmail)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestSentEventAdvancesMatchingStep(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 0, time.Now())))

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, StatusActive, got.Status)
	assert.NotNil(t, got.LastEventAt)
}

func TestDuplicateEventAppliesOnce(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)
	ctx := context.Background()

	ts := time.Now()
	first := sentEvent(t, enrollment.ID, 0, ts)
	redelivered := sentEvent(t, enrollment.ID, 0, ts) // Same idempotency key, different event ID

	require.NoError(t, e.Apply(ctx, first))
	require.NoError(t, e.Apply(ctx, redelivered))

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep, "redelivery must not double-advance")

	count, err := e.store.CountEvents(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "redelivery must not duplicate the event log")
}

func TestOutOfOrderSentEventsAdvanceOnlyOnMatch(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 0, time.Now())))

	// Step 2's send arrives before step 1's: no advancement
	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 2, time.Now().Add(time.Second))))
	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)

	// The step-1 send catches progress up
	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 1, time.Now().Add(2*time.Second))))
	got, err = e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
}

func TestFinalStepCompletesEnrollment(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 2, ChannelEmail)
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 0, time.Now())))
	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 1, time.Now().Add(time.Second))))

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
}

func TestUnsubscribeAtStepTwoIsTerminal(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 0, time.Now())))
	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 1, time.Now().Add(time.Second))))

	unsub, err := NewEvent(enrollment.ID, EventUnsubscribed, ChannelEmail, -1, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, e.Apply(ctx, unsub))

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsubscribed, got.Status)

	// A late step-2 send changes nothing but is still recorded for audit
	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 2, time.Now().Add(3*time.Second))))

	got, err = e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsubscribed, got.Status)
	assert.Equal(t, 2, got.CurrentStep)

	count, err := e.store.CountEvents(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestBounceIsTerminal(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)
	ctx := context.Background()

	bounce, err := NewEvent(enrollment.ID, EventBounced, ChannelEmail, -1, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.Apply(ctx, bounce))

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBounced, got.Status)
}

func TestEngagementEventsNeverAdvanceStep(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)
	ctx := context.Background()

	base := time.Now()
	for i, eventType := range []EventType{EventOpened, EventClicked, EventReplied, EventOpened} {
		event, err := NewEvent(enrollment.ID, eventType, ChannelEmail, -1, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, e.Apply(ctx, event))
	}

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, 2, got.Opens)
	assert.Equal(t, 1, got.Clicks)
	assert.Equal(t, 1, got.Replies)
}

func TestApplyUnknownEnrollmentIsValidationError(t *testing.T) {
	e := newTestEngine(t)

	err := e.Apply(context.Background(), sentEvent(t, "enr_missing", 0, time.Now()))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestPauseAndResumeKeepStep(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, sentEvent(t, enrollment.ID, 0, time.Now())))
	require.NoError(t, e.Pause(enrollment.ID))

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Equal(t, 1, got.CurrentStep)

	require.NoError(t, e.Resume(enrollment.ID))
	got, err = e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, got.CurrentStep, "resume continues from the current step")
}

func TestPauseUnsubscribeWins(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)
	ctx := context.Background()

	require.NoError(t, e.Pause(enrollment.ID))

	unsub, err := NewEvent(enrollment.ID, EventUnsubscribed, ChannelEmail, -1, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.Apply(ctx, unsub))

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsubscribed, got.Status)

	assert.Error(t, e.Resume(enrollment.ID), "terminal enrollments cannot resume")
}

func TestIngestDrainsAndDropsInvalid(t *testing.T) {
	e := newTestEngine(t)
	enrollment := enroll(t, e, 5, ChannelEmail)

	events := make(chan *Event, 3)
	events <- sentEvent(t, enrollment.ID, 0, time.Now())
	events <- sentEvent(t, "enr_ghost", 0, time.Now()) // Dropped, consumer keeps going
	events <- sentEvent(t, enrollment.ID, 1, time.Now().Add(time.Second))
	close(events)

	e.Ingest(context.Background(), events)

	got, err := e.Get(enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
}
