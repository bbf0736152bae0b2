package stages

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cadencehq/cadence/breaker"
	"github.com/cadencehq/cadence/campaign"
	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/metrics"
	"github.com/cadencehq/cadence/provider"
	"github.com/cadencehq/cadence/queue"
)

// OutreachPayload enrolls contacts into a campaign and sends their first step
type OutreachPayload struct {
	CampaignID string                     `json:"campaign_id"`
	Contacts   []provider.EnrichedContact `json:"contacts"`
	TotalSteps int                        `json:"total_steps"`
	Channel    campaign.Channel           `json:"channel"`
}

// OutreachResult reports what the stage enrolled and sent
type OutreachResult struct {
	EnrollmentIDs []string `json:"enrollment_ids"`
	Enrolled      int      `json:"enrolled"`
	Sent          int      `json:"sent"`
	Skipped       int      `json:"skipped"`
}

// OutreachHandler enrolls contacts and dispatches their first step.
//
// Sends are paced by a rate limiter so a burst of enrollments never
// hammers the outreach provider; the compare-and-send in the engine
// suppresses sends to contacts that unsubscribed mid-batch.
type OutreachHandler struct {
	engine  *campaign.Engine
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewOutreachHandler creates the outreach stage handler. sendsPerSecond
// <= 0 disables pacing.
func NewOutreachHandler(engine *campaign.Engine, sendsPerSecond float64, logger *zap.SugaredLogger) *OutreachHandler {
	limit := rate.Inf
	if sendsPerSecond > 0 {
		limit = rate.Limit(sendsPerSecond)
	}
	return &OutreachHandler{
		engine:  engine,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Type implements queue.JobHandler
func (h *OutreachHandler) Type() queue.Type { return queue.TypeOutreach }

// Execute implements queue.JobHandler
func (h *OutreachHandler) Execute(ctx context.Context, job *queue.Job, q *queue.Queue) error {
	var payload OutreachPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.MarkValidation(errors.Wrap(err, "invalid outreach payload"))
	}
	if payload.CampaignID == "" || len(payload.Contacts) == 0 {
		return errors.MarkValidation(errors.New("outreach payload needs a campaign and contacts"))
	}
	if payload.TotalSteps < 1 {
		return errors.MarkValidation(errors.New("outreach payload needs at least one step"))
	}

	var result OutreachResult

	// Every early exit records the partial result on the job first: the
	// enrollments made before a mid-batch failure are real and whoever
	// reads the failed job must see them (the daily cap depends on it).
	fail := func(execErr error) error {
		if result.Enrolled > 0 {
			if err := job.SetResult(result); err != nil {
				h.logger.Errorw("Failed to record partial outreach result",
					"job_id", job.ID,
					"error", err.Error(),
				)
			}
		}
		return execErr
	}

	for i, contact := range payload.Contacts {
		if err := q.Checkpoint(ctx, job.ID); err != nil {
			return fail(err)
		}
		if err := h.limiter.Wait(ctx); err != nil {
			return fail(err)
		}

		enrollment, err := h.engine.Enroll(payload.CampaignID, contact.ContactRef, payload.TotalSteps, payload.Channel)
		if err != nil {
			// Already-enrolled contacts are skipped, not fatal
			if errors.IsValidation(err) {
				h.logger.Debugw("Skipping already-enrolled contact",
					"job_id", job.ID,
					"contact_ref", contact.ContactRef,
				)
				result.Skipped++
				continue
			}
			return fail(err)
		}
		result.EnrollmentIDs = append(result.EnrollmentIDs, enrollment.ID)
		result.Enrolled++
		metrics.ContactsEnrolled.Inc()

		if err := h.sendFirstStep(ctx, enrollment.ID); err != nil {
			// An open outreach circuit fails the stage so the scheduler
			// can fast-skip; other send failures leave the enrollment at
			// step 0 for the next cycle to pick up.
			if breaker.IsOpen(err) {
				return fail(err)
			}
			h.logger.Warnw("First step send failed, enrollment stays at step 0",
				"job_id", job.ID,
				"enrollment_id", enrollment.ID,
				"error", err.Error(),
			)
			continue
		}
		result.Sent++

		if err := q.UpdateProgress(job, i+1, len(payload.Contacts)); err != nil {
			h.logger.Warnw("Failed to update progress", "job_id", job.ID, "error", err.Error())
		}
	}

	h.logger.Infow("Outreach complete",
		"job_id", job.ID,
		"enrolled", result.Enrolled,
		"sent", result.Sent,
		"skipped", result.Skipped,
	)
	return job.SetResult(result)
}

// sendFirstStep dispatches step 0 and confirms it with a sent event
func (h *OutreachHandler) sendFirstStep(ctx context.Context, enrollmentID string) error {
	if _, err := h.engine.SendStep(ctx, enrollmentID); err != nil {
		if errors.Is(err, campaign.ErrSendSuppressed) {
			return nil
		}
		return err
	}

	enrollment, err := h.engine.Get(enrollmentID)
	if err != nil {
		return err
	}
	channel := enrollment.Channel.ChannelForStep(0)
	event, err := campaign.NewEvent(enrollmentID, campaign.EventSent, channel, 0, time.Now())
	if err != nil {
		return err
	}
	return h.engine.Apply(ctx, event)
}
