package stages

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/breaker"
	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/provider"
	"github.com/cadencehq/cadence/queue"
)

// EnrichPayload names the candidates to enrich and score
type EnrichPayload struct {
	ContactRefs []string `json:"contact_refs"`
	ICPProfile  string   `json:"icp_profile,omitempty"`
}

// EnrichResult carries enriched contacts and their sub-scores downstream
type EnrichResult struct {
	Contacts []provider.EnrichedContact `json:"contacts"`
	// Scores is keyed by contact ref
	Scores   map[string]provider.Scores `json:"scores"`
	Enriched int                        `json:"enriched"`
	Skipped  int                        `json:"skipped"`
}

// EnrichHandler enriches contacts and computes their ICP sub-scores.
// Enrichment and scoring are separate dependencies behind separate
// breakers; a contact that fails either step is skipped, not fatal.
type EnrichHandler struct {
	enrichment provider.Enrichment
	scoring    provider.Scoring
	breakers   *breaker.Registry
	policy     breaker.Policy
	logger     *zap.SugaredLogger
}

// NewEnrichHandler creates the enrich stage handler
func NewEnrichHandler(enrichment provider.Enrichment, scoring provider.Scoring, breakers *breaker.Registry, policy breaker.Policy, logger *zap.SugaredLogger) *EnrichHandler {
	return &EnrichHandler{
		enrichment: enrichment,
		scoring:    scoring,
		breakers:   breakers,
		policy:     policy,
		logger:     logger,
	}
}

// Type implements queue.JobHandler
func (h *EnrichHandler) Type() queue.Type { return queue.TypeEnrich }

// Execute implements queue.JobHandler
func (h *EnrichHandler) Execute(ctx context.Context, job *queue.Job, q *queue.Queue) error {
	var payload EnrichPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.MarkValidation(errors.Wrap(err, "invalid enrich payload"))
	}
	if len(payload.ContactRefs) == 0 {
		return errors.MarkValidation(errors.New("enrich payload has no contacts"))
	}

	result := EnrichResult{Scores: make(map[string]provider.Scores)}

	for i, ref := range payload.ContactRefs {
		if err := q.Checkpoint(ctx, job.ID); err != nil {
			return err
		}

		var contact *provider.EnrichedContact
		err := guarded(ctx, h.breakers, DepEnrichment, h.policy, func(callCtx context.Context) error {
			var err error
			contact, err = h.enrichment.Enrich(callCtx, ref)
			return err
		})
		if err != nil {
			// An open enrichment circuit fails the whole job so the
			// scheduler can fast-skip the cycle; individual contact
			// failures just skip the contact.
			if breaker.IsOpen(err) {
				return err
			}
			h.logger.Warnw("Skipping contact after enrichment failure",
				"job_id", job.ID,
				"contact_ref", ref,
				"error", err.Error(),
			)
			result.Skipped++
			continue
		}

		var scores provider.Scores
		err = guarded(ctx, h.breakers, DepScoring, h.policy, func(callCtx context.Context) error {
			var err error
			scores, err = h.scoring.Score(callCtx, contact, payload.ICPProfile)
			return err
		})
		if err != nil {
			if breaker.IsOpen(err) {
				return err
			}
			h.logger.Warnw("Skipping contact after scoring failure",
				"job_id", job.ID,
				"contact_ref", ref,
				"error", err.Error(),
			)
			result.Skipped++
			continue
		}

		result.Contacts = append(result.Contacts, *contact)
		result.Scores[ref] = scores
		result.Enriched++

		if err := q.UpdateProgress(job, i+1, len(payload.ContactRefs)); err != nil {
			h.logger.Warnw("Failed to update progress", "job_id", job.ID, "error", err.Error())
		}
	}

	h.logger.Infow("Enrichment complete",
		"job_id", job.ID,
		"enriched", result.Enriched,
		"skipped", result.Skipped,
	)
	return job.SetResult(result)
}
