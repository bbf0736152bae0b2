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

// DiscoverPayload configures one discovery run
type DiscoverPayload struct {
	Criteria provider.ICPCriteria `json:"criteria"`
	Limit    int                  `json:"limit"`
	// MinViability filters candidates before they consume enrichment
	// quota. Candidates below it are dropped from the result.
	MinViability float64 `json:"min_viability"`
}

// DiscoverResult is recorded on the job for downstream stages
type DiscoverResult struct {
	Candidates []provider.ProspectCandidate `json:"candidates"`
	Discovered int                          `json:"discovered"`
	Filtered   int                          `json:"filtered"`
}

// DiscoverHandler runs prospect discovery against the discovery provider
type DiscoverHandler struct {
	discovery provider.Discovery
	breakers  *breaker.Registry
	policy    breaker.Policy
	logger    *zap.SugaredLogger
}

// NewDiscoverHandler creates the discover stage handler
func NewDiscoverHandler(discovery provider.Discovery, breakers *breaker.Registry, policy breaker.Policy, logger *zap.SugaredLogger) *DiscoverHandler {
	return &DiscoverHandler{
		discovery: discovery,
		breakers:  breakers,
		policy:    policy,
		logger:    logger,
	}
}

// Type implements queue.JobHandler
func (h *DiscoverHandler) Type() queue.Type { return queue.TypeDiscover }

// Execute implements queue.JobHandler
func (h *DiscoverHandler) Execute(ctx context.Context, job *queue.Job, q *queue.Queue) error {
	var payload DiscoverPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.MarkValidation(errors.Wrap(err, "invalid discover payload"))
	}
	if payload.Limit <= 0 {
		return errors.MarkValidation(errors.New("discover limit must be positive"))
	}

	if err := q.Checkpoint(ctx, job.ID); err != nil {
		return err
	}

	var candidates []provider.ProspectCandidate
	err := guarded(ctx, h.breakers, DepDiscovery, h.policy, func(callCtx context.Context) error {
		var err error
		candidates, err = h.discovery.Discover(callCtx, payload.Criteria, payload.Limit)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "discovery failed")
	}

	result := DiscoverResult{Discovered: len(candidates)}
	for _, c := range candidates {
		if c.Viability < payload.MinViability {
			result.Filtered++
			continue
		}
		result.Candidates = append(result.Candidates, c)
	}

	h.logger.Infow("Discovery complete",
		"job_id", job.ID,
		"discovered", result.Discovered,
		"viable", len(result.Candidates),
		"filtered", result.Filtered,
	)
	return job.SetResult(result)
}
