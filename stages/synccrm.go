package stages

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/breaker"
	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/provider"
	"github.com/cadencehq/cadence/queue"
)

// SyncPayload names the contacts to mirror into the CRM
type SyncPayload struct {
	Contacts []provider.EnrichedContact `json:"contacts"`
}

// SyncResult maps contact refs to their CRM record IDs
type SyncResult struct {
	CRMIDs map[string]string `json:"crm_ids"`
	Synced int               `json:"synced"`
}

// SyncHandler upserts contacts into the CRM and logs the touchpoint
type SyncHandler struct {
	crm      provider.CRM
	breakers *breaker.Registry
	policy   breaker.Policy
	logger   *zap.SugaredLogger
}

// NewSyncHandler creates the sync stage handler
func NewSyncHandler(crm provider.CRM, breakers *breaker.Registry, policy breaker.Policy, logger *zap.SugaredLogger) *SyncHandler {
	return &SyncHandler{
		crm:      crm,
		breakers: breakers,
		policy:   policy,
		logger:   logger,
	}
}

// Type implements queue.JobHandler
func (h *SyncHandler) Type() queue.Type { return queue.TypeSync }

// Execute implements queue.JobHandler
func (h *SyncHandler) Execute(ctx context.Context, job *queue.Job, q *queue.Queue) error {
	var payload SyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.MarkValidation(errors.Wrap(err, "invalid sync payload"))
	}
	if len(payload.Contacts) == 0 {
		return errors.MarkValidation(errors.New("sync payload has no contacts"))
	}

	result := SyncResult{CRMIDs: make(map[string]string)}

	for i := range payload.Contacts {
		contact := &payload.Contacts[i]

		if err := q.Checkpoint(ctx, job.ID); err != nil {
			return err
		}

		var crmID string
		err := guarded(ctx, h.breakers, DepCRM, h.policy, func(callCtx context.Context) error {
			var err error
			crmID, err = h.crm.UpsertContact(callCtx, contact)
			if err != nil {
				return err
			}
			return h.crm.LogActivity(callCtx, crmID, provider.Activity{
				Kind:       "pipeline-sync",
				Subject:    "Contact synced by outreach pipeline",
				OccurredAt: time.Now(),
			})
		})
		if err != nil {
			// The CRM is the system of record. A failed upsert fails the
			// whole stage so nothing downstream enrolls an unsynced contact.
			return errors.Wrapf(err, "sync contact %s", contact.ContactRef)
		}

		result.CRMIDs[contact.ContactRef] = crmID
		result.Synced++

		if err := q.UpdateProgress(job, i+1, len(payload.Contacts)); err != nil {
			h.logger.Warnw("Failed to update progress", "job_id", job.ID, "error", err.Error())
		}
	}

	h.logger.Infow("CRM sync complete", "job_id", job.ID, "synced", result.Synced)
	return job.SetResult(result)
}
