package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/campaign"
	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/queue"
)

// Workflow operations executable against an enrollment
const (
	OpPause    = "pause"
	OpResume   = "resume"
	OpSendStep = "send-step"
)

// WorkflowAction is one operator-defined step in a custom workflow
type WorkflowAction struct {
	Op           string `json:"op"`
	EnrollmentID string `json:"enrollment_id"`
}

// WorkflowPayload is an ordered batch of enrollment operations
type WorkflowPayload struct {
	Actions []WorkflowAction `json:"actions"`
}

// WorkflowResult reports per-action outcomes
type WorkflowResult struct {
	Executed int      `json:"executed"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// WorkflowHandler executes operator-defined batches of enrollment
// operations. One failed action is recorded and the batch continues;
// ordering within the batch is preserved.
type WorkflowHandler struct {
	engine *campaign.Engine
	logger *zap.SugaredLogger
}

// NewWorkflowHandler creates the custom-workflow handler
func NewWorkflowHandler(engine *campaign.Engine, logger *zap.SugaredLogger) *WorkflowHandler {
	return &WorkflowHandler{engine: engine, logger: logger}
}

// Type implements queue.JobHandler
func (h *WorkflowHandler) Type() queue.Type { return queue.TypeCustomWorkflow }

// Execute implements queue.JobHandler
func (h *WorkflowHandler) Execute(ctx context.Context, job *queue.Job, q *queue.Queue) error {
	var payload WorkflowPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.MarkValidation(errors.Wrap(err, "invalid workflow payload"))
	}
	if len(payload.Actions) == 0 {
		return errors.MarkValidation(errors.New("workflow has no actions"))
	}

	var result WorkflowResult

	for i, action := range payload.Actions {
		if err := q.Checkpoint(ctx, job.ID); err != nil {
			return err
		}

		if err := h.run(ctx, action); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %s", action.Op, action.EnrollmentID, err.Error()))
			h.logger.Warnw("Workflow action failed",
				"job_id", job.ID,
				"op", action.Op,
				"enrollment_id", action.EnrollmentID,
				"error", err.Error(),
			)
		} else {
			result.Executed++
		}

		if err := q.UpdateProgress(job, i+1, len(payload.Actions)); err != nil {
			h.logger.Warnw("Failed to update progress", "job_id", job.ID, "error", err.Error())
		}
	}

	h.logger.Infow("Workflow complete",
		"job_id", job.ID,
		"executed", result.Executed,
		"failed", result.Failed,
	)
	return job.SetResult(result)
}

func (h *WorkflowHandler) run(ctx context.Context, action WorkflowAction) error {
	switch action.Op {
	case OpPause:
		return h.engine.Pause(action.EnrollmentID)
	case OpResume:
		return h.engine.Resume(action.EnrollmentID)
	case OpSendStep:
		_, err := h.engine.SendStep(ctx, action.EnrollmentID)
		if errors.Is(err, campaign.ErrSendSuppressed) {
			return nil
		}
		return err
	default:
		return errors.MarkValidation(errors.Newf("unknown workflow op: %s", action.Op))
	}
}
