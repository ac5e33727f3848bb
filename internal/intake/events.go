package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/me/gowas/internal/tracker"
	"github.com/me/gowas/pkg/model"
)

// JobEvent is a job state change reported by the batch side.
type JobEvent struct {
	WorkflowID string `json:"workflowId"`
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// JobStatus maps the event status onto a job status. Batch service names
// are accepted alongside the job statuses.
func (e JobEvent) JobStatus() (model.JobStatus, error) {
	switch s := strings.ToUpper(strings.TrimSpace(e.Status)); s {
	case "SUCCEEDED":
		return model.JobStatusCompleted, nil
	case "SUBMITTED", "RUNNABLE", "STARTING":
		return model.JobStatusRunning, nil
	default:
		status := model.JobStatus(s)
		if !status.IsValid() {
			return "", model.NewValidationError("invalid job status",
				model.FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", e.Status)})
		}
		return status, nil
	}
}

// EventHandler applies job events and settles the owning workflow.
type EventHandler struct {
	tracker *tracker.Tracker
	logger  *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(t *tracker.Tracker, logger *slog.Logger) *EventHandler {
	return &EventHandler{tracker: t, logger: logger.With("component", "job-events")}
}

// Apply records the event and returns the resulting workflow status.
func (h *EventHandler) Apply(ctx context.Context, ev JobEvent) (model.WorkflowStatus, model.JobStats, error) {
	status, err := ev.JobStatus()
	if err != nil {
		return "", model.JobStats{}, err
	}
	if err := h.tracker.RecordJobStatus(ctx, ev.WorkflowID, ev.JobID, status, ev.Reason); err != nil {
		return "", model.JobStats{}, err
	}
	return h.tracker.Settle(ctx, ev.WorkflowID)
}

// HandleRecord decodes one queue message as a JobEvent and applies it.
// Undecodable messages are dropped; store errors leave the message for
// redelivery.
func (h *EventHandler) HandleRecord(ctx context.Context, rec Record) error {
	body := []byte(rec.Body)
	var env snsEnvelope
	if json.Unmarshal(body, &env) == nil && env.Type == "Notification" {
		body = []byte(env.Message)
	}

	var ev JobEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.logger.Error("dropping undecodable job event", "message_id", rec.MessageID, "error", err)
		return nil
	}
	wfStatus, _, err := h.Apply(ctx, ev)
	if err != nil {
		if isPermanent(err) {
			h.logger.Error("dropping rejected job event", "message_id", rec.MessageID,
				"workflow_id", ev.WorkflowID, "job_id", ev.JobID, "error", err)
			return nil
		}
		return err
	}
	h.logger.Info("job event applied", "workflow_id", ev.WorkflowID, "job_id", ev.JobID,
		"status", ev.Status, "workflow_status", wfStatus)
	return nil
}

// isPermanent reports errors that redelivery cannot fix.
func isPermanent(err error) bool {
	var apiErr *model.APIError
	var transErr *model.InvalidTransitionError
	return errors.As(err, &apiErr) || errors.As(err, &transErr) ||
		errors.Is(err, model.ErrMissingParameter) ||
		errors.Is(err, model.ErrJobNotFound) ||
		errors.Is(err, model.ErrWorkflowNotFound)
}
