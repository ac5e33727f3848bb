// Package tracker aggregates job records into workflow status.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gowas/internal/observability"
	"github.com/me/gowas/internal/store"
	"github.com/me/gowas/pkg/model"
)

// UnknownError is recorded for failures reported without a message.
const UnknownError = "Unknown error"

// JobFailure is one failed job reported by the batch side.
type JobFailure struct {
	JobID        string `json:"jobId"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// FailureSummary is the outcome of RecordJobFailures.
type FailureSummary struct {
	Processed int                  `json:"processedErrors"`
	Status    model.WorkflowStatus `json:"status"`
	JobStats  model.JobStats       `json:"jobStats"`
}

// Tracker drives workflow status from job records.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Tracker.
func New(st store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		logger: logger.With("component", "tracker"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecordJobFailure marks one job FAILED with message. An empty jobID is
// logged and ignored.
func (t *Tracker) RecordJobFailure(ctx context.Context, workflowID, jobID, message string) error {
	if jobID == "" {
		t.logger.Warn("job failure without job id ignored", "workflow_id", workflowID)
		return nil
	}
	return t.RecordJobStatus(ctx, workflowID, jobID, model.JobStatusFailed, message)
}

// RecordJobStatus applies a job status event. detail is kept only for FAILED.
func (t *Tracker) RecordJobStatus(ctx context.Context, workflowID, jobID string, status model.JobStatus, detail string) error {
	if workflowID == "" {
		return model.MissingParameterError("workflowId")
	}
	if jobID == "" {
		return model.MissingParameterError("jobId")
	}
	if !status.IsValid() {
		return model.NewValidationError("invalid job status",
			model.FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)})
	}
	u := model.JobStatusUpdate{Status: status}
	if status == model.JobStatusFailed {
		u.ErrorDetail = detail
	}
	if err := t.store.UpdateJobStatus(ctx, workflowID, jobID, u); err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	t.logger.Debug("job status recorded", "workflow_id", workflowID, "job_id", jobID, "status", status)
	return nil
}

// RecordJobFailures marks every listed job FAILED and recomputes the workflow.
// Entries without a job id are skipped and a failed per-job update does not
// stop the remaining ones. The workflow must exist.
func (t *Tracker) RecordJobFailures(ctx context.Context, workflowID string, failures []JobFailure) (summary *FailureSummary, err error) {
	ctx, span := observability.StartSpan(ctx, "tracker.record_failures",
		observability.AttrWorkflowID.String(workflowID),
		observability.AttrRecordCount.Int(len(failures)))
	defer func() { observability.EndSpanWithError(span, err) }()

	wf, err := t.workflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	processed := 0
	for _, f := range failures {
		if f.JobID == "" {
			t.logger.Warn("job failure without job id skipped", "workflow_id", wf.ID)
			continue
		}
		msg := f.ErrorMessage
		if msg == "" {
			msg = UnknownError
		}
		if err := t.RecordJobFailure(ctx, wf.ID, f.JobID, msg); err != nil {
			t.logger.Error("record job failure", "workflow_id", wf.ID, "job_id", f.JobID, "error", err)
			continue
		}
		processed++
	}

	status, stats, err := t.RecomputeWorkflowStatus(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	return &FailureSummary{Processed: processed, Status: status, JobStats: stats}, nil
}

// RecomputeWorkflowStatus derives the workflow status from all of its jobs
// and writes status and stats back. Repeating it without job changes yields
// the same result. A workflow that is still being planned, or is already
// terminal, keeps its status; its stats are refreshed and the stored status
// is returned.
func (t *Tracker) RecomputeWorkflowStatus(ctx context.Context, workflowID string) (status model.WorkflowStatus, stats model.JobStats, err error) {
	ctx, span := observability.StartSpan(ctx, "tracker.recompute",
		observability.AttrWorkflowID.String(workflowID))
	defer func() {
		span.SetAttributes(observability.AttrStatus.String(string(status)))
		observability.EndSpanWithError(span, err)
	}()

	wf, err := t.workflow(ctx, workflowID)
	if err != nil {
		return "", model.JobStats{}, err
	}
	jobs, err := t.store.ListJobs(ctx, workflowID)
	if err != nil {
		return "", model.JobStats{}, fmt.Errorf("list jobs: %w", err)
	}
	status, stats = model.DeriveWorkflowStatus(jobs)

	// The planner owns the status until the jobs are calculated.
	if isPrePlan(wf.Status) {
		return t.keepStatus(ctx, workflowID, status, stats)
	}

	err = t.store.UpdateWorkflow(ctx, workflowID, model.WorkflowUpdate{Status: &status, JobStats: &stats})
	var te *model.InvalidTransitionError
	if errors.Is(err, model.ErrTerminalStatus) || errors.As(err, &te) {
		return t.keepStatus(ctx, workflowID, status, stats)
	}
	if err != nil {
		return "", model.JobStats{}, fmt.Errorf("update workflow status: %w", err)
	}

	t.logger.Info("workflow status recomputed",
		"workflow_id", workflowID,
		"status", status,
		"total", stats.Total,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"pending", stats.Pending,
	)
	return status, stats, nil
}

// keepStatus writes only the stats and returns the stored status.
func (t *Tracker) keepStatus(ctx context.Context, workflowID string, derived model.WorkflowStatus, stats model.JobStats) (model.WorkflowStatus, model.JobStats, error) {
	if err := t.store.UpdateWorkflow(ctx, workflowID, model.WorkflowUpdate{JobStats: &stats}); err != nil {
		return "", model.JobStats{}, fmt.Errorf("update job stats: %w", err)
	}
	wf, err := t.workflow(ctx, workflowID)
	if err != nil {
		return "", model.JobStats{}, err
	}
	t.logger.Debug("workflow status kept", "workflow_id", workflowID, "status", wf.Status, "derived", derived)
	return wf.Status, stats, nil
}

func isPrePlan(s model.WorkflowStatus) bool {
	return s == model.WorkflowStatusInitialized || s == model.WorkflowStatusCalculatingJobs
}

// MarkWorkflowCompleted records a successful end of the workflow engine run:
// stats are recomputed, the status is forced to COMPLETED and the results
// path and completion time are stamped. A zero completionTime means now.
// A workflow that already reached a terminal status keeps it. The returned
// status is the one stored after the write.
func (t *Tracker) MarkWorkflowCompleted(ctx context.Context, workflowID, resultsPath string, completionTime time.Time) (model.WorkflowStatus, model.JobStats, error) {
	if _, err := t.workflow(ctx, workflowID); err != nil {
		return "", model.JobStats{}, err
	}
	if completionTime.IsZero() {
		completionTime = t.now()
	}

	// Stats fall back to zeros when the jobs cannot be listed.
	var stats model.JobStats
	if jobs, err := t.store.ListJobs(ctx, workflowID); err != nil {
		t.logger.Error("calculate job stats", "workflow_id", workflowID, "error", err)
	} else {
		stats = model.ComputeJobStats(jobs)
	}

	u := model.WorkflowUpdate{
		Status:         model.Ptr(model.WorkflowStatusCompleted),
		JobStats:       &stats,
		CompletionTime: &completionTime,
	}
	if resultsPath != "" {
		u.ResultsBucketPath = &resultsPath
	}
	err := t.store.UpdateWorkflow(ctx, workflowID, u)
	if errors.Is(err, model.ErrTerminalStatus) {
		u.Status = nil
		err = t.store.UpdateWorkflow(ctx, workflowID, u)
	}
	if err != nil {
		return "", model.JobStats{}, fmt.Errorf("mark workflow completed: %w", err)
	}
	wf, err := t.workflow(ctx, workflowID)
	if err != nil {
		return "", model.JobStats{}, err
	}
	t.logger.Info("workflow completed", "workflow_id", workflowID, "status", wf.Status, "results", resultsPath, "total", stats.Total)
	return wf.Status, stats, nil
}

// Settle recomputes the workflow and, the first time it comes out
// COMPLETED, stamps the completion time and the workflow's output path as the
// results location.
func (t *Tracker) Settle(ctx context.Context, workflowID string) (model.WorkflowStatus, model.JobStats, error) {
	status, stats, err := t.RecomputeWorkflowStatus(ctx, workflowID)
	if err != nil || status != model.WorkflowStatusCompleted {
		return status, stats, err
	}
	wf, err := t.workflow(ctx, workflowID)
	if err != nil {
		return "", model.JobStats{}, err
	}
	if wf.CompletionTime != nil {
		return status, stats, nil
	}
	return t.MarkWorkflowCompleted(ctx, workflowID, wf.OutputS3Path, time.Time{})
}

// workflow loads a workflow, mapping absence onto model.ErrWorkflowNotFound.
func (t *Tracker) workflow(ctx context.Context, id string) (*model.Workflow, error) {
	if id == "" {
		return nil, model.MissingParameterError("workflowId")
	}
	wf, err := t.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkflowNotFound, id)
	}
	return wf, nil
}
