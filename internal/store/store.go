package store

import (
	"context"

	"github.com/me/gowas/pkg/model"
)

// Store defines the persistence layer for workflows and their jobs.
//
// Reads of a missing record return (nil, nil). Writes that target a missing
// record return model.ErrWorkflowNotFound or model.ErrJobNotFound.
type Store interface {
	// Workflow records
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context, opts model.ListOptions) ([]*model.Workflow, int, error)

	// UpdateWorkflow applies u as one conditional write. A status change on a
	// workflow that is already terminal fails with model.ErrTerminalStatus and
	// writes nothing.
	UpdateWorkflow(ctx context.Context, id string, u model.WorkflowUpdate) error

	// Job records
	PutJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, workflowID, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, workflowID string) ([]*model.Job, error)
	ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)

	// UpdateJobStatus moves a job to u.Status. Disallowed transitions fail
	// with *model.InvalidTransitionError.
	UpdateJobStatus(ctx context.Context, workflowID, jobID string, u model.JobStatusUpdate) error
	DeleteJobs(ctx context.Context, workflowID string, jobIDs []string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// jobTransitionAllowed reports whether a job may move from one status to
// another. Repeating the current status is allowed so that duplicate events
// are harmless.
func jobTransitionAllowed(from, to model.JobStatus) bool {
	return from == to || from.CanTransitionTo(to)
}

// jobSources lists every status from which a job may move to the target.
func jobSources(to model.JobStatus) []model.JobStatus {
	var out []model.JobStatus
	for _, from := range []model.JobStatus{
		model.JobStatusPending, model.JobStatusRunning,
		model.JobStatusCompleted, model.JobStatusFailed,
	} {
		if jobTransitionAllowed(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// workflowTransitionAllowed reports whether a workflow may move from one
// status to another. Terminal statuses are never left, not even for themselves.
func workflowTransitionAllowed(from, to model.WorkflowStatus) bool {
	if from.IsTerminal() {
		return false
	}
	return from == to || from.CanTransitionTo(to)
}

// workflowSources lists every status from which a workflow may move to the target.
func workflowSources(to model.WorkflowStatus) []model.WorkflowStatus {
	var out []model.WorkflowStatus
	for _, from := range []model.WorkflowStatus{
		model.WorkflowStatusInitialized, model.WorkflowStatusCalculatingJobs,
		model.WorkflowStatusJobsCalculated, model.WorkflowStatusInProgress,
	} {
		if workflowTransitionAllowed(from, to) {
			out = append(out, from)
		}
	}
	return out
}
