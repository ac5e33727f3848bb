package model

// WorkflowStatus represents the lifecycle state of a Workflow.
type WorkflowStatus string

const (
	WorkflowStatusInitialized         WorkflowStatus = "INITIALIZED"
	WorkflowStatusCalculatingJobs     WorkflowStatus = "CALCULATING_JOBS"
	WorkflowStatusJobsCalculated      WorkflowStatus = "JOBS_CALCULATED"
	WorkflowStatusInProgress          WorkflowStatus = "IN_PROGRESS"
	WorkflowStatusCompleted           WorkflowStatus = "COMPLETED"
	WorkflowStatusCompletedWithErrors WorkflowStatus = "COMPLETED_WITH_ERRORS"
	WorkflowStatusFailed              WorkflowStatus = "FAILED"
)

// String returns the string representation of the workflow status.
func (s WorkflowStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the workflow is in a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusCompletedWithErrors, WorkflowStatusFailed:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known workflow statuses.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowStatusInitialized, WorkflowStatusCalculatingJobs, WorkflowStatusJobsCalculated,
		WorkflowStatusInProgress, WorkflowStatusCompleted, WorkflowStatusCompletedWithErrors,
		WorkflowStatusFailed:
		return true
	}
	return false
}

// ValidWorkflowTransitions defines the allowed forward transitions for Workflows.
// The stores reject any status write outside this table.
//
// IN_PROGRESS is only reachable once planning has finished. The terminal
// states are reachable from every non-terminal state.
var ValidWorkflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusInitialized: {
		WorkflowStatusCalculatingJobs,
		WorkflowStatusCompleted, WorkflowStatusCompletedWithErrors, WorkflowStatusFailed,
	},
	WorkflowStatusCalculatingJobs: {
		WorkflowStatusCalculatingJobs, WorkflowStatusJobsCalculated,
		WorkflowStatusCompleted, WorkflowStatusCompletedWithErrors, WorkflowStatusFailed,
	},
	WorkflowStatusJobsCalculated: {
		WorkflowStatusInProgress,
		WorkflowStatusCompleted, WorkflowStatusCompletedWithErrors, WorkflowStatusFailed,
	},
	WorkflowStatusInProgress: {
		WorkflowStatusInProgress,
		WorkflowStatusCompleted, WorkflowStatusCompletedWithErrors, WorkflowStatusFailed,
	},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	for _, allowed := range ValidWorkflowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsValid reports whether s is one of the known job statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// Batch events can skip RUNNING, so PENDING may move straight to a terminal state.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCompleted, JobStatusFailed},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
