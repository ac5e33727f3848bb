package model

import (
	"testing"
	"time"
)

func job(step int, status JobStatus) *Job {
	return &Job{StepNumber: step, Status: status}
}

func TestDeriveWorkflowStatus(t *testing.T) {
	tests := []struct {
		name      string
		jobs      []*Job
		want      WorkflowStatus
		wantStats JobStats
	}{
		{
			name:      "no jobs yet",
			jobs:      nil,
			want:      WorkflowStatusInProgress,
			wantStats: JobStats{},
		},
		{
			name: "step 2 failure degrades to completed with errors",
			jobs: []*Job{
				job(1, JobStatusCompleted),
				job(2, JobStatusFailed),
				job(2, JobStatusCompleted),
			},
			want:      WorkflowStatusCompletedWithErrors,
			wantStats: JobStats{Total: 3, Completed: 2, Failed: 1, Pending: 0},
		},
		{
			name: "step 1 failure is fatal even with pending jobs",
			jobs: []*Job{
				job(1, JobStatusFailed),
				job(2, JobStatusPending),
			},
			want:      WorkflowStatusFailed,
			wantStats: JobStats{Total: 2, Failed: 1, Pending: 1},
		},
		{
			name: "all completed",
			jobs: []*Job{
				job(1, JobStatusCompleted),
				job(2, JobStatusCompleted),
			},
			want:      WorkflowStatusCompleted,
			wantStats: JobStats{Total: 2, Completed: 2},
		},
		{
			name: "running counts as pending",
			jobs: []*Job{
				job(1, JobStatusCompleted),
				job(2, JobStatusRunning),
				job(2, JobStatusFailed),
			},
			want:      WorkflowStatusInProgress,
			wantStats: JobStats{Total: 3, Completed: 1, Failed: 1, Pending: 1},
		},
		{
			name: "step 2 only run completes without step 1",
			jobs: []*Job{
				job(2, JobStatusCompleted),
				job(2, JobStatusCompleted),
			},
			want:      WorkflowStatusCompleted,
			wantStats: JobStats{Total: 2, Completed: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, stats := DeriveWorkflowStatus(tt.jobs)
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
			if stats != tt.wantStats {
				t.Errorf("stats = %+v, want %+v", stats, tt.wantStats)
			}
		})
	}
}

func TestDeriveWorkflowStatus_Idempotent(t *testing.T) {
	jobs := []*Job{job(1, JobStatusCompleted), job(2, JobStatusPending)}
	first, _ := DeriveWorkflowStatus(jobs)
	second, _ := DeriveWorkflowStatus(jobs)
	if first != second {
		t.Errorf("second derivation = %s, want %s", second, first)
	}
}

func TestJobIDs(t *testing.T) {
	if got, want := Step1JobID("wf-1"), "wf-1-step1"; got != want {
		t.Errorf("Step1JobID = %q, want %q", got, want)
	}
	if got, want := Step2JobID("wf-1", "X"), "wf-1-step2-chrX"; got != want {
		t.Errorf("Step2JobID = %q, want %q", got, want)
	}
}

func TestWorkflowUpdate_Apply(t *testing.T) {
	wf := &Workflow{ID: "wf-1", Status: WorkflowStatusInitialized, JobCount: 3, PredictionFile: "/keep"}
	done := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	status := WorkflowStatusCompleted

	WorkflowUpdate{
		Status:         &status,
		Chromosomes:    []string{"1", "2"},
		CompletionTime: &done,
		ParametersFile: Ptr("s3://r/workflow_params_wf-1.json"),
	}.Apply(wf)

	if wf.Status != WorkflowStatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", wf.Status)
	}
	if wf.JobCount != 3 || wf.PredictionFile != "/keep" {
		t.Errorf("unset fields changed: jobCount=%d predictionFile=%q", wf.JobCount, wf.PredictionFile)
	}
	if len(wf.Chromosomes) != 2 {
		t.Errorf("Chromosomes = %v, want [1 2]", wf.Chromosomes)
	}
	if wf.CompletionTime == nil || !wf.CompletionTime.Equal(done) {
		t.Errorf("CompletionTime = %v, want %v", wf.CompletionTime, done)
	}
	if wf.ParametersFile != "s3://r/workflow_params_wf-1.json" {
		t.Errorf("ParametersFile = %q", wf.ParametersFile)
	}
}
