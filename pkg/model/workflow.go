package model

import "time"

// Parameters is the analysis configuration recorded on a Workflow.
type Parameters struct {
	InputData      InputData      `json:"inputData" dynamodbav:"inputData"`
	AnalysisParams AnalysisParams `json:"analysisParams" dynamodbav:"analysisParams"`
	OutputParams   OutputParams   `json:"outputParams" dynamodbav:"outputParams"`
}

// JobStats is an aggregate count of job statuses within a Workflow.
// Pending counts both PENDING and RUNNING jobs.
type JobStats struct {
	Total     int `json:"total" dynamodbav:"total"`
	Completed int `json:"completed" dynamodbav:"completed"`
	Failed    int `json:"failed" dynamodbav:"failed"`
	Pending   int `json:"pending" dynamodbav:"pending"`
}

// Workflow is one GWAS run: a step 1 model fit followed by per-chromosome
// step 2 association tests.
type Workflow struct {
	ID                string         `json:"workflowId" dynamodbav:"workflowId"`
	Status            WorkflowStatus `json:"status" dynamodbav:"status"`
	UserID            string         `json:"userId,omitempty" dynamodbav:"userId,omitempty"`
	StudyID           string         `json:"studyId,omitempty" dynamodbav:"studyId,omitempty"`
	Parameters        Parameters     `json:"parameters" dynamodbav:"parameters"`
	S3Path            string         `json:"s3Path,omitempty" dynamodbav:"s3Path,omitempty"`
	AnalysisSubdir    string         `json:"analysisSubdir,omitempty" dynamodbav:"analysisSubdir,omitempty"`
	OutputS3Path      string         `json:"outputS3Path,omitempty" dynamodbav:"outputS3Path,omitempty"`
	ParametersFile    string         `json:"parametersFile,omitempty" dynamodbav:"parametersFile,omitempty"`
	ExecutionName     string         `json:"executionName,omitempty" dynamodbav:"executionName,omitempty"`
	JobCount          int            `json:"jobCount" dynamodbav:"jobCount"`
	Chromosomes       []string       `json:"chromosomes,omitempty" dynamodbav:"chromosomes,omitempty"`
	StartStep         int            `json:"startStep,omitempty" dynamodbav:"startStep,omitempty"`
	PredictionFile    string         `json:"predictionFile,omitempty" dynamodbav:"predictionFile,omitempty"`
	JobStats          JobStats       `json:"jobStats" dynamodbav:"jobStats"`
	ResultsBucketPath string         `json:"resultsBucketPath,omitempty" dynamodbav:"resultsBucketPath,omitempty"`
	CompletionTime    *time.Time     `json:"completionTime,omitempty" dynamodbav:"completionTime,omitempty"`
	ExpiresAt         time.Time      `json:"expiresAt" dynamodbav:"expiresAt,unixtime"`
	CreatedAt         time.Time      `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt" dynamodbav:"updatedAt"`
	Jobs              []*Job         `json:"jobs,omitempty" dynamodbav:"-"` // Populated on detail reads, not stored
}

// WorkflowUpdate is a partial update of a Workflow record. Nil fields are
// left unchanged.
type WorkflowUpdate struct {
	Status            *WorkflowStatus
	JobCount          *int
	Chromosomes       []string
	StartStep         *int
	PredictionFile    *string
	JobStats          *JobStats
	ResultsBucketPath *string
	CompletionTime    *time.Time
	ExecutionName     *string
	ParametersFile    *string
}

// Apply copies the set fields of u onto wf.
func (u WorkflowUpdate) Apply(wf *Workflow) {
	if u.Status != nil {
		wf.Status = *u.Status
	}
	if u.JobCount != nil {
		wf.JobCount = *u.JobCount
	}
	if u.Chromosomes != nil {
		wf.Chromosomes = append([]string(nil), u.Chromosomes...)
	}
	if u.StartStep != nil {
		wf.StartStep = *u.StartStep
	}
	if u.PredictionFile != nil {
		wf.PredictionFile = *u.PredictionFile
	}
	if u.JobStats != nil {
		wf.JobStats = *u.JobStats
	}
	if u.ResultsBucketPath != nil {
		wf.ResultsBucketPath = *u.ResultsBucketPath
	}
	if u.CompletionTime != nil {
		t := *u.CompletionTime
		wf.CompletionTime = &t
	}
	if u.ExecutionName != nil {
		wf.ExecutionName = *u.ExecutionName
	}
	if u.ParametersFile != nil {
		wf.ParametersFile = *u.ParametersFile
	}
}

// ComputeJobStats calculates JobStats from a slice of Jobs.
func ComputeJobStats(jobs []*Job) JobStats {
	s := JobStats{Total: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case JobStatusCompleted:
			s.Completed++
		case JobStatusFailed:
			s.Failed++
		case JobStatusPending, JobStatusRunning:
			s.Pending++
		}
	}
	return s
}

// DeriveWorkflowStatus applies the aggregation policy to a workflow's jobs.
//
// With no jobs the workflow is still IN_PROGRESS. A failed step 1 job fails
// the whole workflow because no step 2 job can run without its prediction
// file. Once nothing is pending the workflow is COMPLETED, or
// COMPLETED_WITH_ERRORS when any step 2 job failed.
func DeriveWorkflowStatus(jobs []*Job) (WorkflowStatus, JobStats) {
	stats := ComputeJobStats(jobs)
	if stats.Total == 0 {
		return WorkflowStatusInProgress, stats
	}
	for _, j := range jobs {
		if j.StepNumber == 1 && j.Status == JobStatusFailed {
			return WorkflowStatusFailed, stats
		}
	}
	if stats.Pending == 0 {
		if stats.Failed > 0 {
			return WorkflowStatusCompletedWithErrors, stats
		}
		return WorkflowStatusCompleted, stats
	}
	return WorkflowStatusInProgress, stats
}
