package model

import (
	"fmt"
	"time"
)

// Step numbers of the two-stage regenie method.
const (
	Step1 = 1
	Step2 = 2
)

// Step1JobID returns the deterministic id of a workflow's step 1 job.
func Step1JobID(workflowID string) string {
	return workflowID + "-step1"
}

// Step2JobID returns the deterministic id of a workflow's step 2 job for chrom.
func Step2JobID(workflowID, chrom string) string {
	return fmt.Sprintf("%s-step2-chr%s", workflowID, chrom)
}

// JobParameters is the fully resolved parameter set of one regenie run.
// Chromosome and PredictionFile are set for step 2 jobs only.
type JobParameters struct {
	DataFormat        Format    `json:"dataFormat" dynamodbav:"dataFormat"`
	FilePrefix        string    `json:"filePrefix" dynamodbav:"filePrefix"`
	PhenoFile         string    `json:"phenoFile,omitempty" dynamodbav:"phenoFile,omitempty"`
	PhenoColumns      []string  `json:"phenoColumns,omitempty" dynamodbav:"phenoColumns,omitempty"`
	CovarFile         string    `json:"covarFile,omitempty" dynamodbav:"covarFile,omitempty"`
	CovarColumns      []string  `json:"covarColumns,omitempty" dynamodbav:"covarColumns,omitempty"`
	CatCovarColumns   []string  `json:"catCovarColumns,omitempty" dynamodbav:"catCovarColumns,omitempty"`
	TraitType         TraitType `json:"traitType" dynamodbav:"traitType"`
	BlockSize         int       `json:"blockSize" dynamodbav:"blockSize"`
	MinMAC            int       `json:"minMAC" dynamodbav:"minMAC"`
	Threads           int       `json:"threads" dynamodbav:"threads"`
	CVFolds           int       `json:"cvFolds,omitempty" dynamodbav:"cvFolds,omitempty"`
	LowMem            bool      `json:"lowmem" dynamodbav:"lowmem"`
	Chromosome        string    `json:"chromosome,omitempty" dynamodbav:"chromosome,omitempty"`
	PredictionFile    string    `json:"predictionFile,omitempty" dynamodbav:"predictionFile,omitempty"`
	OutPrefix         string    `json:"outPrefix" dynamodbav:"outPrefix"`
	S3InputPath       string    `json:"s3InputPath" dynamodbav:"s3InputPath"`
	S3OutputPath      string    `json:"s3OutputPath" dynamodbav:"s3OutputPath"`
	ComputeDataPath   string    `json:"computeDataPath" dynamodbav:"computeDataPath"`
	ComputeOutputPath string    `json:"computeOutputPath" dynamodbav:"computeOutputPath"`
	GzOutput          bool      `json:"gzOutput" dynamodbav:"gzOutput"`
}

// Job is a single regenie invocation belonging to a Workflow.
// Identity is the composite (WorkflowID, ID).
type Job struct {
	WorkflowID  string        `json:"workflowId" dynamodbav:"workflowId"`
	ID          string        `json:"jobId" dynamodbav:"jobId"`
	StepNumber  int           `json:"stepNumber" dynamodbav:"stepNumber"`
	Command     string        `json:"command" dynamodbav:"command"`
	Status      JobStatus     `json:"status" dynamodbav:"status"`
	Parameters  JobParameters `json:"parameters" dynamodbav:"parameters"`
	ErrorDetail string        `json:"errorDetail,omitempty" dynamodbav:"errorDetail,omitempty"`
	ExternalID  string        `json:"externalId,omitempty" dynamodbav:"externalId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt" dynamodbav:"updatedAt"`
}

// JobStatusUpdate describes a status change reported for one job.
type JobStatusUpdate struct {
	Status      JobStatus
	ErrorDetail string // Recorded only with JobStatusFailed
	ExternalID  string // Optional; set when the job is handed to the batch backend
}
