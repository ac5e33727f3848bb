// Package batch hands planned jobs to a compute backend.
package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/me/gowas/internal/cmdline"
	"github.com/me/gowas/pkg/model"
)

// DefaultJobDefinition is used when no job definition is configured.
const DefaultJobDefinition = "GwasRegenieJobDefinitionRef"

// AdditionalInfo travels with a submission for tracking and debugging.
type AdditionalInfo struct {
	StepNumber       int    `json:"stepNumber"`
	StartStep        int    `json:"startStep"`
	UseFSx           bool   `json:"useFsx,omitempty"`
	FSxPath          string `json:"fsxPath,omitempty"`
	ChromosomeNumber string `json:"chromosomeNumber,omitempty"`
	PredListPath     string `json:"predListPath,omitempty"`
	OutputPrefix     string `json:"outputPrefix,omitempty"`
}

// Submission is one job as a batch backend receives it.
type Submission struct {
	WorkflowID     string         `json:"workflowId"`
	JobID          string         `json:"jobId"`
	JobName        string         `json:"jobName"`
	JobQueue       string         `json:"jobQueue"`
	JobDefinition  string         `json:"jobDefinition"`
	Command        []string       `json:"command"`
	AdditionalInfo AdditionalInfo `json:"additionalInfo"`
}

// BuildSubmission wraps a job's command for the backend. startStep is the
// step the owning workflow began at.
func BuildSubmission(job *model.Job, startStep int, queue, definition string) (Submission, error) {
	if strings.TrimSpace(job.Command) == "" {
		return Submission{}, fmt.Errorf("%w: Command cannot be empty", model.ErrMissingParameter)
	}
	if definition == "" {
		definition = DefaultJobDefinition
	}
	if startStep == 0 {
		startStep = model.Step1
	}

	p := job.Parameters
	info := AdditionalInfo{
		StepNumber:   job.StepNumber,
		StartStep:    startStep,
		OutputPrefix: p.OutPrefix,
	}
	if p.ComputeDataPath != "" {
		info.UseFSx = true
		info.FSxPath = p.ComputeDataPath
	}
	if job.StepNumber == model.Step2 {
		info.ChromosomeNumber = p.Chromosome
		info.PredListPath = p.PredictionFile
	}

	return Submission{
		WorkflowID:     job.WorkflowID,
		JobID:          job.ID,
		JobName:        job.ID,
		JobQueue:       queue,
		JobDefinition:  definition,
		Command:        cmdline.ShellCommand(job.Command),
		AdditionalInfo: info,
	}, nil
}

// Submitter is a pluggable backend that runs submissions.
type Submitter interface {
	// Submit hands the submission to the backend and returns an external ID.
	Submit(ctx context.Context, sub Submission) (externalID string, err error)

	// Status reports the state of a submitted job. detail carries the
	// failure reason for FAILED jobs.
	Status(ctx context.Context, externalID string) (status model.JobStatus, detail string, err error)
}
