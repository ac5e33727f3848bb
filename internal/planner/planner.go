// Package planner turns an initialized workflow into its step 1 and step 2
// job records.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/gowas/internal/cmdline"
	"github.com/me/gowas/internal/observability"
	"github.com/me/gowas/internal/pathmap"
	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/internal/store"
	"github.com/me/gowas/pkg/model"
)

// ChromosomeResolver determines the chromosomes present in a dataset.
// Implementations never fail; they fall back to a default set.
type ChromosomeResolver interface {
	Resolve(ctx context.Context, datasetPath, filePrefix string, format model.Format) []string
}

// PlanRequest carries everything needed to plan a workflow's jobs.
// Empty S3Path and OutputS3Path fall back to the stored workflow.
type PlanRequest struct {
	WorkflowID     string               `json:"workflowId"`
	S3Path         string               `json:"s3Path,omitempty"`
	OutputS3Path   string               `json:"outputS3Path,omitempty"`
	AnalysisSubdir string               `json:"analysisSubdir"`
	InputData      model.InputData      `json:"inputData"`
	AnalysisParams model.AnalysisParams `json:"analysisParams"`
	OutputParams   model.OutputParams   `json:"outputParams"`
	StartStep      int                  `json:"startStep,omitempty"`
	PredictionFile string               `json:"predictionFile,omitempty"`
}

// PlanResult describes the jobs created for a workflow.
type PlanResult struct {
	WorkflowID     string       `json:"workflowId"`
	StartStep      int          `json:"startStep"`
	JobCount       int          `json:"jobCount"`
	Chromosomes    []string     `json:"chromosomes"`
	PredictionFile string       `json:"predictionFile"`
	Step1Jobs      []*model.Job `json:"step1Jobs"`
	Step2Jobs      []*model.Job `json:"step2Jobs"`
}

// Planner computes and persists job records.
type Planner struct {
	store    store.Store
	resolver ChromosomeResolver
	paths    pathmap.Mapper
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Planner.
func New(st store.Store, resolver ChromosomeResolver, paths pathmap.Mapper, logger *slog.Logger) *Planner {
	return &Planner{
		store:    st,
		resolver: resolver,
		paths:    paths,
		logger:   logger.With("component", "planner"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Plan validates the request, moves the workflow through CALCULATING_JOBS,
// writes one step 1 job (unless starting at step 2) and one step 2 job per
// chromosome, and finishes in JOBS_CALCULATED.
//
// Every precondition is checked before the first write. Planning an already
// planned workflow fails with model.ErrAlreadyPlanned.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (result *PlanResult, err error) {
	ctx, span := observability.StartSpan(ctx, "planner.plan",
		observability.AttrWorkflowID.String(req.WorkflowID))
	defer func() { observability.EndSpanWithError(span, err) }()

	wf, req, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.AttrStartStep.Int(req.StartStep))

	if err := p.store.UpdateWorkflow(ctx, wf.ID, model.WorkflowUpdate{
		Status: model.Ptr(model.WorkflowStatusCalculatingJobs),
	}); err != nil {
		return nil, fmt.Errorf("mark calculating jobs: %w", err)
	}

	chromosomes := req.AnalysisParams.ExplicitChromosomes()
	if chromosomes == nil {
		chromosomes = p.resolver.Resolve(ctx, storage.EnsureTrailingSlash(req.S3Path), req.InputData.FilePrefix, req.InputData.Format)
	}
	span.SetAttributes(observability.AttrChromosomes.StringSlice(chromosomes))

	base := p.baseParameters(req)
	result = &PlanResult{
		WorkflowID:  wf.ID,
		StartStep:   req.StartStep,
		Chromosomes: chromosomes,
	}

	predictionFile := req.PredictionFile
	if req.StartStep == model.Step1 {
		step1 := p.newJob(wf.ID, model.Step1JobID(wf.ID), model.Step1, base)
		step1.Command = cmdline.BuildStep1(step1.Parameters)
		if err := p.store.PutJob(ctx, step1); err != nil {
			return nil, fmt.Errorf("put step 1 job: %w", err)
		}
		result.Step1Jobs = append(result.Step1Jobs, step1)
		predictionFile = PredictionFilePath(base.ComputeOutputPath, base.OutPrefix)
	}
	result.PredictionFile = predictionFile

	for _, chrom := range chromosomes {
		params := base
		params.Chromosome = chrom
		params.PredictionFile = predictionFile
		params.OutPrefix = fmt.Sprintf("%s_chr%s", base.OutPrefix, chrom)
		job := p.newJob(wf.ID, model.Step2JobID(wf.ID, chrom), model.Step2, params)
		job.Command = cmdline.BuildStep2(job.Parameters)
		if err := p.store.PutJob(ctx, job); err != nil {
			return nil, fmt.Errorf("put step 2 job %s: %w", job.ID, err)
		}
		result.Step2Jobs = append(result.Step2Jobs, job)
	}
	result.JobCount = len(result.Step1Jobs) + len(result.Step2Jobs)

	if err := p.purgeOrphans(ctx, wf.ID, result); err != nil {
		return nil, err
	}

	stats := model.JobStats{Total: result.JobCount, Pending: result.JobCount}
	if err := p.store.UpdateWorkflow(ctx, wf.ID, model.WorkflowUpdate{
		Status:         model.Ptr(model.WorkflowStatusJobsCalculated),
		JobCount:       model.Ptr(result.JobCount),
		Chromosomes:    chromosomes,
		StartStep:      model.Ptr(req.StartStep),
		PredictionFile: model.Ptr(predictionFile),
		JobStats:       &stats,
	}); err != nil {
		return nil, fmt.Errorf("mark jobs calculated: %w", err)
	}

	span.SetAttributes(observability.AttrJobCount.Int(result.JobCount))
	p.logger.Info("jobs planned",
		"workflow_id", wf.ID,
		"start_step", req.StartStep,
		"job_count", result.JobCount,
		"chromosomes", len(chromosomes),
	)
	return result, nil
}

// prepare checks every precondition and fills request defaults from the
// stored workflow. It performs no writes.
func (p *Planner) prepare(ctx context.Context, req PlanRequest) (*model.Workflow, PlanRequest, error) {
	if req.WorkflowID == "" {
		return nil, req, model.MissingParameterError("workflowId")
	}
	if req.AnalysisSubdir == "" {
		return nil, req, model.MissingParameterError("analysisSubdir")
	}
	if err := req.AnalysisParams.Validate(); err != nil {
		return nil, req, model.NewValidationError(err.Error(), model.FieldError{Field: "analysisParams", Message: err.Error()})
	}
	if err := req.InputData.Validate(); err != nil {
		return nil, req, model.NewValidationError(err.Error(), model.FieldError{Field: "inputData", Message: err.Error()})
	}
	if err := req.OutputParams.Validate(); err != nil {
		return nil, req, model.NewValidationError(err.Error(), model.FieldError{Field: "outputParams", Message: err.Error()})
	}
	if !req.InputData.Format.IsValid() {
		return nil, req, model.NewValidationError("unsupported input format",
			model.FieldError{Field: "inputData.format", Message: fmt.Sprintf("must be one of bed, pgen, bgen; got %q", req.InputData.Format)})
	}
	if req.InputData.FilePrefix == "" {
		return nil, req, model.MissingParameterError("inputData.filePrefix")
	}
	if req.StartStep == 0 {
		req.StartStep = model.Step1
	}
	if req.StartStep != model.Step1 && req.StartStep != model.Step2 {
		return nil, req, model.NewValidationError("invalid start step",
			model.FieldError{Field: "startStep", Message: fmt.Sprintf("must be 1 or 2, got %d", req.StartStep)})
	}

	wf, err := p.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, req, fmt.Errorf("get workflow: %w", err)
	}
	if wf == nil {
		return nil, req, fmt.Errorf("%w: %s", model.ErrWorkflowNotFound, req.WorkflowID)
	}
	switch wf.Status {
	case model.WorkflowStatusInitialized, model.WorkflowStatusCalculatingJobs:
	default:
		return nil, req, fmt.Errorf("%w: %s is %s", model.ErrAlreadyPlanned, wf.ID, wf.Status)
	}

	if req.StartStep == model.Step2 && req.PredictionFile == "" {
		req.PredictionFile = wf.PredictionFile
	}
	if req.StartStep == model.Step2 && req.PredictionFile == "" {
		return nil, req, model.ErrMissingPredictionFile
	}
	if req.S3Path == "" {
		req.S3Path = wf.S3Path
	}
	if req.S3Path == "" {
		return nil, req, model.MissingParameterError("s3Path")
	}
	if req.OutputS3Path == "" {
		req.OutputS3Path = req.OutputParams.OutputS3Path
	}
	if req.OutputS3Path == "" {
		req.OutputS3Path = wf.OutputS3Path
	}
	if req.OutputS3Path == "" {
		return nil, req, model.MissingParameterError("outputS3Path")
	}
	return wf, req, nil
}

// baseParameters resolves the parameters shared by every job of the workflow.
func (p *Planner) baseParameters(req PlanRequest) model.JobParameters {
	ap := req.AnalysisParams.WithDefaults()
	op := req.OutputParams.WithDefaults()
	return model.JobParameters{
		DataFormat:        req.InputData.Format,
		FilePrefix:        req.InputData.FilePrefix,
		PhenoFile:         req.InputData.PhenoFile,
		PhenoColumns:      req.InputData.PhenoColumns,
		CovarFile:         req.InputData.CovarFile,
		CovarColumns:      req.InputData.CovarColumns,
		CatCovarColumns:   req.InputData.CatCovarColumns,
		TraitType:         ap.TraitType,
		BlockSize:         *ap.BlockSize,
		MinMAC:            *ap.MinMAC,
		Threads:           *ap.Threads,
		CVFolds:           *ap.CVFolds,
		LowMem:            *ap.LowMem,
		OutPrefix:         op.OutPrefix,
		S3InputPath:       req.S3Path,
		S3OutputPath:      req.OutputS3Path,
		ComputeDataPath:   p.paths.MapDataToCompute(req.S3Path, req.AnalysisSubdir),
		ComputeOutputPath: p.paths.MapResultsToCompute(req.OutputS3Path),
		GzOutput:          *op.Gz,
	}
}

func (p *Planner) newJob(workflowID, jobID string, step int, params model.JobParameters) *model.Job {
	now := p.now()
	if step == model.Step2 {
		// Step 2 fits no model.
		params.CVFolds = 0
		params.LowMem = false
	}
	return &model.Job{
		WorkflowID: workflowID,
		ID:         jobID,
		StepNumber: step,
		Status:     model.JobStatusPending,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// purgeOrphans deletes jobs left behind by an interrupted earlier attempt
// that this plan did not recreate.
func (p *Planner) purgeOrphans(ctx context.Context, workflowID string, result *PlanResult) error {
	existing, err := p.store.ListJobs(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	keep := make(map[string]bool, result.JobCount)
	for _, j := range result.Step1Jobs {
		keep[j.ID] = true
	}
	for _, j := range result.Step2Jobs {
		keep[j.ID] = true
	}
	var orphans []string
	for _, j := range existing {
		if !keep[j.ID] {
			orphans = append(orphans, j.ID)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	if err := p.store.DeleteJobs(ctx, workflowID, orphans); err != nil {
		return fmt.Errorf("delete orphan jobs: %w", err)
	}
	p.logger.Warn("removed jobs from an earlier planning attempt",
		"workflow_id", workflowID, "jobs", strings.Join(orphans, ","))
	return nil
}

// PredictionFilePath returns where step 1 writes its prediction list.
func PredictionFilePath(computeOutputPath, outPrefix string) string {
	return strings.TrimSuffix(computeOutputPath, "/") + "/" + outPrefix + model.PredictionFileSuffix
}
