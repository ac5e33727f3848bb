// Package workflow creates workflow records.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/internal/store"
	"github.com/me/gowas/pkg/model"
)

// InitRequest is the input of Init. DatasetPath is accepted as an alias of
// S3Path.
type InitRequest struct {
	WorkflowID     string                `json:"workflowId,omitempty"`
	S3Path         string                `json:"s3Path,omitempty"`
	DatasetPath    string                `json:"datasetPath,omitempty"`
	AnalysisSubdir string                `json:"analysisSubdir,omitempty"`
	InputData      model.InputData       `json:"inputData"`
	AnalysisParams *model.AnalysisParams `json:"analysisParams,omitempty"`
	OutputParams   *model.OutputParams   `json:"outputParams,omitempty"`
	UserID         string                `json:"userId,omitempty"`
	StudyID        string                `json:"studyId,omitempty"`
	StartStep      int                   `json:"startStep,omitempty"`
	PredictionFile string                `json:"predictionFile,omitempty"`
	ExecutionName  string                `json:"executionName,omitempty"`
}

// RequestFromInput converts intake output into an InitRequest.
func RequestFromInput(in model.WorkflowInput) InitRequest {
	return InitRequest{
		WorkflowID:     in.WorkflowID,
		S3Path:         in.S3Path,
		AnalysisSubdir: in.AnalysisSubdir,
		InputData:      in.InputData,
		AnalysisParams: in.AnalysisParams,
		OutputParams:   in.OutputParams,
		UserID:         in.UserID,
		StudyID:        in.StudyID,
		StartStep:      in.StartStep,
		PredictionFile: in.PredictionFile,
	}
}

// InitResult describes a newly initialized workflow.
type InitResult struct {
	WorkflowID        string               `json:"workflowId"`
	Status            model.WorkflowStatus `json:"status"`
	Timestamp         time.Time            `json:"timestamp"`
	StudyID           string               `json:"studyId,omitempty"`
	S3Path            string               `json:"s3Path"`
	DataBucketName    string               `json:"dataBucketName"`
	DataBucketPrefix  string               `json:"dataBucketPrefix"`
	ResultsBucketName string               `json:"resultsBucketName"`
	ResultsBucketPath string               `json:"resultsBucketPath"`
	ParametersFile    string               `json:"parametersFile,omitempty"`
	Parameters        model.Parameters     `json:"parameters"`
}

// parametersDocument is the JSON written next to the results.
type parametersDocument struct {
	WorkflowID     string               `json:"workflowId"`
	Timestamp      time.Time            `json:"timestamp"`
	S3Path         string               `json:"s3Path"`
	InputData      model.InputData      `json:"inputData"`
	AnalysisParams model.AnalysisParams `json:"analysisParams"`
	OutputParams   model.OutputParams   `json:"outputParams"`
}

// Initializer creates workflow records in the INITIALIZED state.
type Initializer struct {
	store         store.Store
	objects       storage.ObjectStore
	resultsBucket string
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

// NewInitializer creates an Initializer. resultsBucket may be empty, in which
// case results go under the dataset path.
func NewInitializer(st store.Store, objects storage.ObjectStore, resultsBucket string, logger *slog.Logger) *Initializer {
	return &Initializer{
		store:         st,
		objects:       objects,
		resultsBucket: resultsBucket,
		logger:        logger.With("component", "workflow"),
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
}

// Init validates the request, persists a new workflow with every default
// applied, and then writes the resolved parameters to
// {outputPath}workflow_params_{id}.json. The parameters file is best effort.
func (i *Initializer) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	s3Path := req.S3Path
	if s3Path == "" {
		s3Path = req.DatasetPath
	}
	if s3Path == "" {
		return nil, fmt.Errorf("%w: Either s3Path or datasetPath must be provided", model.ErrMissingParameter)
	}
	s3Path = storage.EnsureTrailingSlash(s3Path)
	data, err := storage.ParseURI(s3Path)
	if err != nil {
		return nil, model.NewValidationError(err.Error(), model.FieldError{Field: "s3Path", Message: err.Error()})
	}

	var analysis model.AnalysisParams
	if req.AnalysisParams != nil {
		analysis = *req.AnalysisParams
	}
	if err := analysis.Validate(); err != nil {
		return nil, model.NewValidationError(err.Error(), model.FieldError{Field: "analysisParams", Message: err.Error()})
	}
	if err := req.InputData.Validate(); err != nil {
		return nil, model.NewValidationError(err.Error(), model.FieldError{Field: "inputData", Message: err.Error()})
	}
	var output model.OutputParams
	if req.OutputParams != nil {
		output = *req.OutputParams
	}
	if err := output.Validate(); err != nil {
		return nil, model.NewValidationError(err.Error(), model.FieldError{Field: "outputParams", Message: err.Error()})
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = i.newID()
	}
	userID := req.UserID
	if userID == "" {
		userID = model.DefaultUserID
	}

	outputPath := i.outputPath(output, workflowID, s3Path)
	results, err := storage.ParseURI(outputPath)
	if err != nil {
		return nil, model.NewValidationError(err.Error(), model.FieldError{Field: "outputParams.outputS3Path", Message: err.Error()})
	}

	existing, err := i.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkflowExists, workflowID)
	}

	now := i.now()
	output = output.WithDefaults()
	output.OutputS3Path = outputPath
	params := model.Parameters{
		InputData:      req.InputData,
		AnalysisParams: analysis.WithDefaults(),
		OutputParams:   output,
	}

	wf := &model.Workflow{
		ID:             workflowID,
		Status:         model.WorkflowStatusInitialized,
		UserID:         userID,
		StudyID:        req.StudyID,
		Parameters:     params,
		S3Path:         s3Path,
		AnalysisSubdir: req.AnalysisSubdir,
		OutputS3Path:   outputPath,
		ExecutionName:  req.ExecutionName,
		StartStep:      req.StartStep,
		PredictionFile: req.PredictionFile,
		ExpiresAt:      now.Add(model.RetentionPeriod),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := i.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	i.logger.Info("workflow initialized", "workflow_id", workflowID, "user_id", userID, "s3_path", s3Path)

	// The parameters file is only written for a persisted workflow.
	paramsFile := i.writeParameters(ctx, results, parametersDocument{
		WorkflowID:     workflowID,
		Timestamp:      now,
		S3Path:         s3Path,
		InputData:      params.InputData,
		AnalysisParams: params.AnalysisParams,
		OutputParams:   params.OutputParams,
	})
	if paramsFile != "" {
		if err := i.store.UpdateWorkflow(ctx, workflowID, model.WorkflowUpdate{ParametersFile: &paramsFile}); err != nil {
			i.logger.Warn("record workflow parameters file", "workflow_id", workflowID, "uri", paramsFile, "error", err)
		}
	}

	return &InitResult{
		WorkflowID:        workflowID,
		Status:            wf.Status,
		Timestamp:         now,
		StudyID:           req.StudyID,
		S3Path:            s3Path,
		DataBucketName:    data.Bucket,
		DataBucketPrefix:  data.Key,
		ResultsBucketName: results.Bucket,
		ResultsBucketPath: outputPath,
		ParametersFile:    paramsFile,
		Parameters:        params,
	}, nil
}

// outputPath picks the results location: explicit, then the configured
// results bucket, then a results/ folder under the dataset.
func (i *Initializer) outputPath(output model.OutputParams, workflowID, s3Path string) string {
	if output.OutputS3Path != "" {
		return storage.EnsureTrailingSlash(output.OutputS3Path)
	}
	if i.resultsBucket != "" {
		return fmt.Sprintf("s3://%s/workflows/%s/", i.resultsBucket, workflowID)
	}
	return s3Path + "results/"
}

// writeParameters stores the parameters document and returns its URI, or ""
// when the write failed.
func (i *Initializer) writeParameters(ctx context.Context, dir storage.URI, doc parametersDocument) string {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		i.logger.Warn("encode workflow parameters", "workflow_id", doc.WorkflowID, "error", err)
		return ""
	}
	loc := dir.Join(fmt.Sprintf("workflow_params_%s.json", doc.WorkflowID))
	if err := i.objects.Put(ctx, loc, bytes.NewReader(body), "application/json"); err != nil {
		i.logger.Warn("failed to write workflow parameters", "workflow_id", doc.WorkflowID, "uri", loc.String(), "error", err)
		return ""
	}
	i.logger.Info("wrote workflow parameters", "uri", loc.String())
	return loc.String()
}
