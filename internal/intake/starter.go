package intake

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/gowas/internal/planner"
	"github.com/me/gowas/internal/workflow"
	"github.com/me/gowas/pkg/model"
)

// LocalStarter starts workflows in-process: it initializes the workflow
// record and plans its jobs. The scheduler picks the PENDING jobs up.
type LocalStarter struct {
	ini     *workflow.Initializer
	planner *planner.Planner
	logger  *slog.Logger
}

// NewLocalStarter creates a LocalStarter.
func NewLocalStarter(ini *workflow.Initializer, p *planner.Planner, logger *slog.Logger) *LocalStarter {
	return &LocalStarter{ini: ini, planner: p, logger: logger.With("component", "starter")}
}

// Start returns the execution name prefixed with "local:" as the execution
// identifier.
func (s *LocalStarter) Start(ctx context.Context, input model.WorkflowInput, executionName string) (string, error) {
	req := workflow.RequestFromInput(input)
	req.ExecutionName = executionName
	res, err := s.ini.Init(ctx, req)
	if err != nil {
		return "", fmt.Errorf("initialize workflow: %w", err)
	}

	plan := planner.PlanRequest{
		WorkflowID:     res.WorkflowID,
		S3Path:         res.S3Path,
		OutputS3Path:   res.ResultsBucketPath,
		AnalysisSubdir: input.AnalysisSubdir,
		InputData:      res.Parameters.InputData,
		AnalysisParams: res.Parameters.AnalysisParams,
		OutputParams:   res.Parameters.OutputParams,
		StartStep:      input.StartStep,
		PredictionFile: input.PredictionFile,
	}
	out, err := s.planner.Plan(ctx, plan)
	if err != nil {
		return "", fmt.Errorf("plan jobs: %w", err)
	}
	s.logger.Info("workflow planned", "workflow_id", out.WorkflowID, "jobs", out.JobCount, "execution", executionName)
	return "local:" + executionName, nil
}
