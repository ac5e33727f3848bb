package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gowas/internal/batch"
	"github.com/me/gowas/internal/observability"
	"github.com/me/gowas/internal/store"
	"github.com/me/gowas/internal/tracker"
	"github.com/me/gowas/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	PollInterval  time.Duration
	JobQueue      string
	JobDefinition string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		JobDefinition: batch.DefaultJobDefinition,
	}
}

// Loop implements the Scheduler interface with a polling-based scheduling loop.
type Loop struct {
	store     store.Store
	submitter batch.Submitter
	tracker   *tracker.Tracker
	config    Config
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewLoop creates a new scheduler loop.
func NewLoop(st store.Store, sub batch.Submitter, tr *tracker.Tracker, cfg Config, logger *slog.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Loop{
		store:     st,
		submitter: sub,
		tracker:   tr,
		config:    cfg,
		logger:    logger.With("component", "scheduler"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single scheduling iteration.
func (l *Loop) Tick(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.tick")
	defer func() { observability.EndSpanWithError(span, err) }()

	affected := make(map[string]bool) // workflowIDs touched this tick

	// Phase 1: Poll RUNNING jobs for completion.
	if err := l.pollRunning(ctx, affected); err != nil {
		return fmt.Errorf("phase 1 (poll): %w", err)
	}

	// Phase 2: Dispatch PENDING jobs whose dependencies are satisfied.
	if err := l.dispatchPending(ctx, affected); err != nil {
		return fmt.Errorf("phase 2 (dispatch): %w", err)
	}

	// Phase 3: Recompute the status of every touched workflow.
	l.settle(ctx, affected)

	span.SetAttributes(observability.AttrJobCount.Int(len(affected)))
	return nil
}

// pollRunning asks the submitter about every RUNNING job and records the
// terminal ones.
func (l *Loop) pollRunning(ctx context.Context, affected map[string]bool) error {
	running, err := l.store.ListJobsByStatus(ctx, model.JobStatusRunning)
	if err != nil {
		return err
	}

	for _, job := range running {
		if job.ExternalID == "" {
			continue
		}
		status, detail, err := l.submitter.Status(ctx, job.ExternalID)
		if err != nil {
			l.logger.Error("poll status", "job_id", job.ID, "external_id", job.ExternalID, "error", err)
			continue
		}
		if status == job.Status || !status.IsTerminal() {
			continue
		}
		if err := l.tracker.RecordJobStatus(ctx, job.WorkflowID, job.ID, status, detail); err != nil {
			l.logger.Error("update polled job", "job_id", job.ID, "error", err)
			continue
		}
		l.logger.Info("job finished", "workflow_id", job.WorkflowID, "job_id", job.ID, "status", status)
		affected[job.WorkflowID] = true
	}
	return nil
}

// dispatchPending submits ready PENDING jobs and marks them RUNNING.
func (l *Loop) dispatchPending(ctx context.Context, affected map[string]bool) error {
	pending, err := l.store.ListJobsByStatus(ctx, model.JobStatusPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	for wfID, jobs := range groupByWorkflow(pending) {
		wf, err := l.store.GetWorkflow(ctx, wfID)
		if err != nil {
			l.logger.Error("get workflow for dispatch", "workflow_id", wfID, "error", err)
			continue
		}
		if wf == nil || wf.Status.IsTerminal() {
			continue
		}
		// Jobs are dispatched once planning has finished.
		if wf.Status == model.WorkflowStatusInitialized || wf.Status == model.WorkflowStatusCalculatingJobs {
			continue
		}
		step1, err := l.store.GetJob(ctx, wfID, model.Step1JobID(wfID))
		if err != nil {
			l.logger.Error("get step 1 job", "workflow_id", wfID, "error", err)
			continue
		}

		for _, job := range jobs {
			if !IsReady(job, wf, step1) {
				continue
			}
			l.submitJob(ctx, wf, job)
			affected[wfID] = true
		}
	}
	return nil
}

// submitJob hands one job to the submitter. Failures to build or submit mark
// the job FAILED.
func (l *Loop) submitJob(ctx context.Context, wf *model.Workflow, job *model.Job) {
	sub, err := batch.BuildSubmission(job, wf.StartStep, l.config.JobQueue, l.config.JobDefinition)
	if err == nil {
		var externalID string
		externalID, err = l.submitter.Submit(ctx, sub)
		if err == nil {
			u := model.JobStatusUpdate{Status: model.JobStatusRunning, ExternalID: externalID}
			if err := l.store.UpdateJobStatus(ctx, job.WorkflowID, job.ID, u); err != nil {
				l.logger.Error("mark job running", "job_id", job.ID, "error", err)
				return
			}
			l.logger.Info("job submitted", "workflow_id", job.WorkflowID, "job_id", job.ID, "external_id", externalID)
			return
		}
	}

	l.logger.Error("submit job", "workflow_id", job.WorkflowID, "job_id", job.ID, "error", err)
	if err := l.tracker.RecordJobFailure(ctx, job.WorkflowID, job.ID, err.Error()); err != nil {
		l.logger.Error("mark job failed", "job_id", job.ID, "error", err)
	}
}

// settle recomputes each affected workflow.
func (l *Loop) settle(ctx context.Context, affected map[string]bool) {
	for wfID := range affected {
		status, stats, err := l.tracker.Settle(ctx, wfID)
		if err != nil {
			l.logger.Error("settle workflow", "workflow_id", wfID, "error", err)
			continue
		}
		l.logger.Debug("workflow settled", "workflow_id", wfID, "status", status, "pending", stats.Pending)
	}
}
