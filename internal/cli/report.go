package cli

import (
	"fmt"
	"time"

	"github.com/me/gowas/internal/tracker"
	"github.com/me/gowas/pkg/model"
	"github.com/spf13/cobra"
)

func newEventCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "event <workflow_id> <job_id> <status>",
		Short: "Report a job state change",
		Long:  "Report a job state change. Batch names (SUBMITTED, RUNNABLE, STARTING, SUCCEEDED) are accepted alongside job statuses.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfID, jobID := args[0], args[1]
			body := map[string]string{"status": args[2], "reason": reason}

			resp, err := client.Post(cmd.Context(), workflowPath(wfID, "jobs", jobID, "status"), body)
			if err != nil {
				return fmt.Errorf("report job event: %w", err)
			}
			var data struct {
				JobStatus      model.JobStatus      `json:"jobStatus"`
				WorkflowStatus model.WorkflowStatus `json:"workflowStatus"`
			}
			if err := resp.decode(&data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s (workflow %s)\n", jobID, data.JobStatus, data.WorkflowStatus)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason recorded with FAILED")
	return cmd
}

func newFailCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "fail <workflow_id> <job_id>...",
		Short: "Record failed jobs and recompute the workflow",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfID := args[0]
			failures := make([]tracker.JobFailure, 0, len(args)-1)
			for _, jobID := range args[1:] {
				failures = append(failures, tracker.JobFailure{JobID: jobID, ErrorMessage: message})
			}

			resp, err := client.Post(cmd.Context(), workflowPath(wfID, "failures"), map[string]any{"failedJobs": failures})
			if err != nil {
				return fmt.Errorf("record failures: %w", err)
			}
			var data struct {
				Status          string         `json:"status"`
				ProcessedErrors int            `json:"processedErrors"`
				JobStats        model.JobStats `json:"jobStats"`
			}
			if err := resp.decode(&data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d failure(s); workflow %s is %s (%d failed of %d)\n",
				data.ProcessedErrors, wfID, data.Status, data.JobStats.Failed, data.JobStats.Total)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Error message (default \"Unknown error\")")
	return cmd
}

func newCompleteCmd() *cobra.Command {
	var results string

	cmd := &cobra.Command{
		Use:   "complete <workflow_id>",
		Short: "Mark a workflow completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfID := args[0]
			body := map[string]any{
				"resultsBucketPath": results,
				"completionTime":    time.Now().UTC(),
			}
			resp, err := client.Post(cmd.Context(), workflowPath(wfID, "complete"), body)
			if err != nil {
				return fmt.Errorf("complete workflow: %w", err)
			}
			var data struct {
				Status   model.WorkflowStatus `json:"status"`
				Message  string               `json:"message"`
				JobStats model.JobStats       `json:"jobStats"`
			}
			if err := resp.decode(&data); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", wfID, data.Message)
			fmt.Fprintf(out, "  Status: %s\n", data.Status)
			fmt.Fprintf(out, "  Jobs: %d total, %d completed, %d failed\n",
				data.JobStats.Total, data.JobStats.Completed, data.JobStats.Failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&results, "results", "", "Results location to record")
	return cmd
}
