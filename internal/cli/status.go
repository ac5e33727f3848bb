package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/me/gowas/pkg/model"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow_id>",
		Short: "Show the status of a workflow and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get(cmd.Context(), workflowPath(id))
			if err != nil {
				return fmt.Errorf("get workflow: %w", err)
			}
			var wf model.Workflow
			if err := resp.decode(&wf); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workflow: %s\n", wf.ID)
			fmt.Fprintf(out, "  Status:   %s\n", wf.Status)

			s := wf.JobStats
			fmt.Fprintf(out, "  Jobs:     %d total", s.Total)
			if s.Completed > 0 {
				fmt.Fprintf(out, ", %d completed", s.Completed)
			}
			if s.Pending > 0 {
				fmt.Fprintf(out, ", %d pending", s.Pending)
			}
			if s.Failed > 0 {
				fmt.Fprintf(out, ", %d failed", s.Failed)
			}
			fmt.Fprintln(out)

			if len(wf.Jobs) > 0 {
				fmt.Fprintln(out, "  Steps:")
				for _, j := range wf.Jobs {
					fmt.Fprintf(out, "    - %s: %s", j.ID, j.Status)
					if j.ErrorDetail != "" {
						fmt.Fprintf(out, " (%s)", j.ErrorDetail)
					}
					fmt.Fprintln(out)
				}
			}

			fmt.Fprintf(out, "  Created:  %s\n", humanize.Time(wf.CreatedAt))
			if wf.CompletionTime != nil {
				fmt.Fprintf(out, "  Completed: %s\n", humanize.Time(*wf.CompletionTime))
			}
			if wf.ResultsBucketPath != "" {
				fmt.Fprintf(out, "  Results:  %s\n", wf.ResultsBucketPath)
			}
			return nil
		},
	}
}
