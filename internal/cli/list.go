package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/me/gowas/pkg/model"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var status, user string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if user != "" {
				q.Set("user_id", user)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/workflows/"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("list workflows: %w", err)
			}
			var data []model.Workflow
			if err := resp.decode(&data); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(data) == 0 {
				fmt.Fprintln(out, "No workflows found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-22s  %-6s  %s\n", "ID", "STATUS", "JOBS", "CREATED")
			fmt.Fprintf(out, "%-40s  %-22s  %-6s  %s\n", "--", "------", "----", "-------")
			for _, wf := range data {
				fmt.Fprintf(out, "%-40s  %-22s  %-6d  %s\n", wf.ID, wf.Status, wf.JobCount, humanize.Time(wf.CreatedAt))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only workflows in this status")
	cmd.Flags().StringVar(&user, "user", "", "Only workflows owned by this user")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of workflows (server default 20)")
	return cmd
}

func newJobsCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "jobs <workflow_id>",
		Short: "List the jobs of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := workflowPath(args[0], "jobs") + "/"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			resp, err := client.Get(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			var jobs []model.Job
			if err := resp.decode(&jobs); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			fmt.Fprintf(out, "%-44s  %-4s  %-5s  %-10s  %s\n", "JOB", "STEP", "CHR", "STATUS", "UPDATED")
			for _, j := range jobs {
				chr := j.Parameters.Chromosome
				if chr == "" {
					chr = "-"
				}
				fmt.Fprintf(out, "%-44s  %-4d  %-5s  %-10s  %s\n", j.ID, j.StepNumber, chr, j.Status, humanize.Time(j.UpdatedAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	return cmd
}
