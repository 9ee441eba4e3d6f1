package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dedup-cli/internal/model"
	"github.com/sells-group/dedup-cli/internal/store"
)

var (
	jobsStatus string
	jobsLimit  int
	jobsOffset int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage job runs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		filter := store.JobFilter{Limit: jobsLimit, Offset: jobsOffset}
		if jobsStatus != "" {
			status := model.JobStatus(jobsStatus)
			if !status.Valid() {
				return eris.Errorf("unknown status: %s", jobsStatus)
			}
			filter.Status = status
		}

		runs, err := st.ListJobs(ctx, filter)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no job runs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tINPUT\tOK\tFAILED\tCREATED\tUPDATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				r.ID, r.Status, r.InputCount, r.SuccessCount, r.ErrorCount,
				r.CreatedAt.Local().Format(time.RFC3339),
				r.UpdatedAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := st.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return eris.Errorf("job %s not found", args[0])
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%s\n", run.ID)
		fmt.Fprintf(w, "Status:\t%s\n", run.Status)
		fmt.Fprintf(w, "Input:\t%d\n", run.InputCount)
		fmt.Fprintf(w, "Succeeded:\t%d\n", run.SuccessCount)
		fmt.Fprintf(w, "Failed:\t%d\n", run.ErrorCount)
		fmt.Fprintf(w, "Created:\t%s\n", run.CreatedAt.Local().Format(time.RFC3339))
		fmt.Fprintf(w, "Updated:\t%s\n", run.UpdatedAt.Local().Format(time.RFC3339))
		if run.ResultPath != "" {
			fmt.Fprintf(w, "Result:\t%s\n", run.ResultPath)
		}
		return w.Flush()
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store-wide counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Stats(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Canonical companies:\t%d\n", stats.Canonicals)
		fmt.Fprintf(w, "Aliases:\t%d\n", stats.Aliases)
		for _, status := range []model.JobStatus{
			model.JobStatusQueued, model.JobStatusRunning,
			model.JobStatusDone, model.JobStatusPartial, model.JobStatusFailed,
		} {
			if n, ok := stats.JobsByStatus[status]; ok {
				fmt.Fprintf(w, "Jobs %s:\t%d\n", status, n)
			}
		}
		return w.Flush()
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Fail a run that is not terminal",
	Long:  "Marks a queued or stuck run as failed. Runs executing inside a live server must be cancelled through its API instead.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := st.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return eris.Errorf("job %s not found", args[0])
		}
		if run.Status.Terminal() {
			return eris.Errorf("job %s already %s", run.ID, run.Status)
		}

		if err := st.FinalizeJob(ctx, run.ID, model.JobStatusFailed); err != nil {
			return err
		}
		fmt.Printf("job %s marked failed\n", run.ID)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum runs to list")
	jobsListCmd.Flags().IntVar(&jobsOffset, "offset", 0, "runs to skip")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}
