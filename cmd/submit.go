package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dedup-cli/internal/ingest"
)

var (
	submitSource       string
	submitNameColumn   string
	submitSourceColumn string
	submitExportPath   string
)

var submitCmd = &cobra.Command{
	Use:   "submit <names.csv>",
	Short: "Resolve a CSV of raw company names as one job run",
	Long:  "Reads raw names from a CSV file, submits them as a batch, and processes the batch to a terminal status. Ctrl-C cancels the run; completed items keep their writes.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		obs, err := ingest.ReadObservationsFile(args[0], ingest.CSVOptions{
			NameColumn:    submitNameColumn,
			SourceColumn:  submitSourceColumn,
			DefaultSource: submitSource,
		})
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.controller.Submit(ctx, obs)
		if err != nil {
			return err
		}
		zap.L().Info("job submitted",
			zap.String("component", "cli"),
			zap.String("job_id", run.ID),
			zap.Int("input_count", run.InputCount))

		final, err := env.controller.Process(ctx, run.ID)
		if err != nil {
			return eris.Wrapf(err, "run %s", run.ID)
		}

		fmt.Fprintf(os.Stdout, "job %s finished: %s (%d ok, %d failed of %d)\n",
			final.ID, final.Status, final.SuccessCount, final.ErrorCount, final.InputCount)

		if submitExportPath != "" {
			n, err := env.exporter.ExportForJob(ctx, final.ID, submitExportPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "wrote %d resolutions to %s\n", n, submitExportPath)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitSource, "source", "", "provenance tag for rows without a source column")
	submitCmd.Flags().StringVar(&submitNameColumn, "name-column", "name", "CSV column holding the raw name")
	submitCmd.Flags().StringVar(&submitSourceColumn, "source-column", "source", "CSV column holding the provenance tag")
	submitCmd.Flags().StringVar(&submitExportPath, "export", "", "write the resolution artifact here after the run finishes")
	rootCmd.AddCommand(submitCmd)
}
