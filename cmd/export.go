package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/dedup-cli/internal/export"
)

var (
	exportJobID string
	exportOut   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the alias-to-canonical mapping to a CSV or XLSX artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		path := exportOut
		if path == "" {
			name := fmt.Sprintf("resolutions-%s.%s", time.Now().Format("20060102-150405"), cfg.Export.Format)
			if exportJobID != "" {
				name = fmt.Sprintf("job-%s.%s", exportJobID, cfg.Export.Format)
			}
			path = filepath.Join(cfg.Export.Dir, name)
		}

		e := export.New(st)
		var n int
		if exportJobID != "" {
			n, err = e.ExportForJob(ctx, exportJobID, path)
		} else {
			n, err = e.Export(ctx, path)
		}
		if err != nil {
			return err
		}

		fmt.Printf("wrote %d resolutions to %s\n", n, path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportJobID, "job", "", "stamp the artifact path onto this finished run")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path; extension picks the format")
	rootCmd.AddCommand(exportCmd)
}
