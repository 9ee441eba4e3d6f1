package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize <name> [name...]",
	Short: "Preview normalization for raw names",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		norm, err := initNormalizer()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RAW\tKEY_FORM\tDISPLAY")
		for _, raw := range args {
			key, err := norm.KeyForm(raw)
			if err != nil {
				fmt.Fprintf(w, "%s\t(error: %v)\t\n", raw, err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", raw, key, norm.Display(raw))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(normalizeCmd)
}
