package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-health-alerts/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportPair      pairFlags
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a pair's consensus prices as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, err := exportPair.key()
		if err != nil {
			return err
		}
		if pair.Contract == "" {
			return fmt.Errorf("--chain and --contract are required")
		}

		opts := app.ExportOptions{
			Pair:      pair,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		if opts.From, err = parseTimeFlag("from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", exportTo); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
	exportPair.register(exportCmd)
}
