package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-health-alerts/internal/app"
	"oracle-health-alerts/internal/storage"
)

var (
	showLimit    int
	showOpenOnly bool
	showWindow   string
	showKind     string
	showPair     pairFlags
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display alerts, aggregates or rollups",
}

var showAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := showOptions()
		if err != nil {
			return err
		}
		opts.OpenOnly = showOpenOnly
		return getApp().ShowAlerts(cmd.Context(), opts)
	},
}

var showAggregatesCmd = &cobra.Command{
	Use:   "aggregates",
	Short: "Display recent consensus prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := showOptions()
		if err != nil {
			return err
		}
		return getApp().ShowAggregates(cmd.Context(), opts)
	},
}

var showRollupsCmd = &cobra.Command{
	Use:   "rollups",
	Short: "Display the health rollup of a window",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := showOptions()
		if err != nil {
			return err
		}
		if opts.Window, err = parseTimeFlag("window", showWindow); err != nil {
			return err
		}
		switch storage.EntityKind(showKind) {
		case "", storage.KindDatasource, storage.KindOracle:
			opts.Kind = storage.EntityKind(showKind)
		default:
			return fmt.Errorf("--kind must be %q or %q", storage.KindDatasource, storage.KindOracle)
		}
		return getApp().ShowRollups(cmd.Context(), opts)
	},
}

func showOptions() (app.ShowOptions, error) {
	if showLimit <= 0 {
		return app.ShowOptions{}, fmt.Errorf("--limit must be greater than zero")
	}
	pair, err := showPair.key()
	if err != nil {
		return app.ShowOptions{}, err
	}
	return app.ShowOptions{Limit: showLimit, Pair: pair}, nil
}

func init() {
	showCmd.PersistentFlags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showAlertsCmd.Flags().BoolVar(&showOpenOnly, "open", false, "Only open alerts")
	showRollupsCmd.Flags().StringVar(&showWindow, "window", "", "Any timestamp inside the window (RFC3339, defaults to now)")
	showRollupsCmd.Flags().StringVar(&showKind, "kind", "", "datasource or oracle (defaults to both)")
	showPair.register(showAlertsCmd)
	showPair.register(showAggregatesCmd)

	showCmd.AddCommand(showAlertsCmd, showAggregatesCmd, showRollupsCmd)
}
