package cli

import (
	"github.com/spf13/cobra"

	"oracle-health-alerts/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var sweepDryRun bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Sweep(cmd.Context(), app.SweepOptions{DryRun: sweepDryRun})
		app.PrintReport(cmd.OutOrStdout(), report)
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var summarizeDryRun bool

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Send summaries owed for closed windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Summarize(cmd.Context(), app.SummarizeOptions{DryRun: summarizeDryRun})
	},
}

var (
	notifyRecipient string
	notifyMessage   string
)

var notifyTestCmd = &cobra.Command{
	Use:   "notify-test",
	Short: "Send a test notification to admins or one recipient",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().NotifyTest(cmd.Context(), notifyRecipient, notifyMessage)
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Log notifications instead of sending them and leave summary flags unset")
	summarizeCmd.Flags().BoolVar(&summarizeDryRun, "dry-run", false, "Render summaries to the log without marking windows done")
	notifyTestCmd.Flags().StringVar(&notifyRecipient, "recipient", "", "Recipient id (defaults to every admin)")
	notifyTestCmd.Flags().StringVar(&notifyMessage, "message", "", "Message text")
}
