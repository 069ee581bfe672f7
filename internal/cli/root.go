package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"oracle-health-alerts/internal/app"
	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/logging"
	"oracle-health-alerts/internal/storage"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "oraclewatch",
	Short:         "Monitor price oracles and their datasources",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd == versionCmd {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(notifyTestCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// pairFlags binds --chain and --contract on a command.
type pairFlags struct {
	chainID  int64
	contract string
}

func (p *pairFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&p.chainID, "chain", 0, "Chain id of the aggregator contract")
	cmd.Flags().StringVar(&p.contract, "contract", "", "Aggregator contract address")
}

// key returns the zero key when neither flag is set.
func (p *pairFlags) key() (storage.PairKey, error) {
	if p.chainID == 0 && p.contract == "" {
		return storage.PairKey{}, nil
	}
	if p.chainID == 0 || p.contract == "" {
		return storage.PairKey{}, fmt.Errorf("--chain and --contract must be given together")
	}
	return storage.NewPairKey(p.chainID, p.contract), nil
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &t, nil
}
