package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/g960059/posrelay/internal/config"
	"github.com/g960059/posrelay/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// cfg and logger are populated by PersistentPreRunE for every subcommand.
	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "posrelayd",
	Short: "Connectivity failover relay for POS terminals",
	Long: `posrelayd keeps a terminal useful while its link to the system of record
degrades: it tracks the connectivity tier, routes operations to the best live
endpoint, queues what cannot be delivered and replays it once a link returns.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		// --log-level takes precedence over the config file.
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		logger = logging.New(os.Stderr, cfg.LogLevel, cfg.DeviceID)
		return nil
	}

	rootCmd.AddCommand(runCmd, agentCmd, hubCmd, statusCmd, configCmd)
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
