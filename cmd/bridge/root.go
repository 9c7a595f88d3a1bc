package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/config"
	"lambda-live-bridge/internal/logging"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "bridge",
		Short:         "Run deployed Lambda invocations on your machine",
		Long:          "bridge forwards invocations of a deployed Lambda function through a relay to handlers running locally, and sends their results back.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.Development)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRelayCmd(a),
		newDevCmd(a),
		newHistoryCmd(a),
	)
	return rootCmd
}
