package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"advisorhub/internal/config"
	"advisorhub/internal/logging"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "advisorhub",
		Short:         "Real-time hub for advisor sessions, chat and call signaling",
		Long:          `HTTP + WebSocket server. Commands: serve (default), migrate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	return root
}

// load reads configuration and builds the logger it describes.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}
