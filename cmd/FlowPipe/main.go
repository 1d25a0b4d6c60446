// FlowPipe runs a conversational bot driven by YAML flows, with scheduled tasks.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "flowpipe",
		Short:         "Flow-driven conversational bot and task scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initializeLogger(cfg.LogLevel, cfg.LogFormat)
		},
	}
	bindFlags(root, cfg)
	root.AddCommand(newServeCmd(cfg), newValidateCmd(cfg))
	return root
}

func main() {
	cfg := loadEnvironmentConfig()
	if err := newRootCmd(&cfg).Execute(); err != nil {
		os.Exit(1)
	}
}
