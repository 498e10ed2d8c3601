package main

import (
	"github.com/spf13/cobra"

	"playout/internal/platform/config"
)

const defaultServer = "http://localhost:4004"

func newRootCommand() *cobra.Command {
	var serverFlag string
	var jsonFlag bool

	ctx := newCommandContext(&serverFlag, &jsonFlag)

	rootCmd := &cobra.Command{
		Use:           "playoutctl",
		Short:         "Operate a playout daemon over its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", config.GetEnv("PLAYOUT_SERVER", defaultServer), "Base URL of the playout daemon")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(newTimelineCommand(ctx))
	rootCmd.AddCommand(newAssetsCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newReconcileCommand(ctx))
	rootCmd.AddCommand(newOutputCommand(ctx))

	return rootCmd
}
