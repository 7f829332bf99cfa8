package main

import (
	"github.com/spf13/cobra"

	"chorus/internal/daemonrun"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.Options

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the chorus daemon in the foreground",
		Long: "Run the chorus daemon in the foreground.\n\n" +
			"The daemon serves the HTTP API, runs background consensus and export tasks,\n" +
			"creates scheduled batches and records operational alerts until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level for this run")
	cmd.Flags().BoolVar(&opts.Development, "dev", false, "Enable development logging (source locations)")
	return cmd
}
