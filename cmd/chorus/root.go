package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var flags globalFlags

	ctx := newCommandContext(&flags)

	rootCmd := &cobra.Command{
		Use:           "chorus",
		Short:         "Chorus transcription consensus and export CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.validateOutput(); err != nil {
				return err
			}
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "Configuration file path")
	pf.StringVar(&flags.api, "api", "", "Daemon API address (defaults to paths.api_bind)")
	pf.StringVar(&flags.token, "token", "", "API bearer token (defaults to $CHORUS_API_TOKEN or paths.api_token)")
	pf.StringVar(&flags.user, "user", "", "Caller identity sent to the daemon (defaults to $USER)")
	pf.StringVar(&flags.role, "role", "", "Caller role: viewer, contributor, reviewer or admin")
	pf.StringVarP(&flags.output, "output", "o", outputTable, "Output format: table, json or yaml")

	rootCmd.AddCommand(newDaemonCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newIngestCommand(ctx))
	rootCmd.AddCommand(newConsensusCommand(ctx))
	rootCmd.AddCommand(newTaskCommand(ctx))
	rootCmd.AddCommand(newBatchCommand(ctx))
	rootCmd.AddCommand(newReviewCommand(ctx))
	rootCmd.AddCommand(newQuotaCommand(ctx))
	rootCmd.AddCommand(newAlertsCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newLogsCommand(ctx))

	return rootCmd
}
