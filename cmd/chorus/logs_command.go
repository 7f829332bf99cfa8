package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chorus/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var level string
	var filter logs.Filter

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		Long: "Show the current daemon log (<log_dir>/daemon.log).\n\n" +
			"Level, component and batch filters apply to JSON-formatted logs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(level) != "" {
				var lvl slog.Level
				if err := lvl.UnmarshalText([]byte(level)); err != nil {
					return fmt.Errorf("invalid --level %q: %w", level, err)
				}
				filter.MinLevel = lvl
			}

			path := logs.CurrentPath(cfg.Paths.LogDir)
			out := cmd.OutOrStdout()
			result, err := logs.Tail(cmd.Context(), path, logs.TailOptions{Offset: -1, Limit: lines, Filter: filter})
			if err != nil {
				return err
			}
			for _, line := range result.Lines {
				fmt.Fprintln(out, line)
			}

			for offset := result.Offset; follow; {
				next, err := logs.Tail(cmd.Context(), path, logs.TailOptions{
					Offset: offset,
					Follow: true,
					Wait:   time.Second,
					Filter: filter,
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				if err != nil {
					return err
				}
				for _, line := range next.Lines {
					fmt.Fprintln(out, line)
				}
				offset = next.Offset
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until interrupted")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level: debug, info, warn or error")
	cmd.Flags().StringVar(&filter.Component, "component", "", "Only lines from this component")
	cmd.Flags().StringVar(&filter.BatchID, "batch", "", "Only lines about this batch")
	return cmd
}
