package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"chorus/internal/api"
	"chorus/internal/apiclient"
)

func newAlertsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var verbose bool

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent operational alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				alerts, err := client.Alerts(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ok, err := ctx.emit(cmd, api.AlertListResponse{Alerts: alerts}); ok || err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(alerts) == 0 {
					fmt.Fprintln(out, "No alerts recorded")
					return nil
				}
				colorize := shouldColorize(out)
				for _, a := range alerts {
					label := fmt.Sprintf("%s %s", a.Component, formatWhen(a.CreatedAt))
					fmt.Fprintln(out, renderStatusLine(label, severityKind(a.Severity), a.Title, colorize))
					if !verbose {
						continue
					}
					fmt.Fprintf(out, "%s    %s\n", statusIndent, a.Message)
					if a.SuggestedAction != "" {
						fmt.Fprintf(out, "%s    action: %s\n", statusIndent, a.SuggestedAction)
					}
					if len(a.Metrics) > 0 {
						fmt.Fprintf(out, "%s    metrics: %s\n", statusIndent, formatMetrics(a.Metrics))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of alerts to list")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Include messages, suggested actions and metrics")
	return cmd
}

func formatMetrics(metrics map[string]float64) string {
	keys := slices.Sorted(maps.Keys(metrics))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, metrics[k]))
	}
	return strings.Join(parts, " ")
}
