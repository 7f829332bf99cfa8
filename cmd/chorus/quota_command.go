package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chorus/internal/apiclient"
)

func newQuotaCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show remote storage quota usage for the current month",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				status, err := client.Quota(cmd.Context())
				if err != nil {
					return err
				}
				if ok, err := ctx.emit(cmd, status); ok || err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Quota "+status.Month, colorize) {
					fmt.Fprintln(out, line)
				}
				if !status.Enabled {
					fmt.Fprintln(out, renderStatusLine("Enforcement", statusInfo, "Disabled", colorize))
				}
				for _, m := range status.Metrics {
					message := m.Display
					if message == "" {
						message = fmt.Sprintf("%d / %d", m.Used, m.Limit)
					}
					message = fmt.Sprintf("%s (%s)", message, formatPercent(m.Ratio))
					fmt.Fprintln(out, renderStatusLine(metricLabel(m.Metric), quotaKind(m.Level), message, colorize))
				}
				return nil
			})
		},
	}
}

func metricLabel(metric string) string {
	words := strings.Fields(strings.ReplaceAll(metric, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
