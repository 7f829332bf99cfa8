package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"chorus/internal/api"
	"chorus/internal/apiclient"
	"chorus/internal/config"
	"chorus/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, record and directory status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var status api.Status
			var reachable bool
			err = ctx.withClient(func(client *apiclient.Client) error {
				s, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				status, reachable = s, true
				return nil
			})
			if ok, emitErr := ctx.emit(cmd, statusView{Reachable: reachable, Status: status}); ok || emitErr != nil {
				return emitErr
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range statusLines(cfg, status, reachable, err, colorize) {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

type statusView struct {
	Reachable bool `json:"reachable"`
	api.Status
}

func statusLines(cfg *config.Config, s api.Status, reachable bool, dialErr error, colorize bool) []string {
	lines := renderSectionHeader("Daemon", colorize)
	switch {
	case !reachable:
		detail := "Not running"
		if dialErr != nil && !apiclient.IsAPIUnavailable(dialErr) {
			detail = dialErr.Error()
		}
		lines = append(lines, renderStatusLine("Chorus", statusError, detail, colorize))
	case s.Running:
		lines = append(lines, renderStatusLine("Chorus", statusOK, fmt.Sprintf("Running (pid %d)", s.PID), colorize))
	default:
		lines = append(lines, renderStatusLine("Chorus", statusWarn, "API up, daemon stopped", colorize))
	}
	if reachable {
		workerKind, workerMsg := statusOK, "Running"
		if !s.WorkersRunning {
			workerKind, workerMsg = statusWarn, "Stopped"
		}
		if s.LastError != "" {
			workerKind, workerMsg = statusError, s.LastError
		}
		lines = append(lines,
			renderStatusLine("Workers", workerKind, workerMsg, colorize),
			renderStatusLine("Storage", statusInfo, s.Storage, colorize),
			renderStatusLine("Database", statusInfo, s.DatabasePath, colorize),
		)
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Records", colorize)...)
		lines = append(lines,
			renderStatusLine("Units", statusInfo, strconv.Itoa(s.Units), colorize),
			renderStatusLine("Ready for export", statusInfo, strconv.Itoa(s.ReadyUnits), colorize),
			renderStatusLine("Awaiting consensus", backlogKind(s.Backlog), strconv.Itoa(s.Backlog), colorize),
			renderStatusLine("Review queue", backlogKind(s.ReviewQueue), strconv.Itoa(s.ReviewQueue), colorize),
			renderStatusLine("Exported", statusInfo, strconv.Itoa(s.ExportedUnits), colorize),
		)
		if len(s.Batches) > 0 {
			lines = append(lines, renderStatusLine("Batches", statusInfo, formatCounts(s.Batches), colorize))
		}
		if len(s.Tasks) > 0 {
			lines = append(lines, renderStatusLine("Tasks", statusInfo, formatCounts(s.Tasks), colorize))
		}
	}

	if cfg != nil {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Directories", colorize)...)
		lines = append(lines,
			directoryStatusLine("Data", cfg.Paths.DataDir, colorize),
			directoryStatusLine("Export", cfg.Paths.ExportDir, colorize),
			directoryStatusLine("Temp", cfg.Paths.TempDir, colorize),
		)
	}
	return lines
}

func backlogKind(n int) statusKind {
	if n > 0 {
		return statusWarn
	}
	return statusOK
}

func formatCounts(counts map[string]int) string {
	var b []byte
	for i, k := range slices.Sorted(maps.Keys(counts)) {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = fmt.Appendf(b, "%s %d", k, counts[k])
	}
	return string(b)
}

func directoryStatusLine(label, path string, colorize bool) string {
	result := preflight.CheckDirectoryAccess(label, path)
	if result.Passed {
		return renderStatusLine(label, statusOK, result.Detail, colorize)
	}
	return renderStatusLine(label, statusError, result.Detail, colorize)
}
