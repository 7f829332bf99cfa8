package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chorus/internal/api"
	"chorus/internal/apiclient"
	"chorus/internal/archive"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:     "batch",
		Aliases: []string{"batches"},
		Short:   "Create, inspect and download export batches",
	}

	batchCmd.AddCommand(newBatchCreateCommand(ctx))
	batchCmd.AddCommand(newBatchListCommand(ctx))
	batchCmd.AddCommand(newBatchShowCommand(ctx))
	batchCmd.AddCommand(newBatchRetryCommand(ctx))
	batchCmd.AddCommand(newBatchDownloadCommand(ctx))
	batchCmd.AddCommand(newBatchVerifyCommand(ctx))

	return batchCmd
}

func newBatchCreateCommand(ctx *commandContext) *cobra.Command {
	var req api.CreateBatchRequest
	var minDuration, maxDuration float64
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Select ready units and start building an export batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min-duration") {
				req.MinDuration = &minDuration
			}
			if cmd.Flags().Changed("max-duration") {
				req.MaxDuration = &maxDuration
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				resp, err := client.CreateBatch(cmd.Context(), req)
				if err != nil {
					return err
				}
				batch := resp.Batch
				if wait && resp.TaskID != "" {
					waitCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
					defer cancel()
					if _, err := waitForTask(waitCtx, client, resp.TaskID); err != nil {
						return err
					}
					if batch, err = client.Batch(cmd.Context(), batch.ID); err != nil {
						return err
					}
					resp.Batch = batch
				}
				if ok, err := ctx.emit(cmd, resp); ok || err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderBatchDetail(batch, resp.TaskID))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.DateFrom, "from", "", "Only units created on or after this date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&req.DateTo, "to", "", "Only units created on or before this date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().Float64Var(&minDuration, "min-duration", 0, "Minimum unit duration in seconds")
	cmd.Flags().Float64Var(&maxDuration, "max-duration", 0, "Maximum unit duration in seconds")
	cmd.Flags().BoolVar(&req.Force, "force", false, "Skip the minimum batch size check (admin only)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the export task to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Maximum time to wait with --wait")
	return cmd
}

func newBatchListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List export batches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				batches, err := client.ListBatches(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if ok, err := ctx.emit(cmd, api.BatchListResponse{Batches: batches}); ok || err != nil {
					return err
				}
				if len(batches) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No batches found")
					return nil
				}
				rows := make([][]string, 0, len(batches))
				for _, b := range batches {
					rows = append(rows, []string{
						b.ID,
						b.Status,
						b.Storage,
						strconv.Itoa(b.ChunkCount),
						formatBytes(b.SizeBytes),
						formatDuration(b.TotalDurationSeconds),
						orDash(b.CreatedBy),
						formatWhen(b.CreatedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Batch", "Status", "Storage", "Units", "Size", "Audio", "Created By", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable or comma-separated)")
	return cmd
}

func newBatchShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show batch details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				batch, err := client.Batch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ok, err := ctx.emit(cmd, batch); ok || err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderBatchDetail(batch, ""))
				return nil
			})
		},
	}
}

func newBatchRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <batch-id>",
		Short: "Resubmit a failed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				resp, err := client.RetryBatch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ok, err := ctx.emit(cmd, resp); ok || err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch %s resubmitted as task %s (retry %d)\n",
					resp.Batch.ID, resp.TaskID, resp.Batch.RetryCount)
				return nil
			})
		},
	}
}

func newBatchDownloadCommand(ctx *commandContext) *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "download <batch-id>",
		Short: "Download a completed batch archive",
		Long: "Download a completed batch archive.\n\n" +
			"Locally stored archives are streamed to --dest (a directory or file path)\n" +
			"and their checksum is verified. Remote archives print a time-limited link.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID := args[0]
			return ctx.withClient(func(client *apiclient.Client) error {
				return downloadBatch(cmd, ctx, client, batchID, dest)
			})
		},
	}

	cmd.Flags().StringVar(&dest, "dest", ".", "Destination directory or file")
	return cmd
}

func downloadBatch(cmd *cobra.Command, ctx *commandContext, client *apiclient.Client, batchID, dest string) error {
	dir, target := dest, ""
	if info, err := os.Stat(dest); err != nil || !info.IsDir() {
		dir, target = filepath.Dir(dest), dest
	}
	tmp, err := os.CreateTemp(dir, ".chorus-download-*")
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	dl, err := client.DownloadBatch(cmd.Context(), batchID, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	if dl.Link != nil {
		if ok, err := ctx.emit(cmd, dl.Link); ok || err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Archive %s is stored remotely; link expires in %s:\n", dl.FileName,
			(time.Duration(dl.Link.ExpiresIn) * time.Second).String())
		fmt.Fprintln(out, dl.Link.URL)
		return nil
	}

	if target == "" {
		name := filepath.Base(strings.TrimSpace(dl.FileName))
		if name == "" || name == "." || name == string(filepath.Separator) {
			name = archive.FileName(batchID)
		}
		target = filepath.Join(dir, name)
	}
	sum, size, err := archive.Checksum(tmpPath)
	if err != nil {
		return fmt.Errorf("checksum download: %w", err)
	}
	if dl.Checksum != "" && !strings.EqualFold(sum, dl.Checksum) {
		return fmt.Errorf("checksum mismatch for batch %s: got %s, daemon reported %s", batchID, sum, dl.Checksum)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("move archive into place: %w", err)
	}

	result := struct {
		Path      string `json:"path"`
		SizeBytes int64  `json:"size_bytes"`
		Checksum  string `json:"checksum"`
	}{target, size, sum}
	if ok, err := ctx.emit(cmd, result); ok || err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s, sha256 %s)\n", target, formatBytes(size), sum)
	return nil
}

func newBatchVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "verify <archive>",
		Short:       "Check that an archive's manifest, metadata and artifacts agree",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := archive.Inspect(args[0])
			if err != nil {
				return err
			}
			if ok, err := ctx.emit(cmd, report); ok || err != nil {
				return err
			}
			m := report.Manifest
			fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues([][2]string{
				{"Archive", report.Path},
				{"Batch", m.BatchID},
				{"Size", formatBytes(report.SizeBytes)},
				{"SHA-256", report.Checksum},
				{"Units", strconv.Itoa(m.UnitCount)},
				{"Audio", formatDuration(m.TotalDuration)},
				{"Languages", orDash(strings.Join(m.Languages, ", "))},
				{"Compression", fmt.Sprintf("%s level %d", m.Compression.Algorithm, m.Compression.Level)},
				{"Format", m.FormatVersion},
			}))
			fmt.Fprintln(cmd.OutOrStdout(), "Archive is consistent")
			return nil
		},
	}
}

func renderBatchDetail(b api.Batch, taskID string) string {
	pairs := [][2]string{
		{"Batch", b.ID},
		{"Status", b.Status},
		{"Progress", progressLabel(b.Progress)},
		{"Storage", b.Storage},
		{"Units", strconv.Itoa(b.ChunkCount)},
		{"Audio", formatDuration(b.TotalDurationSeconds)},
		{"Size", formatBytes(b.SizeBytes)},
		{"Checksum", orDash(b.Checksum)},
		{"Forced", yesNo(b.Forced)},
		{"Retries", strconv.Itoa(b.RetryCount)},
		{"Created By", fmt.Sprintf("%s (%s)", orDash(b.CreatedBy), orDash(b.CreatedRole))},
		{"Created", formatWhen(b.CreatedAt)},
		{"Completed", formatWhen(b.CompletedAt)},
	}
	if taskID != "" {
		pairs = append(pairs, [2]string{"Task", taskID})
	}
	if filters := describeFilters(b.Filters); filters != "" {
		pairs = append(pairs, [2]string{"Filters", filters})
	}
	if len(b.Skipped) > 0 {
		pairs = append(pairs, [2]string{"Skipped", strconv.Itoa(len(b.Skipped))})
	}
	if b.ErrorMessage != "" {
		pairs = append(pairs, [2]string{"Error", b.ErrorMessage})
	}
	return renderKeyValues(pairs)
}

func describeFilters(f api.Filters) string {
	var parts []string
	if f.DateFrom != "" {
		parts = append(parts, "from "+f.DateFrom)
	}
	if f.DateTo != "" {
		parts = append(parts, "to "+f.DateTo)
	}
	if f.MinDuration != nil {
		parts = append(parts, fmt.Sprintf("min %.1fs", *f.MinDuration))
	}
	if f.MaxDuration != nil {
		parts = append(parts, fmt.Sprintf("max %.1fs", *f.MaxDuration))
	}
	return strings.Join(parts, ", ")
}
