package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"chorus/internal/api"
	"chorus/internal/apiclient"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Work the manual review queue",
	}

	reviewCmd.AddCommand(newReviewListCommand(ctx))
	reviewCmd.AddCommand(newReviewDecisionCommand(ctx, "approve", "Approve a unit's consensus transcription"))
	reviewCmd.AddCommand(newReviewDecisionCommand(ctx, "reject", "Reject a unit permanently"))

	return reviewCmd
}

func newReviewListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List units awaiting manual review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				units, err := client.ReviewQueue(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ok, err := ctx.emit(cmd, api.ReviewListResponse{Units: units}); ok || err != nil {
					return err
				}
				if len(units) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Review queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(units))
				for _, u := range units {
					rows = append(rows, []string{
						strconv.FormatInt(u.UnitID, 10),
						orDash(u.RecordingID),
						formatDuration(u.DurationSeconds),
						strconv.Itoa(u.TranscriptCount),
						formatPercent(u.ConsensusQuality),
						strconv.Itoa(u.ConsensusFailedCount),
						formatWhen(u.CreatedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Unit", "Recording", "Audio", "Transcripts", "Quality", "Failures", "Created"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of units to list")
	return cmd
}

func newReviewDecisionCommand(ctx *commandContext, decision, short string) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   decision + " <unit-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid unit id %q", args[0])
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				if err := client.Review(cmd.Context(), id, decision, note); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unit %d: %s recorded\n", id, decision)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Reviewer note stored with the decision")
	return cmd
}
