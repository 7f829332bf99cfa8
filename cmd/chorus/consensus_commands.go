package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chorus/internal/api"
	"chorus/internal/apiclient"
)

const taskPollInterval = 500 * time.Millisecond

func newConsensusCommand(ctx *commandContext) *cobra.Command {
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "consensus <unit-id>...",
		Short: "Compute consensus for units in the background",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseUnitIDs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				resp, err := client.TriggerConsensus(cmd.Context(), ids)
				if err != nil {
					return err
				}
				if !wait {
					if ok, err := ctx.emit(cmd, resp); ok || err != nil {
						return err
					}
					rows := make([][]string, 0, len(resp.Tasks))
					for _, t := range resp.Tasks {
						rows = append(rows, []string{t.TaskID, strconv.Itoa(len(t.UnitIDs)), joinIDs(t.UnitIDs)})
					}
					fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Task", "Units", "Unit IDs"}, rows,
						[]columnAlignment{alignLeft, alignRight, alignLeft}))
					return nil
				}

				waitCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				tasks := make([]api.Task, 0, len(resp.Tasks))
				for _, submitted := range resp.Tasks {
					task, err := waitForTask(waitCtx, client, submitted.TaskID)
					if err != nil {
						return err
					}
					tasks = append(tasks, task)
				}
				if ok, err := ctx.emit(cmd, tasks); ok || err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTaskTable(tasks))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for every submitted task to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Maximum time to wait with --wait")
	return cmd
}

func newTaskCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "task <task-id>",
		Short: "Show background task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				task, err := client.Task(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ok, err := ctx.emit(cmd, task); ok || err != nil {
					return err
				}
				pairs := [][2]string{
					{"Task", task.ID},
					{"Kind", task.Kind},
					{"Status", task.Status},
					{"Attempts", fmt.Sprintf("%d/%d", task.Attempts, task.MaxAttempts)},
					{"Progress", progressLabel(task.Progress)},
					{"Error", orDash(task.ErrorMessage)},
					{"Created", formatWhen(task.CreatedAt)},
					{"Updated", formatWhen(task.UpdatedAt)},
				}
				if len(task.Result) > 0 {
					pairs = append(pairs, [2]string{"Result", string(task.Result)})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues(pairs))
				return nil
			})
		},
	}
}

func waitForTask(ctx context.Context, client *apiclient.Client, id string) (api.Task, error) {
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()
	for {
		task, err := client.Task(ctx, id)
		if err != nil {
			return api.Task{}, err
		}
		if taskFinished(task.Status) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, fmt.Errorf("task %s still %s: %w", id, task.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func taskFinished(status string) bool {
	switch status {
	case "succeeded", "failed", "cancelled":
		return true
	default:
		return false
	}
}

func renderTaskTable(tasks []api.Task) string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{t.ID, t.Kind, t.Status, strconv.Itoa(t.Attempts), orDash(t.ErrorMessage)})
	}
	return renderTable([]string{"Task", "Kind", "Status", "Attempts", "Error"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft})
}

func progressLabel(p api.Progress) string {
	label := fmt.Sprintf("%.0f%%", p.Percent)
	if msg := strings.TrimSpace(p.Message); msg != "" {
		label += " " + msg
	}
	return label
}

func parseUnitIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid unit id %q", part)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one unit id is required")
	}
	return ids, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
