// Package cleanup removes source data for units that a completed batch has
// exported. The archive is the durable record; metadata deletions are never
// rolled back when file removal fails.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/services"
	"chorus/internal/store"
	"chorus/internal/tasks"
)

const fileWorkers = 4

// Payload is the cleanup task payload.
type Payload struct {
	BatchID string  `json:"batch_id"`
	UnitIDs []int64 `json:"unit_ids"`
}

// FileFailure is one artifact that could not be removed.
type FileFailure struct {
	UnitID int64  `json:"unit_id"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report summarizes one cleanup run.
type Report struct {
	BatchID      string        `json:"batch_id"`
	DeletedUnits []int64       `json:"deleted_units"`
	DeletedFiles []string      `json:"deleted_files"`
	Failed       []FileFailure `json:"failed,omitempty"`
}

// Coordinator deletes exported units and their artifacts.
type Coordinator struct {
	store     *store.Store
	scheduler tasks.Scheduler
	attempts  int
	logger    *slog.Logger
}

// NewCoordinator builds a coordinator. scheduler may be nil when only Run is used.
func NewCoordinator(cfg *config.Config, st *store.Store, scheduler tasks.Scheduler, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		scheduler: scheduler,
		attempts:  cfg.Export.CleanupMaxAttempts,
		logger:    logging.NewComponentLogger(logger, "cleanup"),
	}
}

// Schedule submits cleanup for a completed batch and returns the task id.
func (c *Coordinator) Schedule(ctx context.Context, batchID string, unitIDs []int64) (string, error) {
	if c.scheduler == nil {
		return "", services.Wrap(services.ErrConfiguration, "cleanup", "schedule", "no task scheduler", nil)
	}
	return c.scheduler.Submit(ctx, tasks.Request{
		Kind:        tasks.KindCleanup,
		Payload:     Payload{BatchID: batchID, UnitIDs: unitIDs},
		MaxAttempts: c.attempts,
	})
}

// HandleTask runs a submitted cleanup.
func (c *Coordinator) HandleTask(ctx context.Context, task *store.Task, progress tasks.Progress) (any, error) {
	var payload Payload
	if err := tasks.Decode(task, &payload); err != nil {
		return nil, services.Wrap(services.ErrValidation, "cleanup", "decode payload", "", err)
	}
	ctx = services.WithBatchID(ctx, payload.BatchID)
	return c.Run(ctx, payload.BatchID, payload.UnitIDs, progress)
}

// Run deletes candidates and unit records, then artifact files. Missing files
// and removal errors are collected in the report; they do not fail the run.
func (c *Coordinator) Run(ctx context.Context, batchID string, unitIDs []int64, progress tasks.Progress) (Report, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	logger := logging.WithContext(ctx, c.logger)
	report := Report{BatchID: batchID}
	if len(unitIDs) == 0 {
		return report, nil
	}

	progress(10, "Deleting unit records")
	units, err := c.store.DeleteUnits(ctx, unitIDs)
	if err != nil {
		return report, services.Wrap(services.ErrTransient, "cleanup", "delete units", "", err)
	}
	for _, u := range units {
		report.DeletedUnits = append(report.DeletedUnits, u.ID)
	}

	progress(50, "Removing artifact files")
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fileWorkers)
	for _, u := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			failure, removed := removeArtifact(u)
			mu.Lock()
			defer mu.Unlock()
			if removed {
				report.DeletedFiles = append(report.DeletedFiles, u.ArtifactPath)
			} else {
				report.Failed = append(report.Failed, failure)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	sort.Strings(report.DeletedFiles)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].UnitID < report.Failed[j].UnitID })

	for _, f := range report.Failed {
		logger.Warn("artifact not removed",
			logging.UnitID(f.UnitID),
			logging.String("path", f.Path),
			logging.String("reason", f.Reason),
		)
	}
	if len(report.Failed) > 0 {
		logging.WarnWithContext(logger, "cleanup finished with leftover files", "cleanup_partial",
			logging.Int("failed_files", len(report.Failed)),
			logging.String("unit_ids", joinIDs(report.Failed)),
			logging.String(logging.FieldErrorHint, "remove the listed artifacts manually"),
			logging.String(logging.FieldImpact, "unit records are already deleted"),
		)
	}
	progress(100, "Cleanup complete")
	logger.Info("cleanup complete",
		logging.Int("deleted_units", len(report.DeletedUnits)),
		logging.Int("deleted_files", len(report.DeletedFiles)),
	)
	return report, nil
}

func removeArtifact(u *store.Unit) (FileFailure, bool) {
	failure := FileFailure{UnitID: u.ID, Path: u.ArtifactPath}
	if strings.TrimSpace(u.ArtifactPath) == "" {
		failure.Reason = "no artifact path recorded"
		return failure, false
	}
	err := os.Remove(u.ArtifactPath)
	switch {
	case err == nil:
		return failure, true
	case errors.Is(err, fs.ErrNotExist):
		failure.Reason = "file already missing"
	default:
		failure.Reason = err.Error()
	}
	return failure, false
}

func joinIDs(failures []FileFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("%d", f.UnitID)
	}
	return strings.Join(parts, ",")
}
