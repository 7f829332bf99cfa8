package export

import (
	"context"
	"errors"
	"fmt"
	"os"

	"chorus/internal/archive"
	"chorus/internal/logging"
	"chorus/internal/services"
	"chorus/internal/store"
	"chorus/internal/tasks"
)

// HandleTask runs the export task for one batch.
func (s *Service) HandleTask(ctx context.Context, task *store.Task, progress tasks.Progress) (any, error) {
	var payload Payload
	if err := tasks.Decode(task, &payload); err != nil {
		return nil, services.Wrap(services.ErrValidation, "export", "decode payload", "", err)
	}
	return s.Process(ctx, payload.BatchID, progress)
}

// Process builds and persists the archive of a pending batch. Any failure
// leaves the batch failed with a message and exports none of its units.
func (s *Service) Process(ctx context.Context, batchID string, progress tasks.Progress) (*store.Batch, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	ctx = services.WithBatchID(ctx, batchID)
	logger := logging.WithContext(ctx, s.logger)

	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "export", "load batch", "", err)
	}
	if batch == nil {
		return nil, services.Wrap(services.ErrNotFound, "export", "load batch", fmt.Sprintf("batch %s", batchID), nil)
	}
	if batch.Status == store.BatchProcessing {
		return nil, s.failInterrupted(ctx, batch)
	}
	if err := s.store.MarkBatchProcessing(ctx, batchID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, services.Wrap(services.ErrValidation, "export", "start", "", err)
		}
		return nil, services.Wrap(services.ErrTransient, "export", "start", "", err)
	}

	report := func(percent float64, message string) {
		progress(percent, message)
		if err := s.store.UpdateBatchProgress(ctx, batchID, percent, message); err != nil {
			logger.Debug("batch progress update failed", logging.Error(err))
		}
	}

	result, err := s.run(ctx, batch, report)
	if err != nil {
		// the failure is recorded even when the task context was cancelled
		if failErr := s.store.FailBatch(context.WithoutCancel(ctx), batchID, err.Error()); failErr != nil {
			logger.Error("mark batch failed", logging.Error(failErr))
		}
		logging.ErrorWithContext(logger, "batch export failed", "batch_failed",
			logging.Error(err),
			logging.Int("unit_count", batch.UnitCount),
			logging.Int("retry_count", batch.RetryCount),
			logging.String(logging.FieldErrorHint, "fix the cause and run `chorus batch retry`"),
		)
		return nil, err
	}

	if err := s.store.CompleteBatch(ctx, batchID, result); err != nil {
		wrapped := services.Wrap(services.ErrTransient, "export", "complete", "", err)
		if errors.Is(err, store.ErrAlreadyExported) {
			wrapped = services.Wrap(services.ErrValidation, "export", "complete", "batch overlaps a completed batch", err)
		}
		detached := context.WithoutCancel(ctx)
		if failErr := s.store.FailBatch(detached, batchID, wrapped.Error()); failErr != nil {
			logger.Error("mark batch failed", logging.Error(failErr))
		}
		hint := "the unreferenced archive was removed"
		if rmErr := s.uploader.Remove(detached, result.Locator); rmErr != nil {
			logger.Warn("orphaned archive not removed", logging.String("locator", result.Locator), logging.Error(rmErr))
			hint = "remove the orphaned archive at the logged locator"
		}
		logging.ErrorWithContext(logger, "batch completion rejected", "batch_failed",
			logging.Error(err),
			logging.String("locator", result.Locator),
			logging.String(logging.FieldErrorHint, hint),
		)
		return nil, wrapped
	}

	if s.cleanup != nil {
		if taskID, err := s.cleanup.Schedule(ctx, batchID, batch.UnitIDs); err != nil {
			logging.WarnWithContext(logger, "cleanup not scheduled", "cleanup_schedule_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "exported units remain on disk until cleaned manually"),
			)
		} else {
			logger.Debug("cleanup scheduled", logging.TaskID(taskID))
		}
	}

	completed, err := s.store.GetBatch(ctx, batchID)
	if err != nil || completed == nil {
		return batch, nil
	}
	logger.Info("batch completed",
		logging.Int("unit_count", completed.UnitCount),
		logging.String("checksum", completed.Checksum),
		logging.Int64("archive_bytes", completed.SizeBytes),
		logging.String("locator", completed.Locator),
	)
	return completed, nil
}

// failInterrupted fails a batch left processing by a run that never finished,
// such as a task reclaimed after a daemon crash. The batch can then be retried.
func (s *Service) failInterrupted(ctx context.Context, batch *store.Batch) error {
	err := services.Wrap(services.ErrValidation, "export", "start",
		"export interrupted before completion; run `chorus batch retry`", nil)
	if failErr := s.store.FailBatch(context.WithoutCancel(ctx), batch.ID, err.Error()); failErr != nil {
		return services.Wrap(services.ErrTransient, "export", "start", "fail interrupted batch", failErr)
	}
	logging.WarnWithContext(logging.WithContext(ctx, s.logger), "interrupted batch marked failed", "batch_interrupted",
		logging.Int("unit_count", batch.UnitCount),
		logging.String(logging.FieldErrorHint, "run `chorus batch retry` to export it again"),
		logging.String(logging.FieldImpact, "the batch stays failed until retried"),
	)
	return err
}

func (s *Service) run(ctx context.Context, batch *store.Batch, report func(float64, string)) (store.BatchResult, error) {
	if s.uploader == nil {
		return store.BatchResult{}, services.Wrap(services.ErrConfiguration, "export", "run", "no storage backend", nil)
	}
	if s.remote() {
		if err := s.guard.CheckUpload(ctx); err != nil {
			return store.BatchResult{}, err
		}
	}

	if unitID, owner, ok, err := s.store.ExportedOverlap(ctx, batch.ID); err != nil {
		return store.BatchResult{}, services.Wrap(services.ErrTransient, "export", "check overlap", "", err)
	} else if ok {
		return store.BatchResult{}, services.Wrap(services.ErrValidation, "export", "check overlap",
			fmt.Sprintf("unit %d was already exported by batch %s", unitID, owner), nil)
	}

	report(5, "Loading units")
	records, err := s.store.ExportRecords(ctx, batch.UnitIDs)
	if err != nil {
		return store.BatchResult{}, services.Wrap(services.ErrTransient, "export", "load units", "", err)
	}
	if len(records) != len(batch.UnitIDs) {
		return store.BatchResult{}, services.Wrap(services.ErrValidation, "export", "load units",
			fmt.Sprintf("%d of %d units no longer have an exportable consensus", len(batch.UnitIDs)-len(records), len(batch.UnitIDs)), nil)
	}
	entries := make([]archive.Entry, len(records))
	for i, rec := range records {
		entries[i] = archive.Entry{
			UnitID:       rec.Unit.ID,
			RecordingID:  rec.Unit.RecordingID,
			ArtifactPath: rec.Unit.ArtifactPath,
			Text:         rec.ConsensusText,
			Duration:     rec.Unit.DurationSeconds,
			Language:     rec.Unit.Language,
			Quality:      rec.Unit.ConsensusQuality,
			CreatedAt:    rec.Unit.CreatedAt,
			UpdatedAt:    rec.Unit.UpdatedAt,
		}
	}

	built, err := s.builder.Build(ctx, batch.ID, batch.CreatedAt, entries, func(done, total int) {
		report(10+60*float64(done)/float64(max(total, 1)), fmt.Sprintf("Packaged %d/%d units", done, total))
	})
	if err != nil {
		return store.BatchResult{}, err
	}

	report(75, "Persisting archive")
	locator, err := s.uploader.Persist(ctx, built.Path, archive.FileName(batch.ID))
	if err != nil {
		if rmErr := os.Remove(built.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("remove temp archive failed", logging.String("path", built.Path), logging.Error(rmErr))
		}
		return store.BatchResult{}, err
	}
	if s.remote() {
		if err := s.guard.RecordUpload(ctx, built.SizeBytes); err != nil {
			s.logger.Warn("quota counters not updated", logging.BatchID(batch.ID), logging.Error(err))
		}
	}
	report(95, "Recording batch")
	return store.BatchResult{Locator: locator, Checksum: built.Checksum, SizeBytes: built.SizeBytes}, nil
}
