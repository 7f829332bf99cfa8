package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"chorus/internal/archive"
	"chorus/internal/batching"
	"chorus/internal/cleanup"
	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/quota"
	"chorus/internal/roles"
	"chorus/internal/services"
	"chorus/internal/storage"
	"chorus/internal/store"
	"chorus/internal/tasks"
)

// Payload is the export task payload.
type Payload struct {
	BatchID string `json:"batch_id"`
}

// CreateRequest carries the caller-supplied batch criteria.
type CreateRequest struct {
	Filter store.UnitFilter
	Force  bool
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Store     *store.Store
	Scheduler tasks.Scheduler
	Uploader  storage.Uploader
	Guard     *quota.Guard
	Cleanup   *cleanup.Coordinator
	Roles     *roles.Table
}

// Service creates, processes and retries export batches.
type Service struct {
	cfg       *config.Config
	store     *store.Store
	scheduler tasks.Scheduler
	uploader  storage.Uploader
	guard     *quota.Guard
	cleanup   *cleanup.Coordinator
	roles     *roles.Table
	selector  *batching.Selector
	builder   *archive.Builder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the export pipeline.
func NewService(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Service {
	table := deps.Roles
	if table == nil {
		table = roles.NewTable(cfg)
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		scheduler: deps.Scheduler,
		uploader:  deps.Uploader,
		guard:     deps.Guard,
		cleanup:   deps.Cleanup,
		roles:     table,
		selector:  batching.NewSelector(cfg, deps.Store, logger),
		builder:   archive.NewBuilder(cfg, logger),
		logger:    logging.NewComponentLogger(logger, "export"),
		now:       time.Now,
	}
}

// SetClock overrides the clock used for batch timestamps.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Created is the result of a successful Create or Retry.
type Created struct {
	Batch  *store.Batch
	TaskID string
}

// Create selects units for caller, persists a pending batch and submits the
// export task. Nothing is persisted when selection or the quota check fails.
func (s *Service) Create(ctx context.Context, caller roles.Caller, req CreateRequest) (Created, error) {
	caps, err := s.roles.Resolve(caller.Role)
	if err != nil {
		return Created{}, services.Wrap(services.ErrForbidden, "export", "create", "", err)
	}
	if s.scheduler == nil {
		return Created{}, services.Wrap(services.ErrConfiguration, "export", "create", "no task scheduler", nil)
	}
	if s.remote() {
		if err := s.guard.CheckUpload(ctx); err != nil {
			return Created{}, err
		}
	}

	selection, err := s.selector.Select(ctx, caps, req.Filter, req.Force)
	if err != nil {
		return Created{}, err
	}

	batch := &store.Batch{
		ID:            uuid.NewString(),
		StorageKind:   s.uploader.Kind(),
		UnitIDs:       selection.UnitIDs(),
		TotalDuration: selection.TotalDuration(),
		Filters:       req.Filter,
		Skipped:       selection.Skipped,
		Forced:        selection.Forced,
		CreatedBy:     caller.UserID,
		CreatedRole:   string(caller.Role),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return Created{}, services.Wrap(services.ErrTransient, "export", "create batch", "", err)
	}
	logger := logging.WithContext(services.WithBatchID(ctx, batch.ID), s.logger)
	logger.Info("batch created",
		logging.String(logging.FieldUserID, caller.UserID),
		logging.String("role", string(caller.Role)),
		logging.Int("unit_count", batch.UnitCount),
		logging.Int("skipped", len(batch.Skipped)),
		logging.Bool("forced", batch.Forced),
	)

	taskID, err := s.submit(ctx, batch.ID)
	if err != nil {
		if failErr := s.store.FailBatch(ctx, batch.ID, "submit export task: "+err.Error()); failErr != nil {
			logger.Warn("mark batch failed", logging.Error(failErr))
		}
		return Created{}, err
	}
	return Created{Batch: batch, TaskID: taskID}, nil
}

// Retry re-enqueues a failed batch under the same id and unit list.
func (s *Service) Retry(ctx context.Context, caller roles.Caller, batchID string) (Created, error) {
	caps, err := s.roles.Resolve(caller.Role)
	if err != nil {
		return Created{}, services.Wrap(services.ErrForbidden, "export", "retry", "", err)
	}
	if !caps.CanCreateBatch {
		return Created{}, services.Wrap(services.ErrForbidden, "export", "retry", fmt.Sprintf("role %s cannot create batches", caps.Role), nil)
	}
	batch, err := s.store.RetryBatch(ctx, batchID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Created{}, services.Wrap(services.ErrNotFound, "export", "retry", fmt.Sprintf("batch %s", batchID), nil)
	case errors.Is(err, store.ErrInvalidTransition):
		return Created{}, services.Wrap(services.ErrValidation, "export", "retry", "only failed batches can be retried", err)
	case err != nil:
		return Created{}, services.Wrap(services.ErrTransient, "export", "retry", "", err)
	}
	taskID, err := s.submit(ctx, batch.ID)
	if err != nil {
		return Created{}, err
	}
	logging.WithContext(services.WithBatchID(ctx, batch.ID), s.logger).Info("batch retry queued",
		logging.Int("retry_count", batch.RetryCount),
		logging.String(logging.FieldUserID, caller.UserID),
	)
	return Created{Batch: batch, TaskID: taskID}, nil
}

// Get returns a batch with its unit list.
func (s *Service) Get(ctx context.Context, batchID string) (*store.Batch, error) {
	batch, err := s.store.GetBatch(ctx, strings.TrimSpace(batchID))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "export", "get", "", err)
	}
	if batch == nil {
		return nil, services.Wrap(services.ErrNotFound, "export", "get", fmt.Sprintf("batch %s", batchID), nil)
	}
	return batch, nil
}

// List returns batches, newest first.
func (s *Service) List(ctx context.Context, statuses ...store.BatchStatus) ([]*store.Batch, error) {
	for _, status := range statuses {
		switch status {
		case store.BatchPending, store.BatchProcessing, store.BatchCompleted, store.BatchFailed:
		default:
			return nil, services.Wrap(services.ErrValidation, "export", "list", fmt.Sprintf("unknown batch status %q", status), nil)
		}
	}
	return s.store.ListBatches(ctx, statuses...)
}

func (s *Service) submit(ctx context.Context, batchID string) (string, error) {
	return s.scheduler.Submit(ctx, tasks.Request{
		Kind:        tasks.KindExport,
		Payload:     Payload{BatchID: batchID},
		MaxAttempts: 1,
	})
}

func (s *Service) remote() bool {
	return s.uploader != nil && s.uploader.Kind() == config.StorageRemote && s.guard != nil
}
