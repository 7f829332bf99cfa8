package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/services"
	"chorus/internal/store"
)

// Runner executes persisted tasks on a pool of workers.
type Runner struct {
	store        *store.Store
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration
	retryBackoff time.Duration
	ttl          time.Duration
	heartbeat    *heartbeatMonitor

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastErr  error
	wake     chan struct{}
}

// NewRunner constructs a runner backed by st.
func NewRunner(cfg *config.Config, st *store.Store, logger *slog.Logger) *Runner {
	logger = logging.NewComponentLogger(logger, "tasks")
	workers := cfg.Workflow.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		store:        st,
		logger:       logger,
		workers:      workers,
		pollInterval: time.Duration(cfg.Workflow.PollIntervalMillis) * time.Millisecond,
		retryBackoff: time.Duration(cfg.Workflow.RetryBackoffSecs) * time.Second,
		ttl:          time.Duration(cfg.Workflow.TaskTTLHours) * time.Hour,
		heartbeat: newHeartbeatMonitor(
			st,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds handler to kind. Registering after Start is allowed.
func (r *Runner) Register(kind string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Submit persists a queued task and wakes an idle worker.
func (r *Runner) Submit(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Kind) == "" {
		return "", services.Wrap(services.ErrValidation, "tasks", "submit", "task kind is required", nil)
	}
	payload, err := encode(req.Payload)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "tasks", "submit", "encode payload", err)
	}
	task := &store.Task{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Payload:     payload,
		MaxAttempts: req.MaxAttempts,
	}
	if req.Delay > 0 {
		task.NotBefore = time.Now().Add(req.Delay)
	}
	if err := r.store.InsertTask(ctx, task); err != nil {
		return "", services.Wrap(services.ErrTransient, "tasks", "submit", "persist task", err)
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return task.ID, nil
}

// Status returns the persisted task.
func (r *Runner) Status(ctx context.Context, id string) (*store.Task, error) {
	task, err := r.store.GetTask(ctx, id)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "tasks", "status", "load task", err)
	}
	if task == nil {
		return nil, services.Wrap(services.ErrNotFound, "tasks", "status", fmt.Sprintf("task %s", id), nil)
	}
	return task, nil
}

// Cancel stops a queued task, or signals a running one through its heartbeat.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	task, err := r.Status(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return services.Wrap(services.ErrValidation, "tasks", "cancel", fmt.Sprintf("task %s already %s", id, task.Status), nil)
	}
	ok, err := r.store.CancelTask(ctx, id, time.Now().Add(r.ttl))
	if err != nil {
		return services.Wrap(services.ErrTransient, "tasks", "cancel", "update task", err)
	}
	if !ok {
		return services.Wrap(services.ErrValidation, "tasks", "cancel", fmt.Sprintf("task %s finished before it could be cancelled", id), nil)
	}
	return nil
}

// Start launches the worker pool.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("task runner already running")
	}
	if len(r.handlers) == 0 {
		r.mu.Unlock()
		return errors.New("task handlers not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.wg.Add(r.workers)
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		go r.runWorker(runCtx, i)
	}
	return nil
}

// Stop cancels workers and waits for in-flight tasks to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// Running reports whether the worker pool is active.
func (r *Runner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// LastError returns the most recent runner-level failure.
func (r *Runner) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

func (r *Runner) setLastError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Runner) kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

func (r *Runner) handler(kind string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

func (r *Runner) runWorker(ctx context.Context, index int) {
	defer r.wg.Done()
	maintainer := index == 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if maintainer {
			r.maintain(ctx)
		}

		task, err := r.store.ClaimNextTask(ctx, r.kinds()...)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.setLastError(err)
			r.logger.Error("failed to claim next task",
				logging.Error(err),
				logging.EventType("task_claim_failed"),
				logging.String(logging.FieldErrorHint, "check database access"),
			)
			r.waitOrShutdown(ctx, r.retryBackoff)
			continue
		}
		if task == nil {
			r.waitOrShutdown(ctx, r.pollInterval)
			continue
		}
		r.execute(ctx, task)
	}
}

func (r *Runner) maintain(ctx context.Context) {
	if err := r.heartbeat.reclaimStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.WarnWithContext(r.logger, "reclaim stale tasks failed; stuck tasks may remain", "task_reclaim_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database access"),
		)
	}
	purged, err := r.store.PurgeExpiredTasks(ctx, time.Now())
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.WarnWithContext(r.logger, "purge expired tasks failed", "task_purge_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database access"),
		)
	}
	if purged > 0 {
		r.logger.Debug("purged expired tasks", logging.Int64("count", purged))
	}
}

func (r *Runner) waitOrShutdown(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-r.wake:
	case <-timer.C:
	}
}

func (r *Runner) execute(ctx context.Context, task *store.Task) {
	taskCtx, cancel := context.WithCancel(services.WithTaskID(ctx, task.ID))
	defer cancel()
	logger := logging.WithContext(taskCtx, r.logger).With(logging.String("kind", task.Kind), logging.Int("attempt", task.Attempts))

	handler := r.handler(task.Kind)
	if handler == nil {
		r.finish(ctx, logger, task, store.TaskFailed, "", fmt.Sprintf("no handler registered for %q", task.Kind))
		return
	}

	var (
		hbWG      sync.WaitGroup
		cancelled = make(chan struct{})
	)
	hbWG.Add(1)
	go r.heartbeat.loop(taskCtx, &hbWG, task.ID, func() {
		close(cancelled)
		cancel()
	})

	progress := func(percent float64, message string) {
		if err := r.store.UpdateTaskProgress(taskCtx, task.ID, percent, message); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("task progress update failed", logging.Error(err))
		}
	}

	logger.Info("task started")
	started := time.Now()
	result, runErr := runHandler(taskCtx, handler, task, progress)
	cancel()
	hbWG.Wait()

	select {
	case <-cancelled:
		logger.Info("task cancelled", logging.Duration("elapsed", time.Since(started)))
		return
	default:
	}
	if ctx.Err() != nil {
		// Shutdown: leave the task running so the next start reclaims it.
		return
	}

	if runErr == nil {
		encoded, err := encode(result)
		if err != nil {
			r.finish(ctx, logger, task, store.TaskFailed, "", fmt.Sprintf("encode result: %v", err))
			return
		}
		r.finish(ctx, logger, task, store.TaskSucceeded, encoded, "")
		logger.Info("task succeeded", logging.Duration("elapsed", time.Since(started)))
		return
	}

	if services.IsPermanent(runErr) || task.Attempts >= task.MaxAttempts {
		logger.Error("task failed",
			logging.Error(runErr),
			logging.Bool("permanent", services.IsPermanent(runErr)),
			logging.EventType("task_failed"),
			logging.String(logging.FieldErrorHint, "inspect the task error and resubmit if appropriate"),
		)
		r.finish(ctx, logger, task, store.TaskFailed, "", runErr.Error())
		return
	}

	delay := backoff(r.retryBackoff, task.Attempts)
	logging.WarnWithContext(logger, "task attempt failed; will retry", "task_retry",
		logging.Error(runErr),
		logging.Duration("retry_in", delay),
		logging.String(logging.FieldErrorHint, "transient failure"),
		logging.String(logging.FieldImpact, "task result delayed"),
	)
	if err := r.store.RequeueTask(ctx, task.ID, runErr.Error(), time.Now().Add(delay)); err != nil {
		r.setLastError(err)
		logger.Error("failed to requeue task", logging.Error(err))
	}
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, task *store.Task, status store.TaskStatus, result, message string) {
	if err := r.store.FinishTask(ctx, task.ID, status, result, message, time.Now().Add(r.ttl)); err != nil {
		r.setLastError(err)
		logger.Error("failed to persist task outcome", logging.Error(err), logging.String("status", string(status)))
	}
}

func runHandler(ctx context.Context, handler Handler, task *store.Task, progress Progress) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = services.Wrap(services.ErrConfiguration, "tasks", task.Kind, fmt.Sprintf("handler panic: %v", rec), nil)
		}
	}()
	if progress == nil {
		progress = noProgress
	}
	return handler(ctx, task, progress)
}

// backoff doubles base for each attempt already made, capped at one hour.
func backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	if d > time.Hour || d <= 0 {
		return time.Hour
	}
	return d
}
