package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chorus/internal/logging"
	"chorus/internal/store"
)

// heartbeatMonitor keeps running tasks alive and reclaims abandoned ones.
type heartbeatMonitor struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

func newHeartbeatMonitor(st *store.Store, logger *slog.Logger, interval, timeout time.Duration) *heartbeatMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &heartbeatMonitor{store: st, logger: logger, interval: interval, timeout: timeout}
}

// reclaimStale requeues running tasks whose heartbeat stopped.
func (h *heartbeatMonitor) reclaimStale(ctx context.Context) error {
	if h.timeout <= 0 {
		return nil
	}
	reclaimed, err := h.store.ReclaimStaleTasks(ctx, time.Now().Add(-h.timeout))
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		h.logger.Info("reclaimed stale tasks", logging.Int64("count", reclaimed))
	}
	return nil
}

// loop refreshes the task heartbeat until ctx ends. onCancel runs once if the
// task was cancelled through the scheduler.
func (h *heartbeatMonitor) loop(ctx context.Context, wg *sync.WaitGroup, taskID string, onCancel func()) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger.With(logging.String(logging.FieldComponent, "tasks-heartbeat")))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := h.store.TaskHeartbeat(ctx, taskID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
				continue
			}
			if status == store.TaskCancelled {
				onCancel()
				return
			}
		}
	}
}
