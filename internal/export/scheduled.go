package export

import (
	"context"
	"errors"
	"time"

	"chorus/internal/logging"
	"chorus/internal/roles"
	"chorus/internal/services"
	"chorus/internal/store"
)

// RunScheduled attempts one batch as the system caller. Too few ready units
// is not an error: it returns a zero Created and nil.
func (s *Service) RunScheduled(ctx context.Context) (Created, error) {
	created, err := s.Create(ctx, roles.SystemCaller(), CreateRequest{Filter: store.UnitFilter{}})
	var insufficient *services.InsufficientUnitsError
	switch {
	case errors.As(err, &insufficient):
		s.logger.Info("scheduled export skipped",
			logging.Int("ready_units", insufficient.Current),
			logging.Int("required_units", insufficient.Required),
		)
		return Created{}, nil
	case errors.Is(err, services.ErrNoValidUnits):
		s.logger.Info("scheduled export skipped", logging.String("reason", "no valid units"))
		return Created{}, nil
	case err != nil:
		return Created{}, err
	}
	return created, nil
}

// Schedule calls RunScheduled every interval until ctx is cancelled. A
// non-positive interval disables scheduling.
func (s *Service) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunScheduled(ctx); err != nil && ctx.Err() == nil {
				logging.WarnWithContext(s.logger, "scheduled export failed", "scheduled_export_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check quota and storage status"),
				)
			}
		}
	}
}
