// Package batching picks the units that go into an export batch.
package batching

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/roles"
	"chorus/internal/services"
	"chorus/internal/store"
)

// Selection is the frozen unit set for a new batch.
type Selection struct {
	Units     []*store.Unit
	Skipped   []store.SkippedUnit
	Available int
	Forced    bool
}

// UnitIDs returns the selected ids in batch order.
func (s Selection) UnitIDs() []int64 {
	ids := make([]int64, len(s.Units))
	for i, u := range s.Units {
		ids[i] = u.ID
	}
	return ids
}

// TotalDuration sums the selected unit durations in seconds.
func (s Selection) TotalDuration() float64 {
	var total float64
	for _, u := range s.Units {
		total += u.DurationSeconds
	}
	return total
}

// Selector queries ready, never-exported units.
type Selector struct {
	store            *store.Store
	logger           *slog.Logger
	maxUnits         int
	maxArtifactBytes int64
}

// NewSelector builds a selector from export settings.
func NewSelector(cfg *config.Config, st *store.Store, logger *slog.Logger) *Selector {
	return &Selector{
		store:            st,
		logger:           logging.NewComponentLogger(logger, "batching"),
		maxUnits:         cfg.Export.MaxUnits,
		maxArtifactBytes: cfg.Export.MaxArtifactBytes,
	}
}

// ValidateFilter rejects inverted or negative ranges.
func ValidateFilter(filter store.UnitFilter) error {
	if filter.CreatedFrom != nil && filter.CreatedTo != nil && filter.CreatedFrom.After(*filter.CreatedTo) {
		return services.Wrap(services.ErrValidation, "batching", "filter", "date_from is after date_to", nil)
	}
	if filter.MinDuration != nil && *filter.MinDuration < 0 {
		return services.Wrap(services.ErrValidation, "batching", "filter", "min_duration must be non-negative", nil)
	}
	if filter.MaxDuration != nil && *filter.MaxDuration < 0 {
		return services.Wrap(services.ErrValidation, "batching", "filter", "max_duration must be non-negative", nil)
	}
	if filter.MinDuration != nil && filter.MaxDuration != nil && *filter.MinDuration > *filter.MaxDuration {
		return services.Wrap(services.ErrValidation, "batching", "filter", "min_duration exceeds max_duration", nil)
	}
	return nil
}

// Select applies role policy and filters, then drops units whose artifact is
// missing or oversized. force is honored only when caps allow it.
func (s *Selector) Select(ctx context.Context, caps roles.Capabilities, filter store.UnitFilter, force bool) (Selection, error) {
	if !caps.CanCreateBatch {
		return Selection{}, services.Wrap(services.ErrForbidden, "batching", "select", fmt.Sprintf("role %s cannot create batches", caps.Role), nil)
	}
	if err := ValidateFilter(filter); err != nil {
		return Selection{}, err
	}
	if force && !caps.CanForceCreate {
		s.logger.Info("force flag ignored for role", logging.String("role", string(caps.Role)))
		force = false
	}

	available, err := s.store.CountEligibleUnits(ctx, filter)
	if err != nil {
		return Selection{}, services.Wrap(services.ErrTransient, "batching", "count eligible", "", err)
	}
	required := caps.MinBatchSize
	if force || required < 1 {
		required = 1
	}
	if available < required {
		return Selection{}, &services.InsufficientUnitsError{Current: available, Required: required}
	}

	units, err := s.store.SelectEligibleUnits(ctx, filter, s.maxUnits)
	if err != nil {
		return Selection{}, services.Wrap(services.ErrTransient, "batching", "select eligible", "", err)
	}

	sel := Selection{Available: available, Forced: force && available < caps.MinBatchSize}
	for _, unit := range units {
		if reason := s.skipReason(unit); reason != "" {
			sel.Skipped = append(sel.Skipped, store.SkippedUnit{UnitID: unit.ID, Reason: reason})
			logging.WarnWithContext(s.logger, "unit skipped from batch", "unit_skipped",
				logging.UnitID(unit.ID),
				logging.String("reason", reason),
				logging.String(logging.FieldErrorHint, "restore or re-segment the artifact"),
				logging.String(logging.FieldImpact, "unit stays eligible for a later batch"),
			)
			continue
		}
		sel.Units = append(sel.Units, unit)
	}
	if len(sel.Units) == 0 {
		return sel, services.Wrap(services.ErrNoValidUnits, "batching", "select",
			fmt.Sprintf("all %d selected units were skipped", len(sel.Skipped)), nil)
	}
	s.logger.Info("units selected",
		logging.Int("selected", len(sel.Units)),
		logging.Int("skipped", len(sel.Skipped)),
		logging.Int("available", available),
		logging.Bool("forced", sel.Forced),
	)
	return sel, nil
}

func (s *Selector) skipReason(unit *store.Unit) string {
	if strings.TrimSpace(unit.ArtifactPath) == "" {
		return "no artifact path recorded"
	}
	info, err := os.Stat(unit.ArtifactPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "artifact file missing"
	case err != nil:
		return fmt.Sprintf("artifact unreadable: %v", err)
	case !info.Mode().IsRegular():
		return "artifact is not a regular file"
	case s.maxArtifactBytes > 0 && info.Size() > s.maxArtifactBytes:
		return fmt.Sprintf("artifact is %s, limit %s",
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(s.maxArtifactBytes)))
	}
	return ""
}
