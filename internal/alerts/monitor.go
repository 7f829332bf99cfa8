// Package alerts evaluates operational thresholds on a timer and keeps a
// short-retention history of the alerts it raised.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chorus/internal/config"
	"chorus/internal/consensus"
	"chorus/internal/logging"
	"chorus/internal/quota"
	"chorus/internal/store"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Monitor checks batch failures, export backlog, consensus failure rate and
// quota usage.
type Monitor struct {
	store           *store.Store
	guard           *quota.Guard
	cfg             config.Alerts
	reviewThreshold int
	logger          *slog.Logger
	now             func() time.Time
}

// NewMonitor builds a monitor. guard may be nil to skip quota checks.
func NewMonitor(cfg *config.Config, st *store.Store, guard *quota.Guard, logger *slog.Logger) *Monitor {
	if !cfg.Quota.Enabled || !cfg.RemoteEnabled() {
		guard = nil
	}
	return &Monitor{
		store:           st,
		guard:           guard,
		cfg:             cfg.Alerts,
		reviewThreshold: cfg.Consensus.ReviewFailureThreshold,
		logger:          logging.NewComponentLogger(logger, "alerts"),
		now:             time.Now,
	}
}

// SetClock overrides the monitor clock.
func (m *Monitor) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Run evaluates on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Evaluate(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("alert evaluation failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Evaluate runs every check once, stores alerts not suppressed by the
// cooldown, prunes old entries and returns the stored alerts.
func (m *Monitor) Evaluate(ctx context.Context) ([]*store.Alert, error) {
	now := m.now().UTC()
	var candidates []*store.Alert

	failures, err := m.store.ConsecutiveBatchFailures(ctx)
	if err != nil {
		return nil, err
	}
	if limit := m.cfg.ConsecutiveFailures; limit > 0 && failures >= limit {
		candidates = append(candidates, &store.Alert{
			Severity:        SeverityCritical,
			Title:           "Repeated batch failures",
			Component:       "export",
			Message:         fmt.Sprintf("%d consecutive export batches failed", failures),
			Metrics:         map[string]float64{"consecutive_failures": float64(failures), "threshold": float64(limit)},
			SuggestedAction: "inspect failed batches with `chorus batch list --status failed` and check storage connectivity",
		})
	}

	stats, err := m.store.Stats(ctx, m.reviewThreshold)
	if err != nil {
		return nil, err
	}
	if limit := m.cfg.BacklogThreshold; limit > 0 && stats.Backlog > limit {
		candidates = append(candidates, &store.Alert{
			Severity:        SeverityWarning,
			Title:           "Export backlog",
			Component:       "batching",
			Message:         fmt.Sprintf("%d ready units are waiting for export", stats.Backlog),
			Metrics:         map[string]float64{"backlog": float64(stats.Backlog), "threshold": float64(limit)},
			SuggestedAction: "create an export batch or shorten export.schedule_interval_minutes",
		})
	}

	if alert, err := m.consensusRate(ctx, now); err != nil {
		return nil, err
	} else if alert != nil {
		candidates = append(candidates, alert)
	}

	if m.guard != nil {
		status, err := m.guard.Status(ctx)
		if err != nil {
			m.logger.Warn("quota status unavailable", logging.Error(err))
		} else {
			candidates = append(candidates, quotaAlerts(status)...)
		}
	}

	var raised []*store.Alert
	for _, alert := range candidates {
		stored, err := m.raise(ctx, alert, now)
		if err != nil {
			return raised, err
		}
		if stored {
			raised = append(raised, alert)
		}
	}

	if err := m.prune(ctx, now); err != nil {
		m.logger.Warn("alert prune failed", logging.Error(err))
	}
	return raised, nil
}

func (m *Monitor) consensusRate(ctx context.Context, now time.Time) (*store.Alert, error) {
	period := consensus.Period(now)
	evaluated, err := m.store.Usage(ctx, consensus.MetricEvaluated, period)
	if err != nil {
		return nil, err
	}
	failed, err := m.store.Usage(ctx, consensus.MetricFailed, period)
	if err != nil {
		return nil, err
	}
	if evaluated == 0 || evaluated < int64(m.cfg.MinConsensusSamples) {
		return nil, nil
	}
	rate := float64(failed) / float64(evaluated)
	if rate <= m.cfg.ConsensusFailureRate {
		return nil, nil
	}
	return &store.Alert{
		Severity:  SeverityWarning,
		Title:     "High consensus failure rate",
		Component: "consensus",
		Message:   fmt.Sprintf("%.1f%% of %d consensus evaluations today required review", rate*100, evaluated),
		Metrics: map[string]float64{
			"failure_rate": rate,
			"evaluated":    float64(evaluated),
			"failed":       float64(failed),
			"threshold":    m.cfg.ConsensusFailureRate,
		},
		SuggestedAction: "review recent candidate submissions and the review queue",
	}, nil
}

func quotaAlerts(status quota.Status) []*store.Alert {
	var out []*store.Alert
	for _, u := range status.Metrics {
		severity := ""
		switch u.Level {
		case quota.LevelWarning:
			severity = SeverityWarning
		case quota.LevelCritical, quota.LevelExceeded:
			severity = SeverityCritical
		default:
			continue
		}
		out = append(out, &store.Alert{
			Severity:        severity,
			Title:           fmt.Sprintf("Quota %s %s", u.Metric, u.Level),
			Component:       "quota",
			Message:         fmt.Sprintf("%s usage at %.0f%% (%s)", u.Metric, u.Ratio*100, quota.Describe(u)),
			Metrics:         map[string]float64{"used": float64(u.Used), "limit": float64(u.Limit), "ratio": u.Ratio},
			SuggestedAction: "pause remote exports or raise the provider plan before the limit is reached",
		})
	}
	return out
}

func (m *Monitor) raise(ctx context.Context, alert *store.Alert, now time.Time) (bool, error) {
	if cooldown := time.Duration(m.cfg.CooldownMinutes) * time.Minute; cooldown > 0 {
		last, err := m.store.LastAlertAt(ctx, alert.Title)
		if err != nil {
			return false, err
		}
		if last != nil && now.Sub(*last) < cooldown {
			m.logger.Debug("alert suppressed by cooldown", logging.String("title", alert.Title))
			return false, nil
		}
	}
	alert.CreatedAt = now
	if err := m.store.InsertAlert(ctx, alert); err != nil {
		return false, err
	}
	attrs := []logging.Attr{
		logging.Alert(alert.Severity),
		logging.String("title", alert.Title),
		logging.String("alert_component", alert.Component),
		logging.String("suggested_action", alert.SuggestedAction),
	}
	for k, v := range alert.Metrics {
		attrs = append(attrs, logging.Float64(k, v))
	}
	if alert.Severity == SeverityCritical {
		logging.ErrorWithContext(m.logger, alert.Message, "alert_raised", attrs...)
	} else {
		logging.WarnWithContext(m.logger, alert.Message, "alert_raised", attrs...)
	}
	return true, nil
}

func (m *Monitor) prune(ctx context.Context, now time.Time) error {
	days := m.cfg.RetentionDays
	if days <= 0 {
		days = 7
	}
	removed, err := m.store.PruneAlerts(ctx, m.cfg.RetentionEntries, now.AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	if removed > 0 {
		m.logger.Debug("alerts pruned", logging.Int64("removed", removed))
	}
	return nil
}

// Recent returns stored alerts, newest first.
func (m *Monitor) Recent(ctx context.Context, limit int) ([]*store.Alert, error) {
	return m.store.ListAlerts(ctx, limit)
}
