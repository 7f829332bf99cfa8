// Package quota guards the metered object-storage free tier.
//
// Class A (write) and class B (read) operations are counted per UTC calendar
// month; stored bytes are a lifetime counter. Checks run before remote work
// begins; counters move only after the operation succeeded.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/services"
)

// Metric names stored in the usage counters table.
const (
	MetricClassA       = "class_a"
	MetricClassB       = "class_b"
	MetricStorageBytes = "storage_bytes"

	lifetimePeriod = "lifetime"
	monthLayout    = "2006-01"
)

// Levels reported by Status.
const (
	LevelOK       = "ok"
	LevelWarning  = "warning"
	LevelCritical = "critical"
	LevelExceeded = "exceeded"
)

// Counters is the usage store the guard reads and increments.
type Counters interface {
	Usage(ctx context.Context, metric, period string) (int64, error)
	IncrementUsage(ctx context.Context, metric, period string, delta int64) error
}

// Usage is one metered counter compared to its limit.
type Usage struct {
	Metric string  `json:"metric"`
	Period string  `json:"period"`
	Used   int64   `json:"used"`
	Limit  int64   `json:"limit"`
	Ratio  float64 `json:"ratio"`
	Level  string  `json:"level"`
}

// Status is a snapshot of all metered counters.
type Status struct {
	Enabled bool    `json:"enabled"`
	Month   string  `json:"month"`
	Metrics []Usage `json:"metrics"`
}

// Guard enforces the configured limits.
type Guard struct {
	counters Counters
	cfg      config.Quota
	logger   *slog.Logger
	now      func() time.Time
}

// NewGuard builds a guard over counters.
func NewGuard(cfg *config.Config, counters Counters, logger *slog.Logger) *Guard {
	return &Guard{
		counters: counters,
		cfg:      cfg.Quota,
		logger:   logging.NewComponentLogger(logger, "quota"),
		now:      time.Now,
	}
}

// SetClock overrides the clock used to pick the monthly period.
func (g *Guard) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

func (g *Guard) month() string {
	return g.now().UTC().Format(monthLayout)
}

// CheckUpload gates remote batch creation on class A operations and stored bytes.
func (g *Guard) CheckUpload(ctx context.Context) error {
	return g.check(ctx, "upload", MetricClassA, MetricStorageBytes)
}

// CheckDownload gates presigned URL issuance on class B operations.
func (g *Guard) CheckDownload(ctx context.Context) error {
	return g.check(ctx, "download", MetricClassB)
}

func (g *Guard) check(ctx context.Context, operation string, metrics ...string) error {
	if !g.cfg.Enabled {
		return nil
	}
	for _, metric := range metrics {
		usage, err := g.read(ctx, metric)
		if err != nil {
			if g.cfg.FailOpen {
				logging.WarnWithContext(g.logger, "quota counters unavailable; allowing operation", "quota_fail_open",
					logging.String("operation", operation),
					logging.String("metric", metric),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check the database; usage is not being enforced"),
					logging.String(logging.FieldImpact, "free-tier overage is possible"),
				)
				continue
			}
			return services.Wrap(services.ErrTransient, "quota", operation, "usage counters unavailable", err)
		}
		switch usage.Level {
		case LevelExceeded:
			g.logger.Error("quota exhausted",
				logging.String("metric", metric),
				logging.Int64("used", usage.Used),
				logging.Int64("limit", usage.Limit),
				logging.EventType("quota_exceeded"),
				logging.String(logging.FieldErrorHint, "wait for the monthly reset or raise the configured limit"),
			)
			return &services.QuotaExceededError{Metric: metric, Used: usage.Used, Limit: usage.Limit}
		case LevelWarning, LevelCritical:
			logging.WarnWithContext(g.logger, "quota usage high", "quota_warning",
				logging.String("metric", metric),
				logging.Int64("used", usage.Used),
				logging.Int64("limit", usage.Limit),
				logging.String("usage", fmt.Sprintf("%.1f%%", usage.Ratio*100)),
				logging.String(logging.FieldErrorHint, "reduce export frequency or raise the configured limit"),
				logging.String(logging.FieldImpact, "exports will be blocked at the limit"),
			)
		}
	}
	return nil
}

// RecordUpload counts one successful upload of size bytes.
func (g *Guard) RecordUpload(ctx context.Context, size int64) error {
	month := g.month()
	if err := g.counters.IncrementUsage(ctx, MetricClassA, month, 1); err != nil {
		return services.Wrap(services.ErrTransient, "quota", "record upload", "", err)
	}
	if size > 0 {
		if err := g.counters.IncrementUsage(ctx, MetricStorageBytes, lifetimePeriod, size); err != nil {
			return services.Wrap(services.ErrTransient, "quota", "record upload", "", err)
		}
	}
	g.logger.Debug("upload recorded", logging.Int64("archive_bytes", size))
	return nil
}

// RecordDownload counts one issued remote download.
func (g *Guard) RecordDownload(ctx context.Context) error {
	if err := g.counters.IncrementUsage(ctx, MetricClassB, g.month(), 1); err != nil {
		return services.Wrap(services.ErrTransient, "quota", "record download", "", err)
	}
	return nil
}

// Status reads every metered counter.
func (g *Guard) Status(ctx context.Context) (Status, error) {
	status := Status{Enabled: g.cfg.Enabled, Month: g.month()}
	for _, metric := range []string{MetricClassA, MetricClassB, MetricStorageBytes} {
		usage, err := g.read(ctx, metric)
		if err != nil {
			return Status{}, services.Wrap(services.ErrTransient, "quota", "status", "", err)
		}
		status.Metrics = append(status.Metrics, usage)
	}
	return status, nil
}

func (g *Guard) read(ctx context.Context, metric string) (Usage, error) {
	period := g.month()
	limit := g.cfg.ClassALimit
	switch metric {
	case MetricClassB:
		limit = g.cfg.ClassBLimit
	case MetricStorageBytes:
		limit = g.cfg.StorageLimitBytes
		period = lifetimePeriod
	}
	used, err := g.counters.Usage(ctx, metric, period)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Metric: metric, Period: period, Used: used, Limit: limit}
	if limit > 0 {
		u.Ratio = float64(used) / float64(limit)
	}
	u.Level = g.level(u)
	return u, nil
}

func (g *Guard) level(u Usage) string {
	switch {
	case u.Limit <= 0:
		return LevelOK
	case u.Used >= u.Limit:
		return LevelExceeded
	case u.Ratio >= g.cfg.CriticalRatio:
		return LevelCritical
	case u.Ratio >= g.cfg.WarningRatio:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Describe renders a usage value for humans.
func Describe(u Usage) string {
	if u.Metric == MetricStorageBytes {
		return fmt.Sprintf("%s / %s", humanize.IBytes(uint64(max(u.Used, 0))), humanize.IBytes(uint64(max(u.Limit, 0))))
	}
	return fmt.Sprintf("%s / %s", humanize.Comma(u.Used), humanize.Comma(u.Limit))
}
