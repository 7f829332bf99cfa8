package services

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrConfiguration     = errors.New("configuration error")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInsufficientUnits = errors.New("insufficient units")
	ErrNoValidUnits      = errors.New("no valid units")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrStorage           = errors.New("storage error")
	ErrLockContention    = errors.New("lock contention")
	ErrDownloadLimit     = errors.New("download limit reached")
	ErrTransient         = errors.New("transient failure")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsPermanent reports whether retrying the operation that produced err cannot
// succeed without outside intervention.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	for _, marker := range []error{
		ErrValidation,
		ErrConfiguration,
		ErrNotFound,
		ErrForbidden,
		ErrInsufficientUnits,
		ErrNoValidUnits,
		ErrQuotaExceeded,
		ErrDownloadLimit,
	} {
		if errors.Is(err, marker) {
			return true
		}
	}
	return false
}

// InsufficientUnitsError reports that fewer ready units exist than the caller's
// role requires.
type InsufficientUnitsError struct {
	Current  int
	Required int
}

func (e *InsufficientUnitsError) Error() string {
	return fmt.Sprintf("insufficient units: %d available, %d required", e.Current, e.Required)
}

func (e *InsufficientUnitsError) Unwrap() error { return ErrInsufficientUnits }

// QuotaExceededError reports which metered counter blocked the operation.
type QuotaExceededError struct {
	Metric string
	Used   int64
	Limit  int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s at %d of %d", e.Metric, e.Used, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// DownloadLimitError reports an exhausted per-user daily download allowance.
type DownloadLimitError struct {
	ResetTime      time.Time
	DownloadsToday int
	DailyLimit     int
}

func (e *DownloadLimitError) Error() string {
	return fmt.Sprintf("download limit reached: %d of %d used, resets at %s",
		e.DownloadsToday, e.DailyLimit, e.ResetTime.UTC().Format(time.RFC3339))
}

func (e *DownloadLimitError) Unwrap() error { return ErrDownloadLimit }

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
