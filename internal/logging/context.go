package logging

import (
	"context"
	"log/slog"

	"chorus/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldBatchID is the standardized structured logging key for export batch identifiers.
	FieldBatchID = "batch_id"
	// FieldUnitID is the standardized structured logging key for unit identifiers.
	FieldUnitID = "unit_id"
	// FieldTaskID is the standardized structured logging key for background task identifiers.
	FieldTaskID = "task_id"
	// FieldUserID is the standardized structured logging key for the calling user.
	FieldUserID = "user_id"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering (e.g. "quota_warning").
	FieldEventType = "event_type"
	// FieldErrorHint carries the suggested next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 5)
	if id, ok := services.BatchIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldBatchID, id))
	}
	if id, ok := services.UnitIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldUnitID, id))
	}
	if id, ok := services.TaskIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldTaskID, id))
	}
	if id, ok := services.UserIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldUserID, id))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
