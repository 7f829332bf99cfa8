package services

import "context"

type contextKey string

const (
	batchIDKey   contextKey = "batch_id"
	unitIDKey    contextKey = "unit_id"
	taskIDKey    contextKey = "task_id"
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

// WithBatchID annotates context with the export batch identifier.
func WithBatchID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, batchIDKey, id)
}

// BatchIDFromContext returns the batch identifier if present.
func BatchIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(batchIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithUnitID annotates context with the unit identifier.
func WithUnitID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, unitIDKey, id)
}

// UnitIDFromContext extracts the unit identifier if present.
func UnitIDFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(unitIDKey)
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	default:
		return 0, false
	}
}

// WithTaskID annotates context with the background task identifier.
func WithTaskID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskIDFromContext returns the task identifier if present.
func TaskIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(taskIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithUserID annotates context with the calling user.
func WithUserID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext returns the calling user if present.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(userIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
