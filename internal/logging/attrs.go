package logging

import (
	"context"
	"log/slog"
	"time"
)

type (
	Attr  = slog.Attr
	Value = slog.Value
)

func Any(key string, value any) Attr                { return slog.Any(key, value) }
func Bool(key string, value bool) Attr              { return slog.Bool(key, value) }
func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }
func Float64(key string, value float64) Attr        { return slog.Float64(key, value) }
func Int(key string, value int) Attr                { return slog.Int(key, value) }
func Int64(key string, value int64) Attr            { return slog.Int64(key, value) }
func String(key string, value string) Attr          { return slog.String(key, value) }
func Alert(value string) Attr                       { return slog.String(FieldAlert, value) }
func BatchID(id string) Attr                        { return slog.String(FieldBatchID, id) }
func UnitID(id int64) Attr                          { return slog.Int64(FieldUnitID, id) }
func TaskID(id string) Attr                         { return slog.String(FieldTaskID, id) }
func EventType(kind string) Attr                    { return slog.String(FieldEventType, kind) }

// Error renders a nil error as "<nil>" so the key is never dropped.
func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// Args converts attributes to the variadic form slog.Logger methods accept.
func Args(attrs ...Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}

func NewNop() *slog.Logger {
	return slog.New(NoopHandler{})
}

// NewComponentLogger tags logger with the component key. A nil logger
// yields a no-op base.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// HasAttrKey reports whether any attribute in attrs uses key.
func HasAttrKey(attrs []Attr, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

type fieldDefault struct {
	key   string
	value string
}

func withDefaults(attrs []Attr, defaults ...fieldDefault) []Attr {
	for _, d := range defaults {
		if !HasAttrKey(attrs, d.key) {
			attrs = append(attrs, String(d.key, d.value))
		}
	}
	return attrs
}

const defaultErrorHint = "check the daemon log for details"

// WarnWithContext logs a warning that always carries event_type, error_hint
// and impact. Missing fields are filled with defaults.
func WarnWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	if logger == nil {
		return
	}
	attrs = withDefaults(attrs,
		fieldDefault{FieldEventType, eventType},
		fieldDefault{FieldErrorHint, defaultErrorHint},
		fieldDefault{FieldImpact, "the operation continued in a degraded state"},
	)
	logger.Warn(msg, Args(attrs...)...)
}

// ErrorWithContext is WarnWithContext at error level without the impact default.
func ErrorWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	if logger == nil {
		return
	}
	attrs = withDefaults(attrs,
		fieldDefault{FieldEventType, eventType},
		fieldDefault{FieldErrorHint, defaultErrorHint},
	)
	logger.Error(msg, Args(attrs...)...)
}

// NoopHandler discards every record.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h NoopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h NoopHandler) WithGroup(string) slog.Handler           { return h }
