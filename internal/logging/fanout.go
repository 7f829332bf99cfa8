package logging

import (
	"context"
	"errors"
	"log/slog"
)

// fanout delivers each record to every handler that accepts its level.
type fanout []slog.Handler

func newFanoutHandler(handlers ...slog.Handler) slog.Handler {
	switch len(handlers) {
	case 0:
		return NoopHandler{}
	case 1:
		return handlers[0]
	}
	return fanout(handlers)
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(fn func(slog.Handler) slog.Handler) fanout {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = fn(h)
	}
	return next
}
