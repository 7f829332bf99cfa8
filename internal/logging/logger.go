package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Options describes logger construction parameters.
type Options struct {
	Level string
	// Format applies to OutputPaths: "console" (default) or "json".
	Format      string
	OutputPaths []string
	// RecordPaths always receive JSON lines, whatever Format says. The daemon
	// points this at its run log so `chorus logs` can filter it.
	RecordPaths []string
	Development bool
}

// New builds a logger that tees every record to the configured outputs.
func New(opts Options) (*slog.Logger, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(opts.Level))
	addSource := opts.Development || levelVar.Level() <= slog.LevelDebug

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}
	if format != "console" && format != "json" {
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	outputs := opts.OutputPaths
	if len(outputs) == 0 && len(opts.RecordPaths) == 0 {
		outputs = []string{"stdout"}
	}
	var handlers []slog.Handler
	if w, err := openWriters(outputs); err != nil {
		return nil, err
	} else if w != nil {
		if format == "json" {
			handlers = append(handlers, newJSONHandler(w, levelVar, addSource))
		} else {
			handlers = append(handlers, newPrettyHandler(w, levelVar, addSource))
		}
	}
	if w, err := openWriters(opts.RecordPaths); err != nil {
		return nil, err
	} else if w != nil {
		handlers = append(handlers, newJSONHandler(w, levelVar, addSource))
	}
	return slog.New(newFanoutHandler(handlers...)), nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openWriters returns nil when paths names no destination.
func openWriters(paths []string) (io.Writer, error) {
	targets := lo.Uniq(lo.FilterMap(paths, func(p string, _ int) (string, bool) {
		p = strings.TrimSpace(p)
		return p, p != ""
	}))

	writers := make([]io.Writer, 0, len(targets))
	for _, target := range targets {
		switch target {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, fmt.Errorf("ensure log dir for %s: %w", target, err)
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", target, err)
			}
			writers = append(writers, file)
		}
	}

	switch len(writers) {
	case 0:
		return nil, nil
	case 1:
		return writers[0], nil
	default:
		return io.MultiWriter(writers...), nil
	}
}

// newJSONHandler writes one object per line with "ts" in UTC and lowercase
// levels; logs.Filter depends on both.
func newJSONHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: addSource,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "ts"
				if attr.Value.Kind() == slog.KindTime {
					attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
			case slog.SourceKey:
				if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
					attr.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
				}
			}
			return attr
		},
	})
}
