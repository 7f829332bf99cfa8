package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler renders one line per record:
//
//	2026-03-01 10:00:00.000 WARN  [export] Batch 0f8c2a9e · Unit #12 | message key=value ...
type prettyHandler struct {
	mu        *sync.Mutex
	writer    io.Writer
	level     *slog.LevelVar
	attrs     []field
	group     string
	addSource bool
}

type field struct {
	key   string
	value slog.Value
}

func newPrettyHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return &prettyHandler{mu: &sync.Mutex{}, writer: w, level: lvl, addSource: addSource}
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, record slog.Record) error {
	fields := slices.Clone(h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		fields = appendFlattened(fields, h.group, attr)
		return true
	})
	fields = lastWins(fields)

	subject := map[string]string{}
	rest := fields[:0]
	for _, f := range fields {
		switch f.key {
		case FieldComponent, FieldBatchID, FieldUnitID, FieldTaskID:
			subject[f.key] = strings.TrimSpace(attrString(f.value))
		default:
			rest = append(rest, f)
		}
	}

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	b.WriteString(formatTimestamp(ts))
	b.WriteByte(' ')
	b.WriteString(levelLabel(record.Level))
	if c := subject[FieldComponent]; c != "" {
		b.WriteString(" [" + c + "]")
	}
	if s := composeSubject(subject[FieldBatchID], subject[FieldUnitID], subject[FieldTaskID]); s != "" {
		b.WriteString(" " + s)
	}
	b.WriteString(" | ")
	if msg := strings.TrimSpace(record.Message); msg != "" {
		b.WriteString(msg)
	} else {
		b.WriteString("(no message)")
	}
	for _, f := range rest {
		b.WriteString(" " + f.key + "=" + formatValueForKey(f.key, f.value))
	}
	if h.addSource {
		if src := record.Source(); src != nil {
			b.WriteString(" (" + filepath.Base(src.File) + ":" + strconv.Itoa(src.Line) + ")")
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func composeSubject(batchID, unitID, taskID string) string {
	parts := make([]string, 0, 3)
	if batchID != "" {
		parts = append(parts, "Batch "+shortID(batchID))
	}
	if unitID != "" {
		parts = append(parts, "Unit #"+unitID)
	}
	if taskID != "" {
		parts = append(parts, "Task "+shortID(taskID))
	}
	return strings.Join(parts, " · ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = slices.Clone(h.attrs)
	for _, attr := range attrs {
		next.attrs = appendFlattened(next.attrs, h.group, attr)
	}
	return &next
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = joinKey(h.group, name)
	return &next
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// appendFlattened expands groups into dotted keys.
func appendFlattened(dst []field, prefix string, attr slog.Attr) []field {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return dst
	}
	if attr.Value.Kind() == slog.KindGroup {
		next := prefix
		if attr.Key != "" {
			next = joinKey(prefix, attr.Key)
		}
		for _, member := range attr.Value.Group() {
			dst = appendFlattened(dst, next, member)
		}
		return dst
	}
	return append(dst, field{key: joinKey(prefix, attr.Key), value: attr.Value})
}

// lastWins drops earlier duplicates, keeping first-seen order.
func lastWins(fields []field) []field {
	index := make(map[string]int, len(fields))
	out := make([]field, 0, len(fields))
	for _, f := range fields {
		if f.key == "" {
			continue
		}
		if i, ok := index[f.key]; ok {
			out[i].value = f.value
			continue
		}
		index[f.key] = len(out)
		out = append(out, f)
	}
	return out
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN "
	case level >= slog.LevelInfo:
		return "INFO "
	default:
		return "DEBUG"
	}
}
