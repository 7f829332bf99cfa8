package logging

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// formatValueForKey renders *_bytes counters in IEC units and everything
// else through formatValue.
func formatValueForKey(key string, v slog.Value) string {
	v = v.Resolve()
	if strings.HasSuffix(key, "_bytes") {
		switch {
		case v.Kind() == slog.KindInt64 && v.Int64() >= 0:
			return humanize.IBytes(uint64(v.Int64()))
		case v.Kind() == slog.KindUint64:
			return humanize.IBytes(v.Uint64())
		}
	}
	return formatValue(v)
}

// attrString is the unquoted form used for subject fields.
func attrString(v slog.Value) string {
	v = v.Resolve()
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	}
	return rawValue(v)
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindBool, slog.KindInt64, slog.KindUint64, slog.KindFloat64, slog.KindDuration:
		return rawValue(v)
	default:
		return quoteIfNeeded(attrString(v))
	}
}

func rawValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindTime:
		return formatTimestamp(v.Time())
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}
