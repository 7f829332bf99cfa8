package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chorus/internal/logging"
	"chorus/internal/services"
)

func TestRecordPathsAlwaysGetJSON(t *testing.T) {
	dir := t.TempDir()
	consolePath := filepath.Join(dir, "console.log")
	recordPath := filepath.Join(dir, "chorus-run.log")
	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "info",
		OutputPaths: []string{consolePath},
		RecordPaths: []string{recordPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.NewComponentLogger(logger, "batching").Warn("batch rejected", logging.BatchID("b-1"))

	console, err := os.ReadFile(consolePath)
	if err != nil {
		t.Fatalf("read console log: %v", err)
	}
	if !strings.Contains(string(console), "[batching]") || strings.HasPrefix(string(console), "{") {
		t.Fatalf("expected console rendering, got %q", console)
	}

	raw, err := os.ReadFile(recordPath)
	if err != nil {
		t.Fatalf("read record log: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &record); err != nil {
		t.Fatalf("record log is not JSON: %v (%q)", err, raw)
	}
	if record["level"] != "warn" || record[logging.FieldComponent] != "batching" || record[logging.FieldBatchID] != "b-1" {
		t.Fatalf("unexpected record %v", record)
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("expected ts key in %v", record)
	}
}

func TestPruneRunLogsKeepsCurrentAndRecent(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "chorus-20250101T000000.000Z.log")
	current := filepath.Join(dir, "chorus-20260101T000000.000Z.log")
	recent := filepath.Join(dir, "chorus-20260102T000000.000Z.log")
	unrelated := filepath.Join(dir, "notes.txt")
	for _, path := range []string{old, current, recent, unrelated} {
		if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	stale := time.Now().AddDate(0, 0, -30)
	for _, path := range []string{old, current, unrelated} {
		if err := os.Chtimes(path, stale, stale); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	if removed := logging.PruneRunLogs(logging.NewNop(), dir, "chorus-*.log", current, 14); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed, stat err %v", old, err)
	}
	for _, path := range []string{current, recent, unrelated} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s kept: %v", path, err)
		}
	}
	if removed := logging.PruneRunLogs(logging.NewNop(), dir, "chorus-*.log", "", 0); removed != 0 {
		t.Fatalf("retention 0 should keep everything, removed %d", removed)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestConsoleLoggerFormatsSubjectAndBytes(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithBatchID(context.Background(), "0f8c2a9e-1111-2222-3333-444455556666")
	component := logging.NewComponentLogger(logger, "archive")
	logging.WithContext(ctx, component).Info("archive written", logging.Int64("archive_bytes", 2048))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(content)
	for _, want := range []string{"[archive]", "Batch 0f8c2a9e", "archive written", "archive_bytes=2.0 KiB"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "level.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "invalid", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("visible")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), "hidden") || !strings.Contains(string(content), "visible") {
		t.Fatalf("expected info level filtering, got %q", content)
	}
}

func TestWithContextAddsFields(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithUnitID(ctx, 123)
	ctx = services.WithTaskID(ctx, "task-1")
	ctx = services.WithRequestID(ctx, "req-xyz")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logging.WithContext(ctx, logger).Info("contextual log")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if got := record[logging.FieldUnitID]; got != float64(123) {
		t.Fatalf("unit_id = %v, want 123", got)
	}
	if got := record[logging.FieldTaskID]; got != "task-1" {
		t.Fatalf("task_id = %v, want task-1", got)
	}
	if got := record[logging.FieldCorrelationID]; got != "req-xyz" {
		t.Fatalf("correlation_id = %v, want req-xyz", got)
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logging.WarnWithContext(logger, "quota nearing limit", "quota_warning", logging.String(logging.FieldErrorHint, "raise the limit"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record[logging.FieldEventType] != "quota_warning" {
		t.Fatalf("unexpected event_type %v", record[logging.FieldEventType])
	}
	if record[logging.FieldErrorHint] != "raise the limit" {
		t.Fatalf("expected caller hint preserved, got %v", record[logging.FieldErrorHint])
	}
	if record[logging.FieldImpact] == nil {
		t.Fatal("expected default impact field")
	}
}

func TestErrorWithContextKeepsDomainFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logging.ErrorWithContext(logger, "archive build failed", "archive_failed",
		logging.BatchID("batch-7"),
		logging.UnitID(42),
		logging.Error(nil),
	)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record[logging.FieldBatchID] != "batch-7" {
		t.Fatalf("batch_id = %v", record[logging.FieldBatchID])
	}
	if record[logging.FieldUnitID] != float64(42) {
		t.Fatalf("unit_id = %v", record[logging.FieldUnitID])
	}
	if record["error"] != "<nil>" {
		t.Fatalf("error = %v", record["error"])
	}
	if record[logging.FieldErrorHint] == nil {
		t.Fatal("expected default error_hint")
	}
	if _, ok := record[logging.FieldImpact]; ok {
		t.Fatal("error records should not get a default impact")
	}
}
