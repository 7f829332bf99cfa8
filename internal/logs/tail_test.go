package logs_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chorus/internal/logs"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chorus.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestTailLastLines(t *testing.T) {
	path := writeLog(t, "a\nb\nc\n")

	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "b" || result.Lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", result.Lines)
	}
	if result.Offset != 6 {
		t.Fatalf("expected offset at end of file, got %d", result.Offset)
	}
}

func TestTailMissingFile(t *testing.T) {
	result, err := logs.Tail(context.Background(), filepath.Join(t.TempDir(), "none.log"), logs.TailOptions{Offset: -1, Limit: 5})
	if err != nil {
		t.Fatalf("tail missing file: %v", err)
	}
	if len(result.Lines) != 0 || result.Offset != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestTailFilter(t *testing.T) {
	lines := []string{
		`{"ts":"2026-01-01T00:00:00Z","level":"info","msg":"started","component":"daemon"}`,
		`{"ts":"2026-01-01T00:00:01Z","level":"warn","msg":"slow","component":"export","batch_id":"b1"}`,
		`{"ts":"2026-01-01T00:00:02Z","level":"error","msg":"upload failed","component":"export","batch_id":"b2"}`,
		`plain text line`,
	}
	path := writeLog(t, strings.Join(lines, "\n")+"\n")

	tail := func(filter logs.Filter) []string {
		t.Helper()
		res, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: 0, Filter: filter})
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
		return res.Lines
	}

	if got := tail(logs.Filter{}); len(got) != 4 {
		t.Fatalf("empty filter should pass every line, got %d", len(got))
	}
	if got := tail(logs.Filter{Component: "export"}); len(got) != 2 {
		t.Fatalf("component filter: got %#v", got)
	}
	if got := tail(logs.Filter{MinLevel: slog.LevelError}); len(got) != 1 || !strings.Contains(got[0], "upload failed") {
		t.Fatalf("level filter: got %#v", got)
	}
	if got := tail(logs.Filter{BatchID: "b1"}); len(got) != 1 || !strings.Contains(got[0], "slow") {
		t.Fatalf("batch filter: got %#v", got)
	}
}

func TestTailFollowWaits(t *testing.T) {
	path := writeLog(t, "start\n")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	result, err := logs.Tail(ctx, path, logs.TailOptions{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("initial tail: %v", err)
	}
	if len(result.Lines) != 1 {
		t.Fatalf("expected initial line, got %#v", result.Lines)
	}

	done := make(chan struct{})
	go func(offset int64) {
		defer close(done)
		res, err := logs.Tail(ctx, path, logs.TailOptions{Offset: offset, Follow: true, Wait: 5 * time.Second})
		if err != nil {
			t.Errorf("follow tail error: %v", err)
		}
		if len(res.Lines) != 1 || res.Lines[0] != "later" {
			t.Errorf("unexpected follow lines: %#v", res.Lines)
		}
	}(result.Offset)

	time.Sleep(200 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("later\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	_ = f.Close()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tail follow did not return")
	}
}
