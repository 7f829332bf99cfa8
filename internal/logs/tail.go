package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chorus/internal/logging"
)

const (
	// CurrentLog is the pointer the daemon keeps at its active run log.
	CurrentLog = "daemon.log"

	pollInterval = 250 * time.Millisecond
	maxLineBytes = 1024 * 1024
)

// Filter selects JSON log lines. Lines that are not JSON only pass an empty
// filter. A nil MinLevel accepts every level.
type Filter struct {
	MinLevel  slog.Leveler
	Component string
	BatchID   string
}

func (f Filter) empty() bool {
	return f.MinLevel == nil && f.Component == "" && f.BatchID == ""
}

// Match reports whether line passes the filter.
func (f Filter) Match(line string) bool {
	if f.empty() {
		return true
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return false
	}
	if level, ok := entry["level"].(string); ok && f.MinLevel != nil {
		var lvl slog.Level
		if lvl.UnmarshalText([]byte(level)) == nil && lvl < f.MinLevel.Level() {
			return false
		}
	}
	if f.Component != "" && !strings.EqualFold(fmt.Sprint(entry[logging.FieldComponent]), f.Component) {
		return false
	}
	if f.BatchID != "" && fmt.Sprint(entry[logging.FieldBatchID]) != f.BatchID {
		return false
	}
	return true
}

// TailOptions controls a Tail call. A negative Offset returns the last Limit
// lines; otherwise reading starts at Offset. With Follow set, Tail waits up
// to Wait for new lines when none are available.
type TailOptions struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
	Filter Filter
}

// TailResult carries the matched lines and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// CurrentPath returns the active daemon log inside logDir.
func CurrentPath(logDir string) string {
	return filepath.Join(logDir, CurrentLog)
}

// Tail reads lines from path according to opts. A missing file yields an
// empty result.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return TailResult{}, nil
	}
	if err != nil {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}
	opts.Wait = max(opts.Wait, 0)

	var result TailResult
	if opts.Offset < 0 {
		result, err = lastLines(path, opts.Limit, opts.Filter)
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			offset = info.Size()
		}
		result, err = readFrom(path, offset, opts.Filter)
	}
	if err != nil {
		return result, err
	}
	if opts.Follow && opts.Wait > 0 && len(result.Lines) == 0 {
		return waitForLines(ctx, path, result.Offset, opts.Wait, opts.Filter)
	}
	return result, nil
}

func lastLines(path string, limit int, filter Filter) (TailResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return TailResult{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return TailResult{}, fmt.Errorf("seek log file: %w", err)
		}
		return TailResult{Offset: end}, nil
	}

	ring := make([]string, limit)
	count, next := 0, 0
	end, err := scan(file, filter, func(line string) {
		ring[next] = line
		next = (next + 1) % limit
		count = min(count+1, limit)
	})
	if err != nil {
		return TailResult{}, err
	}

	lines := make([]string, count)
	start := 0
	if count == limit {
		start = next
	}
	for i := range count {
		lines[i] = ring[(start+i)%limit]
	}
	return TailResult{Lines: lines, Offset: end}, nil
}

func readFrom(path string, offset int64, filter Filter) (TailResult, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return TailResult{}, nil
	}
	if err != nil {
		return TailResult{Offset: offset}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return TailResult{Offset: offset}, fmt.Errorf("seek log file: %w", err)
	}
	var lines []string
	end, err := scan(file, filter, func(line string) { lines = append(lines, line) })
	if err != nil {
		return TailResult{Offset: offset}, err
	}
	return TailResult{Lines: lines, Offset: end}, nil
}

// scan feeds matching lines to fn and returns the file position afterwards.
func scan(file *os.File, filter Filter, fn func(string)) (int64, error) {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if line := scanner.Text(); filter.Match(line) {
			fn(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read log file: %w", err)
	}
	end, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("determine log offset: %w", err)
	}
	return end, nil
}

func waitForLines(ctx context.Context, path string, offset int64, wait time.Duration, filter Filter) (TailResult, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		result, err := readFrom(path, offset, filter)
		if err != nil {
			return result, err
		}
		offset = result.Offset
		if len(result.Lines) > 0 || time.Now().After(deadline) {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return TailResult{Offset: offset}, ctx.Err()
		case <-ticker.C:
		}
	}
}
