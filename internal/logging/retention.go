package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// PruneRunLogs deletes files in dir matching pattern whose modification time
// is older than retentionDays. keep is never removed, and neither is anything
// when retentionDays <= 0. It returns the number of files removed.
func PruneRunLogs(logger *slog.Logger, dir, pattern, keep string, retentionDays int) int {
	if retentionDays <= 0 || dir == "" {
		return 0
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	keepAbs, _ := filepath.Abs(keep)

	removed := 0
	for _, path := range matches {
		if abs, _ := filepath.Abs(path); abs == keepAbs {
			continue
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "log retention could not remove file", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldImpact, "old run logs keep using disk space"),
			)
			continue
		}
		removed++
	}
	if removed > 0 && logger != nil {
		logger.Info("pruned old run logs", Int("removed", removed), Int("retention_days", retentionDays))
	}
	return removed
}
