package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"chorus/internal/config"
	"chorus/internal/daemon"
	"chorus/internal/logging"
	"chorus/internal/logs"
	"chorus/internal/preflight"
	"chorus/internal/services/objectstore"
	"chorus/internal/store"
	"chorus/internal/tasks"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the chorus daemon runtime loop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("chorus-%s.log", runID))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout"},
		RecordPaths: []string{logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update daemon.log link: %v\n", err)
	}
	logging.PruneRunLogs(logger, cfg.Paths.LogDir, "chorus-*.log", logPath, cfg.Logging.RetentionDays)
	logConfigSnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.Paths.DataDir, "chorus.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	var client objectstore.Client
	if cfg.RemoteEnabled() {
		minioClient, err := objectstore.New(cfg.Remote)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		client = minioClient
	}

	if failed := preflight.Failed(preflight.RunAll(signalCtx, cfg, client)); len(failed) > 0 {
		for _, detail := range failed {
			logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
				logging.String("check", detail),
				logging.String(logging.FieldErrorHint, "fix directory permissions or object store settings"),
			)
		}
		return fmt.Errorf("preflight failed: %s", strings.Join(failed, "; "))
	}

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open record store", logging.Error(err))
		return err
	}

	runner := tasks.NewRunner(cfg, st, logger)
	components, err := daemon.NewComponents(cfg, st, runner, client, logger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("build components: %w", err)
	}
	d, err := daemon.New(cfg, st, logger, runner, components)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lock file and api_bind address"),
			logging.String(logging.FieldImpact, "no batches will be processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("chorus daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := logs.CurrentPath(logDir)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []logging.Attr{
		logging.EventType("config_snapshot"),
		logging.String("storage", cfg.Export.Storage),
		logging.String("database", cfg.DatabasePath()),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.Bool("api_token_present", strings.TrimSpace(cfg.Paths.APIToken) != ""),
		logging.Int("workers", cfg.Workflow.Workers),
		logging.Int("max_units", cfg.Export.MaxUnits),
		logging.String("max_artifact_size", humanize.IBytes(uint64(max(cfg.Export.MaxArtifactBytes, 0)))),
		logging.Int("schedule_interval_minutes", cfg.Export.ScheduleIntervalMinutes),
		logging.Bool("quota_enabled", cfg.Quota.Enabled),
	}
	if cfg.RemoteEnabled() {
		attrs = append(attrs,
			logging.String("remote_endpoint", cfg.Remote.Endpoint),
			logging.String("remote_bucket", cfg.Remote.Bucket),
			logging.Bool("server_side_encryption", cfg.Remote.ServerSideEncrypt),
		)
	}
	logger.Info("daemon configuration", logging.Args(attrs...)...)
}
