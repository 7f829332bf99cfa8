package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"chorus/internal/alerts"
	"chorus/internal/config"
	"chorus/internal/consensus"
	"chorus/internal/downloads"
	"chorus/internal/export"
	"chorus/internal/logging"
	"chorus/internal/quota"
	"chorus/internal/roles"
	"chorus/internal/store"
	"chorus/internal/tasks"
)

// Workers is the background task pool driven by the daemon lifecycle.
type Workers interface {
	tasks.Scheduler
	Start(ctx context.Context) error
	Stop()
	Running() bool
	LastError() error
}

// Components groups the services the API routes to.
type Components struct {
	Consensus *consensus.Engine
	Export    *export.Service
	Downloads *downloads.Gate
	Guard     *quota.Guard
	Alerts    *alerts.Monitor
	Roles     *roles.Table
}

func (c Components) validate() error {
	switch {
	case c.Consensus == nil:
		return errors.New("consensus engine is required")
	case c.Export == nil:
		return errors.New("export service is required")
	case c.Downloads == nil:
		return errors.New("download gate is required")
	case c.Guard == nil:
		return errors.New("quota guard is required")
	case c.Alerts == nil:
		return errors.New("alert monitor is required")
	case c.Roles == nil:
		return errors.New("role table is required")
	}
	return nil
}

// Daemon coordinates the background processing services and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	workers Workers
	comp    Components

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool
	PID            int
	DatabasePath   string
	LockFilePath   string
	Storage        string
	WorkersRunning bool
	LastError      string
	Stats          store.Stats
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, workers Workers, comp Components) (*Daemon, error) {
	if cfg == nil || st == nil || logger == nil || workers == nil {
		return nil, errors.New("daemon requires config, store, logger, and task workers")
	}
	if err := comp.validate(); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "chorus.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		workers:  workers,
		comp:     comp,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the daemon lock and launches workers, timers, and the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another chorus daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.workers.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start workers: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.workers.Stop()
		d.abortStart()
		return err
	}

	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		d.comp.Alerts.Run(d.ctx)
	}()
	if minutes := d.cfg.Export.ScheduleIntervalMinutes; minutes > 0 {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.comp.Export.Schedule(d.ctx, time.Duration(minutes)*time.Minute)
		}()
	}

	d.running.Store(true)
	d.logger.Info("chorus daemon started",
		logging.String("lock", d.lockPath),
		logging.String("storage", d.cfg.Export.Storage),
	)
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.loops.Wait()
	d.workers.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("chorus daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Handler returns the API handler, including auth and request-id middleware.
func (d *Daemon) Handler() http.Handler {
	return d.api.handler()
}

// Address reports the API listener address once started.
func (d *Daemon) Address() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	status := Status{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		DatabasePath:   d.cfg.DatabasePath(),
		LockFilePath:   d.lockPath,
		Storage:        d.cfg.Export.Storage,
		WorkersRunning: d.workers.Running(),
	}
	if err := d.workers.LastError(); err != nil {
		status.LastError = err.Error()
	}
	stats, err := d.store.Stats(ctx, d.cfg.Consensus.ReviewFailureThreshold)
	if err != nil {
		return status, fmt.Errorf("collect stats: %w", err)
	}
	status.Stats = stats
	return status, nil
}
