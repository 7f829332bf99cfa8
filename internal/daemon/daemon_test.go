package daemon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"chorus/internal/api"
	"chorus/internal/daemon"
	"chorus/internal/logging"
	"chorus/internal/tasks"
	"chorus/internal/testsupport"
)

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	runner := tasks.NewRunner(cfg, store, logger)
	comp, err := daemon.NewComponents(cfg, store, runner, nil, logger)
	if err != nil {
		t.Fatalf("NewComponents: %v", err)
	}
	d, err := daemon.New(cfg, store, logger, runner, comp)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status, err := d.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || !status.WorkersRunning {
		t.Fatalf("expected daemon and workers running, got %+v", status)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	resp, err := http.Get("http://" + d.Address() + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", resp.StatusCode)
	}
	var payload api.Status
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !payload.Running || payload.Storage != cfg.Export.Storage {
		t.Fatalf("unexpected status payload: %+v", payload)
	}

	d.Stop()
	status, err = d.Status(ctx)
	if err != nil {
		t.Fatalf("Status after stop: %v", err)
	}
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
	if d.Address() != "" {
		t.Fatalf("expected listener closed, still at %s", d.Address())
	}
}

func TestDaemonSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()

	build := func() *daemon.Daemon {
		runner := tasks.NewRunner(cfg, store, logger)
		comp, err := daemon.NewComponents(cfg, store, runner, nil, logger)
		if err != nil {
			t.Fatalf("NewComponents: %v", err)
		}
		d, err := daemon.New(cfg, store, logger, runner, comp)
		if err != nil {
			t.Fatalf("daemon.New: %v", err)
		}
		t.Cleanup(d.Stop)
		return d
	}

	ctx := context.Background()
	first := build()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second := build()
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected second instance to be rejected by the lock")
	}

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start after release: %v", err)
	}
}

func TestNewRequiresComponents(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	runner := tasks.NewRunner(cfg, store, logging.NewNop())
	if _, err := daemon.New(cfg, store, logging.NewNop(), runner, daemon.Components{}); err == nil {
		t.Fatal("expected error for empty components")
	}
}
