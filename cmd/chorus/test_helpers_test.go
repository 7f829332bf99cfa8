package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chorus/internal/config"
	"chorus/internal/daemon"
	"chorus/internal/logging"
	"chorus/internal/store"
	"chorus/internal/tasks"
	"chorus/internal/testsupport"
)

// memoryWorkers runs the in-memory scheduler under the daemon lifecycle.
type memoryWorkers struct {
	*tasks.Memory
}

func (memoryWorkers) Start(context.Context) error { return nil }
func (memoryWorkers) Stop()                       {}
func (memoryWorkers) Running() bool               { return true }
func (memoryWorkers) LastError() error            { return nil }

type cliTestEnv struct {
	cfg        *config.Config
	store      *store.Store
	sched      *tasks.Memory
	daemon     *daemon.Daemon
	server     *httptest.Server
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	opts = append([]testsupport.ConfigOption{testsupport.WithRoleMinimum("contributor", 2)}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	base := testsupport.BaseDir(cfg)
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv(tokenEnv, "")

	st := testsupport.MustOpenStore(t, cfg)
	sched := tasks.NewMemory()
	logger := logging.NewNop()
	comp, err := daemon.NewComponents(cfg, st, sched, nil, logger)
	if err != nil {
		t.Fatalf("NewComponents: %v", err)
	}

	// The test server fronts the handler; the daemon itself binds nothing.
	cfg.Paths.APIBind = ""
	d, err := daemon.New(cfg, st, logger, memoryWorkers{sched}, comp)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	srv := httptest.NewServer(d.Handler())

	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg, srv.Listener.Addr().String())

	env := &cliTestEnv{
		cfg:        cfg,
		store:      st,
		sched:      sched,
		daemon:     d,
		server:     srv,
		configPath: configPath,
		baseDir:    base,
	}
	t.Cleanup(func() {
		srv.Close()
		d.Stop()
	})
	return env
}

func (e *cliTestEnv) seedReady(t *testing.T, n int) []*store.Unit {
	t.Helper()
	units := make([]*store.Unit, n)
	for i := range units {
		units[i] = testsupport.SeedReadyUnit(t, e.store, e.cfg, testsupport.UnitSpec{ArtifactBytes: 128})
	}
	return units
}

func (e *cliTestEnv) runPending(t *testing.T) {
	t.Helper()
	if n := e.sched.RunPending(context.Background()); n == 0 {
		t.Fatalf("expected queued tasks to run")
	}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--user", "ana"}
	if env != nil {
		flags = append(flags, "--config", env.configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config, apiBind string) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\ndata_dir = %q\nexport_dir = %q\ntemp_dir = %q\nlog_dir = %q\napi_bind = %q\n",
		cfg.Paths.DataDir,
		cfg.Paths.ExportDir,
		cfg.Paths.TempDir,
		cfg.Paths.LogDir,
		apiBind,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
