package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chorus/internal/api"
	"chorus/internal/ingest"
	"chorus/internal/store"
	"chorus/internal/testsupport"
)

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.configPath)

	out, _, err = runCLI(t, env, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "[paths]")
	requireContains(t, out, "retention_days = 14")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, nil, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, nil, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init without --overwrite to refuse an existing file")
	}
}

func TestIngestThenConsensus(t *testing.T) {
	env := setupCLITestEnv(t)

	dir := t.TempDir()
	testsupport.WriteArtifact(t, filepath.Join(dir, "a.wav"), 64)
	testsupport.WriteArtifact(t, filepath.Join(dir, "b.wav"), 64)
	fixture := filepath.Join(dir, "units.yaml")
	body := `units:
  - duration_seconds: 3
    artifact_path: a.wav
    candidates:
      - {submitter: u1, text: good morning}
      - {submitter: u2, text: good morning}
  - duration_seconds: 4
    artifact_path: b.wav
    candidates:
      - {submitter: u1, text: see you later}
      - {submitter: u2, text: see you later}
`
	if err := os.WriteFile(fixture, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	out, _, err := runCLI(t, env, "ingest", "--dry-run", fixture)
	if err != nil {
		t.Fatalf("ingest --dry-run: %v", err)
	}
	requireContains(t, out, "nothing written")

	out, _, err = runCLI(t, env, "-o", "json", "ingest", fixture)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var result ingest.Result
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode ingest output %q: %v", out, err)
	}
	if result.Units != 2 || result.Candidates != 4 {
		t.Fatalf("unexpected ingest result %+v", result)
	}

	out, _, err = runCLI(t, env, "-o", "json", "consensus", joinIDs(result.UnitIDs))
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}
	var resp api.ConsensusResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode consensus output %q: %v", out, err)
	}
	if len(resp.Tasks) != 1 {
		t.Fatalf("expected one consensus task, got %+v", resp.Tasks)
	}

	env.runPending(t)

	out, _, err = runCLI(t, env, "task", resp.Tasks[0].TaskID)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	requireContains(t, out, "succeeded")

	for _, id := range result.UnitIDs {
		unit, err := env.store.GetUnit(t.Context(), id)
		if err != nil {
			t.Fatalf("GetUnit: %v", err)
		}
		if unit.ConsensusCandidateID == nil {
			t.Fatalf("unit %d has no consensus: %+v", id, unit)
		}
	}
}

func TestBatchLifecycle(t *testing.T) {
	env := setupCLITestEnv(t)
	env.seedReady(t, 3)

	out, _, err := runCLI(t, env, "--role", "contributor", "-o", "json", "batch", "create")
	if err != nil {
		t.Fatalf("batch create: %v", err)
	}
	var created api.BatchResponse
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode batch create output %q: %v", out, err)
	}
	if created.Batch.ID == "" || created.TaskID == "" {
		t.Fatalf("expected batch and task ids, got %+v", created)
	}
	if created.Batch.ChunkCount != 3 {
		t.Fatalf("expected 3 units, got %d", created.Batch.ChunkCount)
	}

	env.runPending(t)

	out, _, err = runCLI(t, env, "batch", "show", created.Batch.ID)
	if err != nil {
		t.Fatalf("batch show: %v", err)
	}
	requireContains(t, out, string(store.BatchCompleted))

	out, _, err = runCLI(t, env, "-o", "yaml", "batch", "list", "--status", "completed")
	if err != nil {
		t.Fatalf("batch list: %v", err)
	}
	requireContains(t, out, "batch_id: "+created.Batch.ID)

	dest := t.TempDir()
	out, _, err = runCLI(t, env, "--role", "contributor", "batch", "download", created.Batch.ID, "--dest", dest)
	if err != nil {
		t.Fatalf("batch download: %v", err)
	}
	requireContains(t, out, "Saved")
	matches, _ := filepath.Glob(filepath.Join(dest, "*.tar.gz"))
	if len(matches) != 1 {
		leftovers, _ := os.ReadDir(dest)
		t.Fatalf("expected one archive in %s, found %v", dest, leftovers)
	}

	out, _, err = runCLI(t, nil, "batch", "verify", matches[0])
	if err != nil {
		t.Fatalf("batch verify: %v", err)
	}
	requireContains(t, out, "Archive is consistent")
	requireContains(t, out, created.Batch.ID)

	if _, _, err := runCLI(t, env, "--role", "viewer", "batch", "download", created.Batch.ID, "--dest", dest); err == nil {
		t.Fatal("expected viewer download to be refused")
	}
}

func TestBatchCreateInsufficientUnits(t *testing.T) {
	env := setupCLITestEnv(t)
	env.seedReady(t, 1)

	_, _, err := runCLI(t, env, "--role", "contributor", "batch", "create")
	if err == nil {
		t.Fatal("expected insufficient units error")
	}
	requireContains(t, err.Error(), "not enough ready units (1 available, 2 required)")
}

func TestReviewCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "--role", "reviewer", "review", "list")
	if err != nil {
		t.Fatalf("review list: %v", err)
	}
	requireContains(t, out, "Review queue is empty")

	unit := testsupport.SeedUnit(t, env.store, env.cfg, testsupport.UnitSpec{Texts: []string{"one", "two"}})
	out, _, err = runCLI(t, env, "--role", "reviewer", "review", "reject", "--note", "bad audio", int64Arg(unit.ID))
	if err != nil {
		t.Fatalf("review reject: %v", err)
	}
	requireContains(t, out, "reject recorded")

	if _, _, err := runCLI(t, env, "--role", "viewer", "review", "approve", int64Arg(unit.ID)); err == nil {
		t.Fatal("expected viewer review to be refused")
	}
	if _, _, err := runCLI(t, env, "--role", "reviewer", "review", "approve", int64Arg(unit.ID)); err == nil {
		t.Fatal("expected approving a rejected unit to fail")
	}
	if _, _, err := runCLI(t, env, "--role", "reviewer", "review", "approve", "nope"); err == nil {
		t.Fatal("expected invalid unit id to fail")
	}
}

func TestQuotaAlertsAndStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	env.seedReady(t, 2)

	out, _, err := runCLI(t, env, "quota")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	requireContains(t, out, "== Quota")

	out, _, err = runCLI(t, env, "alerts")
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if !strings.Contains(out, "No alerts recorded") && !strings.Contains(out, "[") {
		t.Fatalf("unexpected alerts output %q", out)
	}

	out, _, err = runCLI(t, env, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "[OK] Running")
	requireContains(t, out, "Ready for export:")
	requireContains(t, out, "Data:")

	out, _, err = runCLI(t, env, "-o", "json", "status")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var view statusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	if !view.Reachable || view.ReadyUnits != 2 {
		t.Fatalf("unexpected status %+v", view)
	}
}

func TestStatusWithoutDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	env.server.Close()

	out, _, err := runCLI(t, env, "status")
	if err != nil {
		t.Fatalf("status should degrade gracefully: %v", err)
	}
	requireContains(t, out, "[ERROR] Not running")

	_, _, err = runCLI(t, env, "batch", "list")
	if err == nil {
		t.Fatal("expected batch list to fail without a daemon")
	}
	requireContains(t, err.Error(), "chorus daemon")
}

func TestAPITokenFlag(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithAPIToken("s3cret"))

	_, _, err := runCLI(t, env, "batch", "list")
	if err == nil {
		t.Fatal("expected missing token to be rejected")
	}
	requireContains(t, err.Error(), "API token")

	out, _, err := runCLI(t, env, "--token", "s3cret", "batch", "list")
	if err != nil {
		t.Fatalf("batch list with token: %v", err)
	}
	requireContains(t, out, "No batches found")
}

func TestRejectsUnknownOutputFormat(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, env, "-o", "xml", "status")
	if err == nil {
		t.Fatal("expected unsupported output format to fail")
	}
}

func TestParseUnitIDs(t *testing.T) {
	ids, err := parseUnitIDs([]string{"1,2", " 3 ", "4,"})
	if err != nil {
		t.Fatalf("parseUnitIDs: %v", err)
	}
	if joinIDs(ids) != "1,2,3,4" {
		t.Fatalf("unexpected ids %v", ids)
	}
	for _, bad := range [][]string{{"x"}, {"0"}, {","}} {
		if _, err := parseUnitIDs(bad); err == nil {
			t.Fatalf("expected %v to fail", bad)
		}
	}
}

func int64Arg(v int64) string {
	return joinIDs([]int64{v})
}

func TestLogsCommandFilters(t *testing.T) {
	env := setupCLITestEnv(t)
	content := strings.Join([]string{
		`{"level":"info","msg":"daemon started","component":"daemon"}`,
		`{"level":"error","msg":"upload failed","component":"export","batch_id":"b-7"}`,
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(env.cfg.Paths.LogDir, "daemon.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, env, "logs", "-n", "10")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "daemon started")
	requireContains(t, out, "upload failed")

	out, _, err = runCLI(t, env, "logs", "--level", "error", "--batch", "b-7")
	if err != nil {
		t.Fatalf("logs filtered: %v", err)
	}
	if strings.Contains(out, "daemon started") {
		t.Fatalf("filter let through info line: %q", out)
	}
	requireContains(t, out, "upload failed")

	if _, _, err := runCLI(t, env, "logs", "--level", "loud"); err == nil {
		t.Fatal("expected invalid level to fail")
	}
}
