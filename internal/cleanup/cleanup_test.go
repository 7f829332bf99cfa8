package cleanup_test

import (
	"context"
	"os"
	"testing"

	"chorus/internal/cleanup"
	"chorus/internal/logging"
	"chorus/internal/store"
	"chorus/internal/tasks"
	"chorus/internal/testsupport"
)

func TestRunRemovesRecordsEvenWhenFileMissing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	var units []*store.Unit
	for i := 0; i < 3; i++ {
		units = append(units, testsupport.SeedReadyUnit(t, st, cfg, testsupport.UnitSpec{
			Texts: []string{"one two three", "one two three"},
		}))
	}
	if err := os.Remove(units[1].ArtifactPath); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}
	ids := []int64{units[0].ID, units[1].ID, units[2].ID}

	coord := cleanup.NewCoordinator(cfg, st, nil, logging.NewNop())
	report, err := coord.Run(ctx, "batch-1", ids, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.DeletedUnits) != 3 {
		t.Fatalf("expected 3 deleted units, got %v", report.DeletedUnits)
	}
	if len(report.DeletedFiles) != 2 {
		t.Fatalf("expected 2 deleted files, got %v", report.DeletedFiles)
	}
	if len(report.Failed) != 1 || report.Failed[0].UnitID != units[1].ID {
		t.Fatalf("expected the missing file to be reported, got %+v", report.Failed)
	}
	for _, u := range []*store.Unit{units[0], units[2]} {
		if _, err := os.Stat(u.ArtifactPath); !os.IsNotExist(err) {
			t.Fatalf("artifact %s should be removed, stat err=%v", u.ArtifactPath, err)
		}
	}
	for _, id := range ids {
		got, err := st.GetUnit(ctx, id)
		if err != nil {
			t.Fatalf("GetUnit: %v", err)
		}
		if got != nil {
			t.Fatalf("unit %d still present", id)
		}
		candidates, err := st.ListCandidates(ctx, id)
		if err != nil {
			t.Fatalf("ListCandidates: %v", err)
		}
		if len(candidates) != 0 {
			t.Fatalf("unit %d still has %d candidates", id, len(candidates))
		}
	}
}

func TestScheduleRunsThroughScheduler(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	unit := testsupport.SeedReadyUnit(t, st, cfg, testsupport.UnitSpec{})

	sched := tasks.NewMemory()
	coord := cleanup.NewCoordinator(cfg, st, sched, logging.NewNop())
	sched.Register(tasks.KindCleanup, coord.HandleTask)

	id, err := coord.Schedule(ctx, "batch-2", []int64{unit.ID})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got, _ := st.GetUnit(ctx, unit.ID); got == nil {
		t.Fatal("cleanup must not run inline with scheduling")
	}
	if n := sched.RunPending(ctx); n != 1 {
		t.Fatalf("expected one task run, got %d", n)
	}
	task, err := sched.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if task.Status != store.TaskSucceeded {
		t.Fatalf("expected succeeded task, got %s (%s)", task.Status, task.ErrorMessage)
	}
	if got, _ := st.GetUnit(ctx, unit.ID); got != nil {
		t.Fatal("unit should be deleted after the task ran")
	}
}

func TestRunWithoutUnitsIsNoop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	report, err := cleanup.NewCoordinator(cfg, st, nil, nil).Run(context.Background(), "b", nil, nil)
	if err != nil || len(report.DeletedUnits) != 0 {
		t.Fatalf("expected empty report, got %+v %v", report, err)
	}
}
