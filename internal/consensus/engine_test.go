package consensus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"chorus/internal/config"
	"chorus/internal/consensus"
	"chorus/internal/logging"
	"chorus/internal/roles"
	"chorus/internal/services"
	"chorus/internal/store"
	"chorus/internal/tasks"
	"chorus/internal/testsupport"
)

var disagreeing = []string{
	"This is a test sentence.",
	"Completely different text here.",
	"Another unrelated transcription.",
}

type fixture struct {
	cfg   *config.Config
	store *store.Store
	sched *tasks.Memory
	table *roles.Table
}

func (f fixture) seed(t *testing.T, texts ...string) *store.Unit {
	t.Helper()
	return testsupport.SeedUnit(t, f.store, f.cfg, testsupport.UnitSpec{Texts: texts, ArtifactBytes: -1})
}

func (f fixture) caps(t *testing.T, role roles.Role) roles.Capabilities {
	t.Helper()
	caps, err := f.table.Resolve(role)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return caps
}

func newEngine(t *testing.T) (*consensus.Engine, fixture) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Consensus.SubBatchSize = 2
	st := testsupport.MustOpenStore(t, cfg)
	sched := tasks.NewMemory()
	engine := consensus.NewEngine(cfg, st, sched, logging.NewNop())
	sched.Register(tasks.KindConsensus, engine.HandleTask)
	return engine, fixture{cfg: cfg, store: st, sched: sched, table: roles.NewTable(cfg)}
}

func TestProcessMarksExportReadyUnit(t *testing.T) {
	engine, f := newEngine(t)
	st := f.store
	ctx := context.Background()
	text := "Five people agreed on this."
	unit := f.seed(t, text, text, text, text, text)

	out, err := engine.Process(ctx, unit.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.ReadyForExport || out.RequiresReview {
		t.Fatalf("unexpected outcome %+v", out)
	}

	got, err := st.GetUnit(ctx, unit.ID)
	if err != nil || got == nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if !got.ReadyForExport || got.ConsensusCandidateID == nil || got.ConsensusFailedCount != 0 {
		t.Fatalf("unit not updated: %+v", got)
	}
	candidates, _ := st.ListCandidates(ctx, unit.ID)
	consensusCount := 0
	for _, c := range candidates {
		if c.IsConsensus {
			consensusCount++
		}
		if !c.IsValidated || c.Confidence <= 0 {
			t.Fatalf("candidate %d not scored: %+v", c.ID, c)
		}
	}
	if consensusCount != 1 {
		t.Fatalf("expected exactly one consensus candidate, got %d", consensusCount)
	}

	evaluated, _ := st.Usage(ctx, consensus.MetricEvaluated, consensus.Period(time.Now()))
	if evaluated != 1 {
		t.Fatalf("expected evaluation counter 1, got %d", evaluated)
	}
}

func TestRepeatedFailuresEnterReviewQueue(t *testing.T) {
	engine, f := newEngine(t)
	st := f.store
	ctx := context.Background()
	unit := f.seed(t, disagreeing...)

	for i := 1; i <= 3; i++ {
		out, err := engine.Process(ctx, unit.ID)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if !out.RequiresReview || out.FailedCount != i {
			t.Fatalf("attempt %d: unexpected outcome %+v", i, out)
		}
	}

	queue, err := engine.ReviewQueue(ctx, 10)
	if err != nil {
		t.Fatalf("ReviewQueue: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != unit.ID {
		t.Fatalf("expected unit in review queue, got %+v", queue)
	}
	failed, _ := st.Usage(ctx, consensus.MetricFailed, consensus.Period(time.Now()))
	if failed != 3 {
		t.Fatalf("expected failure counter 3, got %d", failed)
	}
}

func TestProcessSkipsLockedUnit(t *testing.T) {
	engine, f := newEngine(t)
	st := f.store
	ctx := context.Background()
	unit := f.seed(t, disagreeing...)

	ok, err := st.AcquireUnitLock(ctx, unit.ID, "other-worker", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireUnitLock: ok=%v err=%v", ok, err)
	}
	if _, err := engine.Process(ctx, unit.ID); !errors.Is(err, services.ErrLockContention) {
		t.Fatalf("expected lock contention, got %v", err)
	}

	report, err := engine.ProcessMany(ctx, []int64{unit.ID}, nil)
	if err != nil {
		t.Fatalf("ProcessMany: %v", err)
	}
	if report.Skipped != 1 || report.Processed != 0 {
		t.Fatalf("expected locked unit to be skipped, got %+v", report)
	}
	got, _ := st.GetUnit(ctx, unit.ID)
	if got.ConsensusFailedCount != 0 {
		t.Fatal("locked unit must not be evaluated")
	}
}

func TestProcessMissingUnit(t *testing.T) {
	engine, _ := newEngine(t)
	if _, err := engine.Process(context.Background(), 4040); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReviewDecisions(t *testing.T) {
	engine, f := newEngine(t)
	st := f.store
	ctx := context.Background()
	approved := f.seed(t, disagreeing...)
	rejected := f.seed(t, disagreeing...)
	for _, id := range []int64{approved.ID, rejected.ID} {
		if _, err := engine.Process(ctx, id); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	if err := engine.Review(ctx, f.caps(t, roles.Contributor), approved.ID, consensus.Approve, ""); !errors.Is(err, services.ErrForbidden) {
		t.Fatalf("expected contributor review to be forbidden, got %v", err)
	}
	if err := engine.Review(ctx, f.caps(t, roles.Reviewer), approved.ID, consensus.Approve, "sounds right"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := engine.Review(ctx, f.caps(t, roles.Reviewer), rejected.ID, consensus.Reject, "noise only"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := engine.Review(ctx, f.caps(t, roles.Admin), rejected.ID, consensus.Approve, ""); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("rejection must be final, got %v", err)
	}
	if err := engine.Review(ctx, f.caps(t, roles.Admin), 999, consensus.Approve, ""); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, _ := st.GetUnit(ctx, approved.ID)
	if got.ReviewStatus != store.ReviewApproved || got.ConsensusFailedCount != 0 {
		t.Fatalf("approval not recorded: %+v", got)
	}

	out, err := engine.Process(ctx, rejected.ID)
	if err != nil {
		t.Fatalf("Process rejected: %v", err)
	}
	if !out.Skipped {
		t.Fatalf("rejected unit should be skipped, got %+v", out)
	}
}

func TestTriggerSplitsIntoSubBatches(t *testing.T) {
	engine, f := newEngine(t)
	st, sched := f.store, f.sched
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 5; i++ {
		unit := f.seed(t, "Two agree here.", "Two agree here.")
		ids = append(ids, unit.ID)
	}
	ids = append(ids, ids[0])

	submitted, err := engine.Trigger(ctx, ids)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(submitted) != 3 || len(submitted[2].UnitIDs) != 1 {
		t.Fatalf("expected 3 sub-batches, got %+v", submitted)
	}

	sched.RunPending(ctx)
	for _, task := range sched.Submitted(tasks.KindConsensus) {
		if task.Status != store.TaskSucceeded {
			t.Fatalf("task %s: %s %s", task.ID, task.Status, task.ErrorMessage)
		}
	}
	for _, id := range ids {
		unit, _ := st.GetUnit(ctx, id)
		if unit.ConsensusCandidateID == nil {
			t.Fatalf("unit %d was not evaluated", id)
		}
	}

	if _, err := engine.Trigger(ctx, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty request, got %v", err)
	}
	tooMany := make([]int64, 1001)
	if _, err := engine.Trigger(ctx, tooMany); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for oversized request, got %v", err)
	}
}
