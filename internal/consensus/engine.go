package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/roles"
	"chorus/internal/services"
	"chorus/internal/store"
	"chorus/internal/tasks"
)

// Daily counters read by the alert monitor.
const (
	MetricEvaluated = "consensus_evaluated"
	MetricFailed    = "consensus_failed"
	periodLayout    = "2006-01-02"
)

// Period returns the usage-counter period for t.
func Period(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// Outcome is the persisted result of processing one unit.
type Outcome struct {
	UnitID         int64    `json:"unit_id"`
	Skipped        bool     `json:"skipped,omitempty"`
	SkipReason     string   `json:"skip_reason,omitempty"`
	ConsensusID    int64    `json:"consensus_candidate_id,omitempty"`
	ConsensusText  string   `json:"consensus_text,omitempty"`
	QualityScore   float64  `json:"quality_score"`
	Confidence     float64  `json:"confidence"`
	RequiresReview bool     `json:"requires_review"`
	ReadyForExport bool     `json:"ready_for_export"`
	FailedCount    int      `json:"consensus_failed_count"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Report summarizes a multi-unit run.
type Report struct {
	Processed int       `json:"processed"`
	Ready     int       `json:"ready"`
	Review    int       `json:"review"`
	Skipped   int       `json:"skipped"`
	Failed    []int64   `json:"failed,omitempty"`
	FollowUp  string    `json:"follow_up_task_id,omitempty"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Payload is the consensus task payload.
type Payload struct {
	UnitIDs []int64 `json:"unit_ids"`
}

// Engine evaluates units and persists the outcome.
type Engine struct {
	store      *store.Store
	scheduler  tasks.Scheduler
	logger     *slog.Logger
	thresholds Thresholds
	lockTTL    time.Duration
	reviewMin  int
	maxPerCall int
	subBatch   int
	attempts   int
	now        func() time.Time
}

// NewEngine builds an engine. scheduler may be nil when follow-up tasks are
// not needed.
func NewEngine(cfg *config.Config, st *store.Store, scheduler tasks.Scheduler, logger *slog.Logger) *Engine {
	return &Engine{
		store:      st,
		scheduler:  scheduler,
		logger:     logging.NewComponentLogger(logger, "consensus"),
		thresholds: ThresholdsFromConfig(cfg.Consensus),
		lockTTL:    time.Duration(cfg.Consensus.LockTTLSeconds) * time.Second,
		reviewMin:  cfg.Consensus.ReviewFailureThreshold,
		maxPerCall: cfg.Consensus.MaxUnitsPerRequest,
		subBatch:   cfg.Consensus.SubBatchSize,
		attempts:   cfg.Consensus.TaskMaxAttempts,
		now:        time.Now,
	}
}

// SetClock overrides the clock used for counter periods.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Process evaluates one unit under its advisory lock. A unit held by another
// evaluator yields ErrLockContention.
func (e *Engine) Process(ctx context.Context, unitID int64) (Outcome, error) {
	ctx = services.WithUnitID(ctx, unitID)
	logger := logging.WithContext(ctx, e.logger)

	unit, err := e.store.GetUnit(ctx, unitID)
	if err != nil {
		return Outcome{}, services.Wrap(services.ErrTransient, "consensus", "load unit", "", err)
	}
	if unit == nil {
		return Outcome{}, services.Wrap(services.ErrNotFound, "consensus", "load unit", fmt.Sprintf("unit %d", unitID), nil)
	}
	if unit.ReviewStatus == store.ReviewRejected {
		return Outcome{UnitID: unitID, Skipped: true, SkipReason: "unit was rejected in review"}, nil
	}

	owner := uuid.NewString()
	acquired, err := e.store.AcquireUnitLock(ctx, unitID, owner, e.lockTTL)
	if err != nil {
		return Outcome{}, services.Wrap(services.ErrTransient, "consensus", "acquire lock", "", err)
	}
	if !acquired {
		return Outcome{}, services.Wrap(services.ErrLockContention, "consensus", "acquire lock", fmt.Sprintf("unit %d is being evaluated elsewhere", unitID), nil)
	}
	defer func() {
		if err := e.store.ReleaseUnitLock(context.WithoutCancel(ctx), unitID, owner); err != nil {
			logger.Warn("release unit lock failed", logging.Error(err))
		}
	}()

	candidates, err := e.store.ListCandidates(ctx, unitID)
	if err != nil {
		return Outcome{}, services.Wrap(services.ErrTransient, "consensus", "load candidates", "", err)
	}
	inputs := make([]Input, len(candidates))
	for i, c := range candidates {
		inputs[i] = Input{ID: c.ID, Text: c.Text, Quality: c.Quality, Annotations: c.Annotations}
	}
	res := Evaluate(inputs, e.thresholds)

	update := store.ConsensusUpdate{
		UnitID:         unitID,
		Quality:        res.QualityScore,
		ReadyForExport: res.ReadyForExport,
		RequiresReview: res.RequiresReview,
	}
	if res.CandidateCount > 0 {
		id := res.ConsensusCandidateID
		update.ConsensusCandidateID = &id
	}
	for _, c := range res.Candidates {
		update.Candidates = append(update.Candidates, store.CandidateScore{
			ID:          c.ID,
			Quality:     c.Quality,
			Confidence:  c.Confidence,
			IsConsensus: c.IsConsensus,
			IsValidated: c.IsValidated,
		})
	}
	failed, err := e.store.ApplyConsensus(ctx, update)
	if err != nil {
		return Outcome{}, services.Wrap(services.ErrTransient, "consensus", "persist", "", err)
	}
	e.count(ctx, logger, res.RequiresReview)

	out := Outcome{
		UnitID:         unitID,
		ConsensusID:    res.ConsensusCandidateID,
		ConsensusText:  res.ConsensusText,
		QualityScore:   res.QualityScore,
		Confidence:     res.Confidence,
		RequiresReview: res.RequiresReview,
		ReadyForExport: res.ReadyForExport,
		FailedCount:    failed,
		Reasons:        res.Reasons,
	}
	if res.RequiresReview && failed >= e.reviewMin {
		logging.WarnWithContext(logger, "unit entered manual review queue", "consensus_review_queued",
			logging.Int("consensus_failed_count", failed),
			logging.String("reasons", strings.Join(res.Reasons, "; ")),
			logging.String(logging.FieldErrorHint, "approve or reject the unit with chorus review"),
			logging.String(logging.FieldImpact, "unit is excluded from export until reviewed"),
		)
	} else {
		logger.Debug("consensus evaluated",
			logging.Float64("quality", res.QualityScore),
			logging.Bool("ready_for_export", res.ReadyForExport),
			logging.Bool("requires_review", res.RequiresReview),
		)
	}
	return out, nil
}

func (e *Engine) count(ctx context.Context, logger *slog.Logger, failed bool) {
	period := Period(e.now())
	if err := e.store.IncrementUsage(ctx, MetricEvaluated, period, 1); err != nil {
		logger.Debug("consensus counter update failed", logging.Error(err))
		return
	}
	if failed {
		if err := e.store.IncrementUsage(ctx, MetricFailed, period, 1); err != nil {
			logger.Debug("consensus counter update failed", logging.Error(err))
		}
	}
}

// ProcessMany evaluates units in order. Locked units are skipped. When every
// unit fails transiently the error is returned so the task retries; a partial
// failure is handed to a follow-up task covering only the failed units.
func (e *Engine) ProcessMany(ctx context.Context, unitIDs []int64, progress tasks.Progress) (Report, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	report := Report{Outcomes: make([]Outcome, 0, len(unitIDs))}
	var lastErr error
	for i, id := range unitIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := e.Process(ctx, id)
		switch {
		case err == nil:
			report.Processed++
			if out.Skipped {
				report.Skipped++
			} else if out.ReadyForExport {
				report.Ready++
			} else if out.RequiresReview {
				report.Review++
			}
			report.Outcomes = append(report.Outcomes, out)
		case errors.Is(err, services.ErrLockContention):
			report.Skipped++
			report.Outcomes = append(report.Outcomes, Outcome{UnitID: id, Skipped: true, SkipReason: "locked by another evaluator"})
		case services.IsPermanent(err):
			report.Skipped++
			report.Outcomes = append(report.Outcomes, Outcome{UnitID: id, Skipped: true, SkipReason: err.Error()})
		default:
			lastErr = err
			report.Failed = append(report.Failed, id)
		}
		progress(float64(i+1)*100/float64(len(unitIDs)), fmt.Sprintf("evaluated %d of %d units", i+1, len(unitIDs)))
	}

	if len(report.Failed) == 0 {
		return report, nil
	}
	if len(report.Failed) == len(unitIDs) {
		return report, lastErr
	}
	if e.scheduler != nil {
		id, err := e.scheduler.Submit(ctx, tasks.Request{
			Kind:        tasks.KindConsensus,
			Payload:     Payload{UnitIDs: report.Failed},
			MaxAttempts: e.attempts,
		})
		if err != nil {
			return report, err
		}
		report.FollowUp = id
	}
	logging.WarnWithContext(e.logger, "consensus partially failed; retrying failed units", "consensus_partial_failure",
		logging.Int("failed", len(report.Failed)),
		logging.Int("total", len(unitIDs)),
		logging.String("follow_up_task_id", report.FollowUp),
		logging.Error(lastErr),
	)
	return report, nil
}

// HandleTask adapts ProcessMany to the task runner.
func (e *Engine) HandleTask(ctx context.Context, task *store.Task, progress tasks.Progress) (any, error) {
	var payload Payload
	if err := tasks.Decode(task, &payload); err != nil {
		return nil, services.Wrap(services.ErrValidation, "consensus", "decode task", "", err)
	}
	return e.ProcessMany(ctx, payload.UnitIDs, progress)
}

// SubmittedTask pairs a consensus task with the units it covers.
type SubmittedTask struct {
	TaskID  string  `json:"task_id"`
	UnitIDs []int64 `json:"unit_ids"`
}

// Trigger validates a request for up to MaxUnitsPerRequest units and submits
// one task per sub-batch.
func (e *Engine) Trigger(ctx context.Context, unitIDs []int64) ([]SubmittedTask, error) {
	if len(unitIDs) == 0 {
		return nil, services.Wrap(services.ErrValidation, "consensus", "trigger", "at least one unit id is required", nil)
	}
	if e.maxPerCall > 0 && len(unitIDs) > e.maxPerCall {
		return nil, services.Wrap(services.ErrValidation, "consensus", "trigger",
			fmt.Sprintf("%d unit ids exceeds the limit of %d", len(unitIDs), e.maxPerCall), nil)
	}
	if e.scheduler == nil {
		return nil, services.Wrap(services.ErrConfiguration, "consensus", "trigger", "no task scheduler configured", nil)
	}
	size := e.subBatch
	if size <= 0 {
		size = len(unitIDs)
	}
	ids := lo.Uniq(unitIDs)
	var submitted []SubmittedTask
	for _, chunk := range lo.Chunk(ids, size) {
		id, err := e.scheduler.Submit(ctx, tasks.Request{
			Kind:        tasks.KindConsensus,
			Payload:     Payload{UnitIDs: chunk},
			MaxAttempts: e.attempts,
		})
		if err != nil {
			return submitted, err
		}
		submitted = append(submitted, SubmittedTask{TaskID: id, UnitIDs: chunk})
	}
	e.logger.Info("consensus tasks submitted", logging.Int("units", len(ids)), logging.Int("tasks", len(submitted)))
	return submitted, nil
}

// ReviewQueue lists units awaiting a human decision.
func (e *Engine) ReviewQueue(ctx context.Context, limit int) ([]*store.Unit, error) {
	units, err := e.store.ReviewQueue(ctx, e.reviewMin, limit)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "consensus", "review queue", "", err)
	}
	return units, nil
}

// Decision is a reviewer verdict.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision validates a decision string.
func ParseDecision(value string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(value))) {
	case Approve:
		return Approve, nil
	case Reject:
		return Reject, nil
	default:
		return "", services.Wrap(services.ErrValidation, "consensus", "review", fmt.Sprintf("unknown decision %q", value), nil)
	}
}

// Review records a reviewer decision. Rejection is permanent.
func (e *Engine) Review(ctx context.Context, caps roles.Capabilities, unitID int64, decision Decision, note string) error {
	if !caps.CanReview {
		return services.Wrap(services.ErrForbidden, "consensus", "review", fmt.Sprintf("role %s cannot review units", caps.Role), nil)
	}
	status := store.ReviewApproved
	switch decision {
	case Approve:
	case Reject:
		status = store.ReviewRejected
	default:
		return services.Wrap(services.ErrValidation, "consensus", "review", fmt.Sprintf("unknown decision %q", decision), nil)
	}
	err := e.store.RecordReview(ctx, unitID, status, strings.TrimSpace(note))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return services.Wrap(services.ErrNotFound, "consensus", "review", fmt.Sprintf("unit %d", unitID), nil)
	case errors.Is(err, store.ErrInvalidTransition):
		return services.Wrap(services.ErrValidation, "consensus", "review", "", err)
	case err != nil:
		return services.Wrap(services.ErrTransient, "consensus", "review", "", err)
	}
	e.logger.Info("review recorded",
		logging.UnitID(unitID),
		logging.String("decision", string(decision)),
		logging.String(logging.FieldUserID, userFrom(ctx)),
	)
	return nil
}

func userFrom(ctx context.Context) string {
	if id, ok := services.UserIDFromContext(ctx); ok {
		return id
	}
	return ""
}
