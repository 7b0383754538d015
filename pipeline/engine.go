/*
engine.go - Stage state machine driving one batch through the pipeline

PURPOSE:
  Runs Transform -> Join -> Fact for one batch, each stage reading the
  committed output of the previous one and atomically replacing its own
  partition.

STATE MACHINE:

    StageTransform --ok--> StageJoin --ok--> StageFact --ok--> StageDone
          |                    |                  |
          +------- error ------+------------------+--> run aborted (StageError)

  A failed stage leaves every partition at its last committed content, so a
  retry can resume at the failed stage with FromStage instead of starting over.

  Each partition is replaced in its own transaction, not the stage as a
  whole. Transform replaces GSC, then Analytics, then Rank: when Rank fails,
  the new GSC and Analytics partitions stay committed while Rank, the joins
  and the facts keep the previous run's content. No single table mixes old
  and new rows. Retry such a failure with FromStage(StageTransform); a
  resume at StageJoin would join the new GSC rows with the old Rank rows.

CONCURRENCY:
  One writer per batch. Concurrent runs on different batches are safe as long
  as the Store serializes its own writes; concurrent runs on the SAME batch
  are not supported.

USAGE:

    engine := pipeline.NewEngine(store, pipeline.WithLogger(logger))
    report, err := engine.Run(ctx, "2024-01-05")
    report, err = engine.Run(ctx, "2024-01-05", pipeline.FromStage(pipeline.StageJoin))
*/
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/seo-engine/metrics"
)

// =============================================================================
// STAGES
// =============================================================================

type Stage string

const (
	StageTransform Stage = "transform"
	StageJoin      Stage = "join"
	StageFact      Stage = "fact"
	StageDone      Stage = "done"
)

// Stages lists the runnable stages in order.
func Stages() []Stage { return []Stage{StageTransform, StageJoin, StageFact} }

// ParseStage resolves a runnable stage name. An empty name is StageTransform.
func ParseStage(s string) (Stage, error) {
	if s == "" {
		return StageTransform, nil
	}
	for _, st := range Stages() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
}

// Next returns the state that follows a successful stage.
func (s Stage) Next() Stage {
	switch s {
	case StageTransform:
		return StageJoin
	case StageJoin:
		return StageFact
	default:
		return StageDone
	}
}

func (s Stage) String() string { return string(s) }

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store  Store
	runs   RunLog
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock sets the clock used for produced_at / processed_at stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRunLog records every run in the given audit log.
func WithRunLog(runs RunLog) Option {
	return func(e *Engine) { e.runs = runs }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type runOptions struct {
	from Stage
}

type RunOption func(*runOptions)

// FromStage resumes a run at the given stage, reusing the committed output of
// the stages before it.
func FromStage(stage Stage) RunOption {
	return func(o *runOptions) { o.from = stage }
}

// RunReport summarizes one run. On failure it holds the stats of the stages
// that completed and Stage is the stage that failed.
type RunReport struct {
	RunID      string           `json:"run_id"`
	Batch      BatchID          `json:"batch_id"`
	FromStage  Stage            `json:"from_stage"`
	Stage      Stage            `json:"stage"`
	Transform  []TransformStats `json:"transform,omitempty"`
	Joins      []JoinStats      `json:"joins,omitempty"`
	Fact       *FactStats       `json:"fact,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Run drives the batch through the remaining stages.
func (e *Engine) Run(ctx context.Context, batch BatchID, opts ...RunOption) (*RunReport, error) {
	if _, err := ParseBatchID(string(batch)); err != nil {
		return nil, err
	}
	cfg := runOptions{from: StageTransform}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.from != StageTransform && cfg.from != StageJoin && cfg.from != StageFact {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, cfg.from)
	}

	report := &RunReport{
		RunID:     uuid.NewString(),
		Batch:     batch,
		FromStage: cfg.from,
		Stage:     cfg.from,
		StartedAt: e.now(),
	}
	log := e.logger.With(zap.String("run_id", report.RunID), zap.String("batch", batch.String()))
	log.Info("pipeline run started", zap.String("from_stage", cfg.from.String()))
	e.audit(ctx, log, report, RunRunning, nil)

	for state := cfg.from; state != StageDone; state = state.Next() {
		report.Stage = state
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, log, report, &StageError{Stage: state, Batch: batch, Err: err})
		}

		start := time.Now()
		var err error
		switch state {
		case StageTransform:
			report.Transform, err = e.Transform(ctx, batch)
		case StageJoin:
			report.Joins, err = e.Join(ctx, batch)
		case StageFact:
			var stats FactStats
			if stats, err = e.BuildFacts(ctx, batch); err == nil {
				report.Fact = &stats
			}
		}
		elapsed := time.Since(start)

		if err != nil {
			metrics.RecordStage(state.String(), "failed", elapsed.Seconds())
			return e.fail(ctx, log, report, err)
		}
		metrics.RecordStage(state.String(), "completed", elapsed.Seconds())
		log.Info("stage completed", zap.String("stage", state.String()), zap.Duration("duration", elapsed))
	}

	report.Stage = StageDone
	report.FinishedAt = e.now()
	e.audit(ctx, log, report, RunCompleted, nil)
	metrics.RecordRun(string(RunCompleted))
	log.Info("pipeline run completed",
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
		zap.Int("fact_rows", report.factRows()))
	return report, nil
}

func (e *Engine) fail(ctx context.Context, log *zap.Logger, report *RunReport, err error) (*RunReport, error) {
	report.FinishedAt = e.now()
	log.Error("pipeline run failed", zap.String("stage", report.Stage.String()), zap.Error(err))
	// The audit row must land even when the run's context was canceled.
	e.audit(context.WithoutCancel(ctx), log, report, RunFailed, err)
	metrics.RecordRun(string(RunFailed))
	return report, err
}

func (e *Engine) audit(ctx context.Context, log *zap.Logger, report *RunReport, status RunStatus, runErr error) {
	if e.runs == nil {
		return
	}
	rec := RunRecord{
		ID:        report.RunID,
		Batch:     report.Batch,
		FromStage: report.FromStage,
		Stage:     report.Stage,
		Status:    status,
		FactRows:  report.factRows(),
		StartedAt: report.StartedAt,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if status != RunRunning {
		finished := report.FinishedAt
		rec.CompletedAt = &finished
	}
	if err := e.runs.SaveRun(ctx, rec); err != nil {
		log.Warn("failed to record pipeline run", zap.Error(err))
	}
}

func (r *RunReport) factRows() int {
	if r.Fact == nil {
		return 0
	}
	return r.Fact.RecordsOut
}

// =============================================================================
// STAGE: TRANSFORM
// =============================================================================

// Transform rebuilds the canonical partitions of all three sources for batch.
func (e *Engine) Transform(ctx context.Context, batch BatchID) ([]TransformStats, error) {
	producedAt := e.now()
	stats := make([]TransformStats, 0, len(Sources()))

	for _, src := range Sources() {
		var st TransformStats
		var err error
		switch src {
		case SourceGSC:
			st, err = e.transformGSC(ctx, batch, producedAt)
		case SourceAnalytics:
			st, err = e.transformAnalytics(ctx, batch, producedAt)
		case SourceRank:
			st, err = e.transformRank(ctx, batch, producedAt)
		}
		if err != nil {
			return stats, &StageError{Stage: StageTransform, Step: string(src), Batch: batch, Err: err}
		}
		metrics.RecordRows(StageTransform.String(), string(src), st.RowsIn, st.RowsDropped, st.RecordsOut)
		e.logger.Info("source transformed",
			zap.String("batch", batch.String()),
			zap.String("source", string(src)),
			zap.Int("rows_in", st.RowsIn),
			zap.Int("rows_dropped", st.RowsDropped),
			zap.Int("records_out", st.RecordsOut))
		if st.RowsForeign > 0 {
			e.logger.Warn("staged rows from another batch ignored",
				zap.String("source", string(src)), zap.Int("rows", st.RowsForeign))
		}
		stats = append(stats, st)
	}
	return stats, nil
}

func (e *Engine) transformGSC(ctx context.Context, batch BatchID, producedAt time.Time) (TransformStats, error) {
	rows, err := e.store.LoadStagedGSC(ctx, batch)
	if err != nil {
		return TransformStats{Source: SourceGSC}, fmt.Errorf("load staged rows: %w", err)
	}
	records, stats := TransformGSC(rows, batch, producedAt)
	if err := e.store.ReplaceGSC(ctx, batch, records); err != nil {
		return stats, fmt.Errorf("replace partition: %w", err)
	}
	return stats, nil
}

func (e *Engine) transformAnalytics(ctx context.Context, batch BatchID, producedAt time.Time) (TransformStats, error) {
	rows, err := e.store.LoadStagedAnalytics(ctx, batch)
	if err != nil {
		return TransformStats{Source: SourceAnalytics}, fmt.Errorf("load staged rows: %w", err)
	}
	records, stats := TransformAnalytics(rows, batch, producedAt)
	if err := e.store.ReplaceAnalytics(ctx, batch, records); err != nil {
		return stats, fmt.Errorf("replace partition: %w", err)
	}
	return stats, nil
}

func (e *Engine) transformRank(ctx context.Context, batch BatchID, producedAt time.Time) (TransformStats, error) {
	rows, err := e.store.LoadStagedRank(ctx, batch)
	if err != nil {
		return TransformStats{Source: SourceRank}, fmt.Errorf("load staged rows: %w", err)
	}
	records, stats := TransformRank(rows, batch, producedAt)
	if err := e.store.ReplaceRank(ctx, batch, records); err != nil {
		return stats, fmt.Errorf("replace partition: %w", err)
	}
	return stats, nil
}

// =============================================================================
// STAGE: JOIN
// =============================================================================

// Join rebuilds both joined partitions for batch from the canonical partitions.
func (e *Engine) Join(ctx context.Context, batch BatchID) ([]JoinStats, error) {
	processedAt := e.now()

	gsc, err := e.store.LoadGSC(ctx, batch)
	if err != nil {
		return nil, &StageError{Stage: StageJoin, Step: string(SourceGSC), Batch: batch, Err: err}
	}
	analytics, err := e.store.LoadAnalytics(ctx, batch)
	if err != nil {
		return nil, &StageError{Stage: StageJoin, Step: string(SourceAnalytics), Batch: batch, Err: err}
	}
	ranks, err := e.store.LoadRank(ctx, batch)
	if err != nil {
		return nil, &StageError{Stage: StageJoin, Step: string(SourceRank), Batch: batch, Err: err}
	}

	ga, gaStats := JoinGSCAnalytics(gsc, analytics, batch, processedAt)
	if err := e.store.ReplaceGSCAnalytics(ctx, batch, ga); err != nil {
		return nil, &StageError{Stage: StageJoin, Step: PairGSCAnalytics, Batch: batch, Err: err}
	}
	e.logJoin(batch, gaStats)

	gr, grStats := JoinGSCRank(gsc, ranks, batch, processedAt)
	if err := e.store.ReplaceGSCRank(ctx, batch, gr); err != nil {
		return []JoinStats{gaStats}, &StageError{Stage: StageJoin, Step: PairGSCRank, Batch: batch, Err: err}
	}
	e.logJoin(batch, grStats)

	return []JoinStats{gaStats, grStats}, nil
}

func (e *Engine) logJoin(batch BatchID, st JoinStats) {
	metrics.RecordRows(StageJoin.String(), st.Pair, st.LeftIn+st.RightIn, 0, st.RecordsOut)
	metrics.RecordBatchFallbacks(StageJoin.String(), st.BatchFallbacks)
	e.logger.Info("sources joined",
		zap.String("batch", batch.String()),
		zap.String("pair", st.Pair),
		zap.Int("matched", st.Matched),
		zap.Int("left_only", st.LeftOnly),
		zap.Int("right_only", st.RightOnly),
		zap.Int("records_out", st.RecordsOut))
	if st.BatchFallbacks > 0 {
		e.logger.Warn("joined records stamped with the run batch",
			zap.String("pair", st.Pair), zap.Int("records", st.BatchFallbacks))
	}
}

// =============================================================================
// STAGE: FACT
// =============================================================================

// BuildFacts rebuilds the fact partition for batch from both joined partitions.
func (e *Engine) BuildFacts(ctx context.Context, batch BatchID) (FactStats, error) {
	processedAt := e.now()

	ga, err := e.store.LoadGSCAnalytics(ctx, batch)
	if err != nil {
		return FactStats{}, &StageError{Stage: StageFact, Step: PairGSCAnalytics, Batch: batch, Err: err}
	}
	gr, err := e.store.LoadGSCRank(ctx, batch)
	if err != nil {
		return FactStats{}, &StageError{Stage: StageFact, Step: PairGSCRank, Batch: batch, Err: err}
	}

	facts, stats := BuildFacts(ga, gr, batch, processedAt)
	if err := e.store.ReplaceFacts(ctx, batch, facts); err != nil {
		return stats, &StageError{Stage: StageFact, Batch: batch, Err: err}
	}

	metrics.RecordRows(StageFact.String(), "facts", stats.AnalyticsSideIn+stats.RankSideIn, 0, stats.RecordsOut)
	metrics.RecordBatchFallbacks(StageFact.String(), stats.BatchFallbacks)
	e.logger.Info("facts built",
		zap.String("batch", batch.String()),
		zap.Int("both_sides", stats.BothSides),
		zap.Int("analytics_only", stats.AnalyticsOnly),
		zap.Int("rank_only", stats.RankOnly),
		zap.Int("records_out", stats.RecordsOut))
	return stats, nil
}
