package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/seo-engine/pipeline"
	"github.com/warp/seo-engine/pipeline/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newTestEngine(t *testing.T) (*pipeline.Engine, *store.Memory, *fixedClock) {
	t.Helper()
	mem := store.NewMemory()
	clock := &fixedClock{t: producedAt}
	engine := pipeline.NewEngine(mem,
		pipeline.WithLogger(zaptest.NewLogger(t)),
		pipeline.WithClock(clock.now),
		pipeline.WithRunLog(mem),
	)
	return engine, mem, clock
}

// stageBatch stages a small but complete batch: one key with all three
// sources, one GSC-only key and one rank-only key.
func stageBatch(mem *store.Memory, b pipeline.BatchID) {
	day := string(b)
	mem.StageGSC(
		pipeline.RawGSCRow{Date: day, Query: " Running Shoes ", Page: "/shoes", Clicks: "10", Impressions: "200", Position: "2", BatchID: b},
		pipeline.RawGSCRow{Date: day, Query: "boots", Page: "/boots", Clicks: "1", Impressions: "50", Position: "8", BatchID: b},
	)
	mem.StageAnalytics(
		pipeline.RawAnalyticsRow{Date: day, Page: "/shoes", Pageviews: "120", Sessions: "80", Conversions: "4", BatchID: b},
	)
	mem.StageRank(
		pipeline.RawRankRow{Date: day, Keyword: "running shoes", Page: "/shoes", Rank: "2", SearchVolume: "1000", CPC: "1.10", BatchID: b},
		pipeline.RawRankRow{Date: day, Keyword: "sandals", Page: "/sandals", Rank: "51", SearchVolume: "90", CPC: "0.40", BatchID: b},
	)
}

func withoutTimestamps(facts []pipeline.FactRecord) []pipeline.FactRecord {
	out := make([]pipeline.FactRecord, len(facts))
	for i, f := range facts {
		f.ProcessedAt = time.Time{}
		out[i] = f
	}
	return out
}

// =============================================================================
// STAGES
// =============================================================================

func TestParseStage(t *testing.T) {
	s, err := pipeline.ParseStage("join")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageJoin, s)

	s, err = pipeline.ParseStage("")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageTransform, s)

	_, err = pipeline.ParseStage("done")
	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)
	assert.True(t, pipeline.IsClientError(err))
}

func TestStage_Next(t *testing.T) {
	assert.Equal(t, pipeline.StageJoin, pipeline.StageTransform.Next())
	assert.Equal(t, pipeline.StageFact, pipeline.StageJoin.Next())
	assert.Equal(t, pipeline.StageDone, pipeline.StageFact.Next())
	assert.Equal(t, pipeline.StageDone, pipeline.StageDone.Next())
}

// =============================================================================
// RUN
// =============================================================================

func TestEngineRun_BuildsFacts(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	stageBatch(mem, batch)

	// WHEN
	report, err := engine.Run(ctx, batch)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageDone, report.Stage)
	require.Len(t, report.Transform, 3)
	require.Len(t, report.Joins, 2)
	require.NotNil(t, report.Fact)
	assert.Equal(t, 3, report.Fact.RecordsOut)

	facts, err := mem.LoadFacts(ctx, batch)
	require.NoError(t, err)
	require.Len(t, facts, 3)

	boots, running, sandals := facts[0], facts[1], facts[2]

	assert.Equal(t, "boots", boots.Keyword)
	assert.Equal(t, int64(0), boots.Rank)
	assert.Equal(t, int64(0), boots.Sessions)

	assert.Equal(t, "running shoes", running.Keyword)
	assert.Equal(t, int64(10), running.Clicks)
	assert.Equal(t, int64(80), running.Sessions)
	assert.Equal(t, int64(2), running.Rank)
	assertDecimal(t, "0.05", running.ConversionRate)
	// 200 × 0.05 / 1.2
	assertDecimal(t, "8.33", running.EstimatedTraffic)

	assert.Equal(t, "sandals", sandals.Keyword)
	assert.Equal(t, int64(0), sandals.Clicks)
	assert.Equal(t, int64(0), sandals.Impressions)
	assert.Equal(t, int64(51), sandals.Rank)
	assert.Equal(t, int64(90), sandals.MonthlySearchVolume)

	for _, f := range facts {
		assert.Equal(t, batch, f.BatchID)
		assert.Equal(t, producedAt, f.ProcessedAt)
	}
}

func TestEngineRun_Idempotent(t *testing.T) {
	engine, mem, clock := newTestEngine(t)
	ctx := context.Background()
	stageBatch(mem, batch)

	_, err := engine.Run(ctx, batch)
	require.NoError(t, err)
	first, _ := mem.LoadFacts(ctx, batch)

	// WHEN: the same batch runs again later
	clock.t = clock.t.Add(time.Hour)
	_, err = engine.Run(ctx, batch)
	require.NoError(t, err)
	second, _ := mem.LoadFacts(ctx, batch)

	// THEN: identical facts apart from the processing timestamp
	assert.Equal(t, withoutTimestamps(first), withoutTimestamps(second))
	assert.Equal(t, clock.t, second[0].ProcessedAt)
}

func TestEngineRun_Isolation(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	b1, b2 := pipeline.BatchID("2024-01-05"), pipeline.BatchID("2024-01-06")
	stageBatch(mem, b1)
	stageBatch(mem, b2)

	_, err := engine.Run(ctx, b1)
	require.NoError(t, err)
	before, _ := mem.LoadFacts(ctx, b1)

	// WHEN: another batch runs
	_, err = engine.Run(ctx, b2)
	require.NoError(t, err)

	// THEN: the first batch is untouched
	after, _ := mem.LoadFacts(ctx, b1)
	assert.Equal(t, before, after)
	other, _ := mem.LoadFacts(ctx, b2)
	assert.Len(t, other, 3)
}

func TestEngineRun_EmptyBatch(t *testing.T) {
	engine, mem, _ := newTestEngine(t)

	report, err := engine.Run(context.Background(), batch)

	require.NoError(t, err)
	assert.Equal(t, 0, report.Fact.RecordsOut)
	facts, _ := mem.LoadFacts(context.Background(), batch)
	assert.Empty(t, facts)
}

func TestEngineRun_InvalidBatch(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Run(context.Background(), "05/01/2024")

	assert.ErrorIs(t, err, pipeline.ErrInvalidBatchID)
}

func TestEngineRun_RejectsDoneAsStartStage(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Run(context.Background(), batch, pipeline.FromStage(pipeline.StageDone))

	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)
}

// =============================================================================
// FAILURE AND RESUME
// =============================================================================

func TestEngineRun_FailedStageKeepsCommittedPartition(t *testing.T) {
	engine, mem, clock := newTestEngine(t)
	ctx := context.Background()
	stageBatch(mem, batch)
	_, err := engine.Run(ctx, batch)
	require.NoError(t, err)
	committed, _ := mem.LoadFacts(ctx, batch)

	// GIVEN: the fact replace will fail on the next run
	mem.FailOn(store.RelationFacts)
	clock.t = clock.t.Add(time.Hour)

	// WHEN
	report, err := engine.Run(ctx, batch)

	// THEN: a stage error naming the fact stage, prior facts intact
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrStageFailed)
	assert.ErrorIs(t, err, store.ErrInjected)
	assert.True(t, pipeline.IsRetryable(err))

	var stageErr *pipeline.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, pipeline.StageFact, stageErr.Stage)
	assert.Equal(t, pipeline.StageFact, report.Stage)
	assert.Len(t, report.Joins, 2, "earlier stages completed")

	current, _ := mem.LoadFacts(ctx, batch)
	assert.Equal(t, committed, current)

	// WHEN: the failure clears and the run resumes at the failed stage
	mem.FailOn("")
	report, err = engine.Run(ctx, batch, pipeline.FromStage(stageErr.Stage))

	// THEN
	require.NoError(t, err)
	assert.Nil(t, report.Transform, "transform skipped")
	assert.Nil(t, report.Joins, "join skipped")
	resumed, _ := mem.LoadFacts(ctx, batch)
	assert.Equal(t, withoutTimestamps(committed), withoutTimestamps(resumed))
	assert.Equal(t, clock.t, resumed[0].ProcessedAt)
}

func TestEngineRun_TransformFailureNamesSource(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	stageBatch(mem, batch)
	mem.FailOn(store.RelationRank)

	_, err := engine.Run(context.Background(), batch)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, pipeline.StageTransform, stageErr.Stage)
	assert.Equal(t, "rank", stageErr.Step)
	assert.Contains(t, err.Error(), "transform stage (rank) failed for batch 2024-01-05")
}

func TestEngineRun_TransformFailureCommitsEarlierSources(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	stageBatch(mem, batch)
	_, err := engine.Run(ctx, batch)
	require.NoError(t, err)
	committed, _ := mem.LoadFacts(ctx, batch)
	require.Len(t, committed, 3)

	// GIVEN: a new GSC row and a rank replace that will fail
	mem.StageGSC(pipeline.RawGSCRow{Date: string(batch), Query: "hats", Page: "/hats", Clicks: "2", Impressions: "40", Position: "4", BatchID: batch})
	mem.FailOn(store.RelationRank)

	// WHEN
	_, err = engine.Run(ctx, batch)

	// THEN: GSC is already replaced, everything downstream is untouched
	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, pipeline.StageTransform, stageErr.Stage)

	gsc, _ := mem.LoadGSC(ctx, batch)
	assert.Len(t, gsc, 3, "new GSC partition committed")
	current, _ := mem.LoadFacts(ctx, batch)
	assert.Equal(t, committed, current)

	// WHEN: the run is retried from transform
	mem.FailOn("")
	_, err = engine.Run(ctx, batch, pipeline.FromStage(pipeline.StageTransform))

	// THEN: facts catch up with the new GSC row
	require.NoError(t, err)
	facts, _ := mem.LoadFacts(ctx, batch)
	assert.Len(t, facts, 4)
}

func TestEngineRun_CanceledContext(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	stageBatch(mem, batch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx, batch)

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, pipeline.ErrStageFailed)
}

// =============================================================================
// RUN LOG
// =============================================================================

func TestEngineRun_RecordsRuns(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()
	stageBatch(mem, batch)

	report, err := engine.Run(ctx, batch)
	require.NoError(t, err)

	mem.FailOn(store.RelationGSCRank)
	_, err = engine.Run(ctx, batch)
	require.Error(t, err)

	runs, err := mem.ListRuns(ctx, batch, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	failed, completed := runs[0], runs[1]
	assert.Equal(t, pipeline.RunFailed, failed.Status)
	assert.Equal(t, pipeline.StageJoin, failed.Stage)
	assert.Contains(t, failed.Error, "gsc_rank")
	require.NotNil(t, failed.CompletedAt)

	assert.Equal(t, report.RunID, completed.ID)
	assert.Equal(t, pipeline.RunCompleted, completed.Status)
	assert.Equal(t, pipeline.StageDone, completed.Stage)
	assert.Equal(t, 3, completed.FactRows)
}
