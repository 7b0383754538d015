package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/seo-engine/pipeline"
	"github.com/warp/seo-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	b1 = pipeline.BatchID("2024-01-05")
	b2 = pipeline.BatchID("2024-01-06")
)

var processedAt = time.Date(2024, time.January, 6, 2, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func fact(b pipeline.BatchID, keyword string, clicks int64) pipeline.FactRecord {
	date, _ := pipeline.ParseDate(string(b))
	return pipeline.FactRecord{
		Date: date, Keyword: keyword, PageURL: "/" + keyword,
		Clicks: clicks, Impressions: clicks * 10,
		AvgPosition:      decimal.RequireFromString("3.5"),
		Rank:             4,
		Sessions:         20,
		Conversions:      2,
		CPC:              decimal.RequireFromString("1.25"),
		EstimatedTraffic: decimal.RequireFromString("7.41"),
		ConversionRate:   decimal.RequireFromString("0.1"),
		BatchID:          b,
		ProcessedAt:      processedAt,
	}
}

func stageGSC(t *testing.T, store *sqlite.Store, b pipeline.BatchID, file string, rows ...[]string) {
	t.Helper()
	err := store.StageFile(context.Background(), pipeline.SourceGSC, sqlite.FileLog{
		FileID: file, FileName: file, CreatedAt: processedAt, CreatedUser: "test",
		DataDate: b, RunDate: processedAt,
	}, rows)
	require.NoError(t, err)
}

// =============================================================================
// PARTITIONS
// =============================================================================

func TestReplaceFacts_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	want := []pipeline.FactRecord{fact(b1, "boots", 3), fact(b1, "shoes", 10)}

	require.NoError(t, store.ReplaceFacts(ctx, b1, want))

	got, err := store.LoadFacts(ctx, b1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range want {
		assert.Equal(t, want[i].Key(), got[i].Key())
		assert.Equal(t, want[i].Clicks, got[i].Clicks)
		assert.True(t, want[i].AvgPosition.Equal(got[i].AvgPosition))
		assert.True(t, want[i].CPC.Equal(got[i].CPC))
		assert.Equal(t, "7.41", got[i].EstimatedTraffic.StringFixed(2))
		assert.Equal(t, b1, got[i].BatchID)
		assert.True(t, processedAt.Equal(got[i].ProcessedAt))
	}
}

func TestReplaceFacts_ReplacesOnlyItsBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceFacts(ctx, b1, []pipeline.FactRecord{fact(b1, "a", 1), fact(b1, "b", 2)}))
	require.NoError(t, store.ReplaceFacts(ctx, b2, []pipeline.FactRecord{fact(b2, "a", 5)}))

	// WHEN: b2 is replaced with a different set
	require.NoError(t, store.ReplaceFacts(ctx, b2, []pipeline.FactRecord{fact(b2, "c", 7)}))

	// THEN
	first, _ := store.LoadFacts(ctx, b1)
	second, _ := store.LoadFacts(ctx, b2)
	assert.Len(t, first, 2)
	require.Len(t, second, 1)
	assert.Equal(t, "c", second[0].Keyword)
}

func TestReplaceFacts_FailureRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceFacts(ctx, b1, []pipeline.FactRecord{fact(b1, "a", 1)}))

	// WHEN: the new partition violates the key (same key twice)
	err := store.ReplaceFacts(ctx, b1, []pipeline.FactRecord{fact(b1, "z", 1), fact(b1, "z", 2)})

	// THEN: the previous content survives
	require.Error(t, err)
	got, _ := store.LoadFacts(ctx, b1)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Keyword)
}

func TestReplaceGSCRank_NullSides(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	date, _ := pipeline.ParseDate("2024-01-05")

	ranks := []pipeline.RankRecord{{
		Date: date, Keyword: "sandals", PageURL: "/sandals",
		Rank: 12, MonthlySearchVolume: 300, CPC: decimal.RequireFromString("0.4"),
		RankCategory: pipeline.RankSecondPage, BatchID: b1,
	}}
	joined, _ := pipeline.JoinGSCRank(nil, ranks, b1, processedAt)

	require.NoError(t, store.ReplaceGSCRank(ctx, b1, joined))

	got, err := store.LoadGSCRank(ctx, b1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Clicks.Valid)
	assert.False(t, got[0].CTR.Valid)
	assert.Equal(t, int64(12), got[0].Rank.V)
	assert.Equal(t, "Second Page", got[0].RankCategory.V)
	assert.True(t, got[0].ImpressionShare.IsZero())
}

// =============================================================================
// STAGING
// =============================================================================

func TestStageFile_LoadsByBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	stageGSC(t, store, b1, "gsc_1.csv", []string{"2024-01-05", "Shoes", "/shoes", "10", "200", "", "2"})
	stageGSC(t, store, b2, "gsc_2.csv", []string{"2024-01-06", "Boots", "/boots", "1", "20", "", "4"})

	rows, err := store.LoadStagedGSC(ctx, b1)

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Shoes", rows[0].Query)
	assert.Equal(t, "", rows[0].CTR)
	assert.Equal(t, b1, rows[0].BatchID)

	done, err := store.CompletedFiles(ctx)
	require.NoError(t, err)
	assert.True(t, done["gsc_1.csv"])
	assert.True(t, done["gsc_2.csv"])

	logs, err := store.FileLogs(ctx, pipeline.SourceGSC)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, sqlite.FileCompleted, logs[0].Status)
	assert.Equal(t, 1, logs[0].Rows)
}

func TestStageFile_RejectsRaggedRowsAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.StageFile(ctx, pipeline.SourceGSC, sqlite.FileLog{
		FileID: "x", FileName: "bad.csv", CreatedAt: processedAt, CreatedUser: "test",
		DataDate: b1, RunDate: processedAt,
	}, [][]string{
		{"2024-01-05", "a", "/a", "1", "1", "", "1"},
		{"2024-01-05", "b"},
	})

	require.Error(t, err)
	rows, _ := store.LoadStagedGSC(ctx, b1)
	assert.Empty(t, rows, "first row rolled back")
	done, _ := store.CompletedFiles(ctx)
	assert.False(t, done["bad.csv"])
}

// =============================================================================
// QUERIES
// =============================================================================

func TestQueryFacts_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceFacts(ctx, b1, []pipeline.FactRecord{fact(b1, "a", 1), fact(b1, "b", 2)}))
	require.NoError(t, store.ReplaceFacts(ctx, b2, []pipeline.FactRecord{fact(b2, "a", 3)}))

	all, err := store.QueryFacts(ctx, pipeline.FactFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byBatch, _ := store.QueryFacts(ctx, pipeline.FactFilter{Batch: b2})
	require.Len(t, byBatch, 1)
	assert.Equal(t, int64(3), byBatch[0].Clicks)

	byKeyword, _ := store.QueryFacts(ctx, pipeline.FactFilter{Keyword: " A "})
	assert.Len(t, byKeyword, 2)

	from, _ := pipeline.ParseDate("2024-01-06")
	byDate, _ := store.QueryFacts(ctx, pipeline.FactFilter{From: from})
	assert.Len(t, byDate, 1)

	limited, _ := store.QueryFacts(ctx, pipeline.FactFilter{Limit: 2})
	assert.Len(t, limited, 2)

	batches, err := store.ListBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.BatchID{b1, b2}, batches)
}

// =============================================================================
// RUN LOG
// =============================================================================

func TestSaveRun_Upserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := pipeline.RunRecord{
		ID: "run-1", Batch: b1, FromStage: pipeline.StageTransform,
		Stage: pipeline.StageTransform, Status: pipeline.RunRunning, StartedAt: processedAt,
	}
	require.NoError(t, store.SaveRun(ctx, run))

	finished := processedAt.Add(time.Minute)
	run.Stage, run.Status, run.FactRows, run.CompletedAt = pipeline.StageDone, pipeline.RunCompleted, 12, &finished
	require.NoError(t, store.SaveRun(ctx, run))

	runs, err := store.ListRuns(ctx, b1, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.RunCompleted, runs[0].Status)
	assert.Equal(t, 12, runs[0].FactRows)
	require.NotNil(t, runs[0].CompletedAt)
	assert.True(t, finished.Equal(*runs[0].CompletedAt))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pipeline.StageDone, got.Stage)

	missing, err := store.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// UTILITIES
// =============================================================================

func TestReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceFacts(ctx, b1, []pipeline.FactRecord{fact(b1, "a", 1)}))

	n, err := store.Count(ctx, "fact_seo_performance", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Reset(ctx, true))

	n, err = store.Count(ctx, "fact_seo_performance", "")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.Count(ctx, "sqlite_master", "")
	assert.Error(t, err)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngineOnSQLite_IdempotentAndIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	stageGSC(t, store, b1, "gsc_1.csv",
		[]string{"2024-01-05", " Running Shoes ", "/shoes", "10", "200", "", "2"},
		[]string{"2024-01-05", "running shoes", "/shoes", "-3", "0", "", "1"},
	)
	stageGSC(t, store, b2, "gsc_2.csv", []string{"2024-01-06", "boots", "/boots", "1", "20", "", "4"})
	require.NoError(t, store.StageFile(ctx, pipeline.SourceRank, sqlite.FileLog{
		FileID: "r", FileName: "rank_1.csv", CreatedAt: processedAt, CreatedUser: "test",
		DataDate: b1, RunDate: processedAt,
	}, [][]string{{"2024-01-05", "Sandals", "/sandals", "51", "90", "0.40"}}))

	clock := processedAt
	engine := pipeline.NewEngine(store,
		pipeline.WithLogger(zaptest.NewLogger(t)),
		pipeline.WithClock(func() time.Time { return clock }),
		pipeline.WithRunLog(store),
	)

	_, err := engine.Run(ctx, b2)
	require.NoError(t, err)
	otherBefore, _ := store.LoadFacts(ctx, b2)

	_, err = engine.Run(ctx, b1)
	require.NoError(t, err)
	first, _ := store.LoadFacts(ctx, b1)

	clock = clock.Add(time.Hour)
	_, err = engine.Run(ctx, b1)
	require.NoError(t, err)
	second, _ := store.LoadFacts(ctx, b1)

	// THEN: rerun is identical apart from processed_at
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for i := range first {
		a, b := first[i], second[i]
		assert.True(t, b.ProcessedAt.After(a.ProcessedAt))
		a.ProcessedAt, b.ProcessedAt = time.Time{}, time.Time{}
		assert.Equal(t, a.Strings(), b.Strings())
	}

	running, sandals := second[0], second[1]
	assert.Equal(t, "running shoes", running.Keyword)
	assert.Equal(t, int64(10), running.Clicks)
	assert.Equal(t, int64(200), running.Impressions)
	assert.Equal(t, "8.33", running.EstimatedTraffic.StringFixed(2))

	assert.Equal(t, "sandals", sandals.Keyword)
	assert.Equal(t, int64(0), sandals.Clicks)
	assert.Equal(t, int64(51), sandals.Rank)

	// AND: the other batch is untouched
	otherAfter, _ := store.LoadFacts(ctx, b2)
	assert.Equal(t, otherBefore, otherAfter)

	runs, err := store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}
