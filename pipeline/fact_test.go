package pipeline_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/seo-engine/pipeline"
)

func nullInt(v int64) sql.Null[int64] { return sql.Null[int64]{V: v, Valid: true} }

func TestBuildFacts_RankOnlyKey(t *testing.T) {
	// GIVEN: a key present only in rank data
	ranks := []pipeline.RankRecord{rankRecord("sandals", "/sandals", 12, 300)}
	ga, _ := pipeline.JoinGSCAnalytics(nil, nil, batch, producedAt)
	gr, _ := pipeline.JoinGSCRank(nil, ranks, batch, producedAt)

	// WHEN
	facts, stats := pipeline.BuildFacts(ga, gr, batch, producedAt)

	// THEN: the key reaches the fact table with zero GSC metrics
	require.Len(t, facts, 1)
	f := facts[0]
	assert.Equal(t, "sandals", f.Keyword)
	assert.Equal(t, int64(0), f.Clicks)
	assert.Equal(t, int64(0), f.Impressions)
	assert.Equal(t, int64(12), f.Rank)
	assert.Equal(t, int64(300), f.MonthlySearchVolume)
	assertDecimal(t, "0.8", f.CPC)
	assert.Equal(t, batch, f.BatchID)
	assert.Equal(t, 1, stats.RankOnly)
}

func TestBuildFacts_FieldPriority(t *testing.T) {
	// GIVEN: both sides carry GSC fields with different values
	key := pipeline.FactKey{Date: jan5, Keyword: "shoes", PageURL: "/shoes"}
	ga := []pipeline.GSCAnalyticsRecord{{
		Date: key.Date, Keyword: key.Keyword, PageURL: key.PageURL,
		Clicks:   nullInt(10),
		Sessions: nullInt(40),
		BatchID:  batch,
	}}
	gr := []pipeline.GSCRankRecord{{
		Date: key.Date, Keyword: key.Keyword, PageURL: key.PageURL,
		Clicks:      nullInt(99),
		Impressions: nullInt(500),
		Rank:        nullInt(2),
		BatchID:     batch,
	}}

	facts, stats := pipeline.BuildFacts(ga, gr, batch, producedAt)

	// THEN: analytics side wins where it has a value, rank side fills the rest
	require.Len(t, facts, 1)
	f := facts[0]
	assert.Equal(t, int64(10), f.Clicks)
	assert.Equal(t, int64(500), f.Impressions)
	assert.Equal(t, int64(40), f.Sessions)
	assert.Equal(t, int64(2), f.Rank)
	assertDecimal(t, "0", f.EstimatedTraffic, "null on both sides")
	assert.Equal(t, producedAt, f.ProcessedAt)
	assert.Equal(t, 1, stats.BothSides)
}

func TestBuildFacts_KeyCoverage(t *testing.T) {
	// GIVEN: overlapping and disjoint keys across GSC, Analytics and Rank
	gsc := []pipeline.GSCRecord{
		gscRecord("a", "/1", 1, 10),
		gscRecord("b", "/1", 2, 20),
		gscRecord("c", "/2", 3, 30),
	}
	analytics := []pipeline.AnalyticsRecord{{Date: jan5, PageURL: "/1", Sessions: 5, BatchID: batch}}
	ranks := []pipeline.RankRecord{
		rankRecord("b", "/1", 5, 100),
		rankRecord("d", "/3", 30, 100),
		rankRecord("e", "/3", 60, 100),
	}
	ga, _ := pipeline.JoinGSCAnalytics(gsc, analytics, batch, producedAt)
	gr, _ := pipeline.JoinGSCRank(gsc, ranks, batch, producedAt)

	facts, stats := pipeline.BuildFacts(ga, gr, batch, producedAt)

	// THEN: every key of either joined set appears exactly once
	want := map[pipeline.FactKey]bool{}
	for _, r := range ga {
		want[r.Key()] = true
	}
	for _, r := range gr {
		want[r.Key()] = true
	}
	got := map[pipeline.FactKey]int{}
	for _, f := range facts {
		got[f.Key()]++
	}
	assert.Len(t, got, len(want))
	for k := range want {
		assert.Equal(t, 1, got[k], "key %s", k)
	}
	assert.Equal(t, 5, stats.RecordsOut)
	assert.Equal(t, 3, stats.BothSides)
	assert.Equal(t, 2, stats.RankOnly)
}
