package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/seo-engine/pipeline"
)

func gscRecord(keyword, page string, clicks, impressions int64) pipeline.GSCRecord {
	return pipeline.GSCRecord{
		Date: jan5, Keyword: keyword, PageURL: page,
		Clicks: clicks, Impressions: impressions,
		CTR:         pipeline.CTR(clicks, impressions),
		AvgPosition: dec("2"),
		BatchID:     batch,
	}
}

func rankRecord(keyword, page string, rank, volume int64) pipeline.RankRecord {
	return pipeline.RankRecord{
		Date: jan5, Keyword: keyword, PageURL: page,
		Rank: rank, MonthlySearchVolume: volume, CPC: dec("0.8"),
		RankCategory: pipeline.CategorizeRank(rank),
		BatchID:      batch,
	}
}

// =============================================================================
// RESOLVE BATCH
// =============================================================================

func TestResolveBatch(t *testing.T) {
	b, fellBack := pipeline.ResolveBatch("L", "R", "C")
	assert.Equal(t, pipeline.BatchID("L"), b)
	assert.False(t, fellBack)

	b, fellBack = pipeline.ResolveBatch("", "R", "C")
	assert.Equal(t, pipeline.BatchID("R"), b)
	assert.False(t, fellBack)

	b, fellBack = pipeline.ResolveBatch("", "", "C")
	assert.Equal(t, pipeline.BatchID("C"), b)
	assert.True(t, fellBack)
}

// =============================================================================
// GSC x ANALYTICS
// =============================================================================

func TestJoinGSCAnalytics_LeftJoinOnDateAndPage(t *testing.T) {
	// GIVEN: two keywords on /shoes, one on /boots; analytics for /shoes and /hats
	gsc := []pipeline.GSCRecord{
		gscRecord("running shoes", "/shoes", 10, 200),
		gscRecord("trail shoes", "/shoes", 5, 100),
		gscRecord("boots", "/boots", 1, 10),
	}
	analytics := []pipeline.AnalyticsRecord{
		{Date: jan5, PageURL: "/shoes", Pageviews: 50, Sessions: 40, Conversions: 4,
			ConversionRate: pipeline.ConversionRate(4, 40), BatchID: batch},
		{Date: jan5, PageURL: "/hats", Pageviews: 9, Sessions: 9, BatchID: batch},
	}

	// WHEN
	joined, stats := pipeline.JoinGSCAnalytics(gsc, analytics, batch, producedAt)

	// THEN: every GSC record survives, page metrics fan out to both keywords
	require.Len(t, joined, 3)
	assert.Equal(t, 2, stats.Matched)
	assert.Equal(t, 1, stats.LeftOnly)
	assert.Equal(t, 1, stats.RightOnly, "/hats has no keyword")
	assert.Zero(t, stats.BatchFallbacks)

	boots := joined[0]
	assert.Equal(t, "boots", boots.Keyword)
	assert.True(t, boots.Clicks.Valid)
	assert.False(t, boots.Sessions.Valid)
	assert.False(t, boots.ConversionRate.Valid)

	for _, r := range joined[1:] {
		assert.Equal(t, "/shoes", r.PageURL)
		assert.Equal(t, int64(40), r.Sessions.V)
		assertDecimal(t, "0.1", r.ConversionRate.Decimal)
		assert.Equal(t, batch, r.BatchID)
		assert.Equal(t, producedAt, r.ProcessedAt)
	}
}

// =============================================================================
// GSC x RANK
// =============================================================================

func TestJoinGSCRank_ImpressionShareAndRightOnlyRows(t *testing.T) {
	gsc := []pipeline.GSCRecord{
		gscRecord("running shoes", "/shoes", 10, 200),
		gscRecord("boots", "/boots", 1, 10),
	}
	ranks := []pipeline.RankRecord{
		rankRecord("running shoes", "/shoes", 4, 800),
		rankRecord("sandals", "/sandals", 12, 300),
	}

	joined, stats := pipeline.JoinGSCRank(gsc, ranks, batch, producedAt)

	require.Len(t, joined, 3)
	assert.Equal(t, 1, stats.Matched)
	assert.Equal(t, 1, stats.LeftOnly)
	assert.Equal(t, 1, stats.RightOnly)

	boots, running, sandals := joined[0], joined[1], joined[2]

	assert.Equal(t, "boots", boots.Keyword)
	assert.False(t, boots.Rank.Valid)
	assert.False(t, boots.RankCategory.Valid)
	assertDecimal(t, "0", boots.ImpressionShare, "no rank match")

	assert.Equal(t, int64(4), running.Rank.V)
	assert.Equal(t, "First Page", running.RankCategory.V)
	assertDecimal(t, "0.25", running.ImpressionShare)

	assert.Equal(t, "sandals", sandals.Keyword)
	assert.False(t, sandals.Clicks.Valid, "rank-only row has no GSC side")
	assert.Equal(t, int64(12), sandals.Rank.V)
	assertDecimal(t, "0", sandals.ImpressionShare)
	assert.Equal(t, batch, sandals.BatchID, "batch taken from the right side")
}

func TestJoinGSCRank_FallsBackToRunBatch(t *testing.T) {
	r := rankRecord("sandals", "/sandals", 12, 300)
	r.BatchID = ""

	joined, stats := pipeline.JoinGSCRank(nil, []pipeline.RankRecord{r}, batch, producedAt)

	require.Len(t, joined, 1)
	assert.Equal(t, batch, joined[0].BatchID)
	assert.Equal(t, 1, stats.BatchFallbacks)
}
