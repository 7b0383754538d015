package pipeline_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/seo-engine/pipeline"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

// =============================================================================
// RATIOS
// =============================================================================

func TestCTR(t *testing.T) {
	assertDecimal(t, "0.05", pipeline.CTR(10, 200))
	assertDecimal(t, "0.3333", pipeline.CTR(1, 3))
	assertDecimal(t, "0.6667", pipeline.CTR(2, 3))
	assertDecimal(t, "0", pipeline.CTR(10, 0), "zero impressions")
}

func TestConversionRate_RoundsHalfAwayFromZero(t *testing.T) {
	// 1/32 = 0.03125 sits exactly on the half
	assertDecimal(t, "0.0313", pipeline.ConversionRate(1, 32))
	assertDecimal(t, "-0.0313", pipeline.ConversionRate(-1, 32))
	assertDecimal(t, "0", pipeline.ConversionRate(5, 0))
}

func TestImpressionShare(t *testing.T) {
	assertDecimal(t, "0.25", pipeline.ImpressionShare(50, 200))
	assertDecimal(t, "0", pipeline.ImpressionShare(50, 0))
	assertDecimal(t, "0", pipeline.ImpressionShare(50, -10), "negative volume")
}

func TestEstimatedTraffic(t *testing.T) {
	tests := []struct {
		name        string
		impressions int64
		ctr         string
		position    string
		want        string
	}{
		{"reciprocal decay", 200, "0.05", "2", "8.33"},
		{"position one", 1000, "0.1", "1", "90.91"},
		{"zero impressions", 0, "0.05", "2", "0"},
		{"zero position", 200, "0.05", "0", "0"},
		{"negative position", 200, "0.05", "-3", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pipeline.EstimatedTraffic(tt.impressions, dec(tt.ctr), dec(tt.position))
			assertDecimal(t, tt.want, got)
		})
	}
}

// =============================================================================
// RANK CATEGORY
// =============================================================================

func TestCategorizeRank_Boundaries(t *testing.T) {
	tests := []struct {
		rank int64
		want pipeline.RankCategory
	}{
		{1, pipeline.RankTop3},
		{3, pipeline.RankTop3},
		{4, pipeline.RankFirstPage},
		{10, pipeline.RankFirstPage},
		{11, pipeline.RankSecondPage},
		{20, pipeline.RankSecondPage},
		{21, pipeline.RankTop50},
		{50, pipeline.RankTop50},
		{51, pipeline.RankBelowTop50},
		{0, pipeline.RankBelowTop50},
		{-1, pipeline.RankBelowTop50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pipeline.CategorizeRank(tt.rank), "rank %d", tt.rank)
	}
}
