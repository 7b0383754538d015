/*
metrics.go - Derived SEO metrics

PURPOSE:
  Pure functions computing every derived field from aggregated counters.
  Canonical, joined and fact records never store a derived value that was
  not produced here.

ROUNDING:
  All rounding is decimal, half away from zero (the behaviour of SQL ROUND),
  applied once at the end of each formula:
    CTR              4 dp
    ConversionRate   4 dp
    ImpressionShare  4 dp
    EstimatedTraffic 2 dp

DIVISION GUARD:
  A zero (or negative, for volumes) denominator yields exactly 0, never an
  error and never null.

ESTIMATED TRAFFIC:
  impressions × CTR × 1/(1 + 0.1 × avg_position)
  A reciprocal position decay. Some documentation of this model describes a
  logarithmic decay instead; the reciprocal form is the one downstream
  consumers have always received and is kept as authoritative.
*/
package pipeline

import "github.com/shopspring/decimal"

const (
	RatioPlaces   int32 = 4
	TrafficPlaces int32 = 2
)

var (
	one = decimal.NewFromInt(1)

	// PositionDecay is the per-position damping of the traffic model.
	PositionDecay = decimal.RequireFromString("0.1")
)

// ratio divides and rounds, yielding zero for a non-positive denominator.
func ratio(num, den decimal.Decimal, places int32) decimal.Decimal {
	if !den.IsPositive() {
		return decimal.Zero
	}
	return num.Div(den).Round(places)
}

// CTR = clicks / impressions.
func CTR(clicks, impressions int64) decimal.Decimal {
	return ratio(decimal.NewFromInt(clicks), decimal.NewFromInt(impressions), RatioPlaces)
}

// ConversionRate = conversions / sessions.
func ConversionRate(conversions, sessions int64) decimal.Decimal {
	return ratio(decimal.NewFromInt(conversions), decimal.NewFromInt(sessions), RatioPlaces)
}

// ImpressionShare = impressions / monthly search volume.
func ImpressionShare(impressions, monthlySearchVolume int64) decimal.Decimal {
	return ratio(decimal.NewFromInt(impressions), decimal.NewFromInt(monthlySearchVolume), RatioPlaces)
}

// EstimatedTraffic applies the reciprocal position decay to the click-through
// rate. ctr is the already rounded CTR of the record.
func EstimatedTraffic(impressions int64, ctr, avgPosition decimal.Decimal) decimal.Decimal {
	if impressions == 0 || !avgPosition.IsPositive() {
		return decimal.Zero
	}
	decay := one.Add(PositionDecay.Mul(avgPosition))
	return decimal.NewFromInt(impressions).Mul(ctr).Div(decay).Round(TrafficPlaces)
}

// =============================================================================
// RANK CATEGORY
// =============================================================================

type RankCategory string

const (
	RankTop3       RankCategory = "Top 3"
	RankFirstPage  RankCategory = "First Page"
	RankSecondPage RankCategory = "Second Page"
	RankTop50      RankCategory = "Top 50"
	RankBelowTop50 RankCategory = "Below Top 50"
)

// RankCategories lists the buckets from best to worst.
func RankCategories() []RankCategory {
	return []RankCategory{RankTop3, RankFirstPage, RankSecondPage, RankTop50, RankBelowTop50}
}

// CategorizeRank buckets a ranking position. Anything outside 1..50,
// including a missing (0) rank, is Below Top 50.
func CategorizeRank(rank int64) RankCategory {
	switch {
	case rank >= 1 && rank <= 3:
		return RankTop3
	case rank >= 4 && rank <= 10:
		return RankFirstPage
	case rank >= 11 && rank <= 20:
		return RankSecondPage
	case rank >= 21 && rank <= 50:
		return RankTop50
	default:
		return RankBelowTop50
	}
}
