/*
fact.go - Fact builder: full combination of the two joined sets

PURPOSE:
  Reconciles GSC, Analytics and Rank into one FactRecord per
  (date, keyword, page_url). The two joined sets each hang off GSC; this is
  the only place they meet.

KEY COVERAGE:
  Symmetric full combination: every key present in EITHER joined set yields
  exactly one fact. Keys are collected from both sides first, so no key can be
  lost because one side holds nulls in the columns it would be matched on.

FIELD PRIORITY (applied per field, not per record):
  1. GSC x Analytics value, if not null
  2. GSC x Rank value, if not null
  3. zero

  A fact can take clicks from one side and rank from the other.
*/
package pipeline

import (
	"database/sql"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// FactStats counts the outcome of the fact build.
type FactStats struct {
	AnalyticsSideIn int `json:"analytics_side_in"`
	RankSideIn      int `json:"rank_side_in"`
	BothSides       int `json:"both_sides"`
	AnalyticsOnly   int `json:"analytics_only"`
	RankOnly        int `json:"rank_only"`
	RecordsOut      int `json:"records_out"`
	BatchFallbacks  int `json:"batch_fallbacks"`
}

// coalesceInt returns the first valid value, else zero.
func coalesceInt(values ...sql.Null[int64]) int64 {
	for _, v := range values {
		if v.Valid {
			return v.V
		}
	}
	return 0
}

// coalesceDecimal returns the first valid value, else zero.
func coalesceDecimal(values ...decimal.NullDecimal) decimal.Decimal {
	for _, v := range values {
		if v.Valid {
			return v.Decimal
		}
	}
	return decimal.Zero
}

// BuildFacts fully combines the two joined sets.
func BuildFacts(ga []GSCAnalyticsRecord, gr []GSCRankRecord, batch BatchID, processedAt time.Time) ([]FactRecord, FactStats) {
	stats := FactStats{AnalyticsSideIn: len(ga), RankSideIn: len(gr)}

	left := make(map[FactKey]GSCAnalyticsRecord, len(ga))
	right := make(map[FactKey]GSCRankRecord, len(gr))
	keys := make([]FactKey, 0, len(ga)+len(gr))
	seen := make(map[FactKey]bool, len(ga)+len(gr))

	for _, r := range ga {
		k := r.Key()
		left[k] = r
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, r := range gr {
		k := r.Key()
		right[k] = r
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	facts := make([]FactRecord, 0, len(keys))
	for _, k := range keys {
		// A missing side is the zero record: every nullable field invalid.
		a, hasA := left[k]
		r, hasR := right[k]
		switch {
		case hasA && hasR:
			stats.BothSides++
		case hasA:
			stats.AnalyticsOnly++
		default:
			stats.RankOnly++
		}

		b, fellBack := ResolveBatch(a.BatchID, r.BatchID, batch)
		if fellBack {
			stats.BatchFallbacks++
		}

		facts = append(facts, FactRecord{
			Date:                k.Date,
			Keyword:             k.Keyword,
			PageURL:             k.PageURL,
			Clicks:              coalesceInt(a.Clicks, r.Clicks),
			Impressions:         coalesceInt(a.Impressions, r.Impressions),
			AvgPosition:         coalesceDecimal(a.AvgPosition, r.AvgPosition),
			Rank:                coalesceInt(r.Rank),
			Pageviews:           coalesceInt(a.Pageviews),
			Sessions:            coalesceInt(a.Sessions),
			Conversions:         coalesceInt(a.Conversions),
			MonthlySearchVolume: coalesceInt(r.MonthlySearchVolume),
			CPC:                 coalesceDecimal(r.CPC),
			EstimatedTraffic:    coalesceDecimal(a.EstimatedTraffic, r.EstimatedTraffic),
			ConversionRate:      coalesceDecimal(a.ConversionRate),
			BatchID:             b,
			ProcessedAt:         processedAt,
		})
	}
	stats.RecordsOut = len(facts)
	return facts, stats
}
