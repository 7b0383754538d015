/*
join.go - Join stage: pairwise combination of canonical records

PURPOSE:
  Combines GSC with each of the other two sources for the same batch.

  GSC x Analytics  left join on (date, page_url). Every GSC record survives;
                   analytics fields are null when the page has no analytics.
                   Analytics pages without GSC rows have no keyword and so
                   cannot form a fact key; they are counted, not emitted.

  GSC x Rank       left join on (date, keyword, page_url). Every GSC record
                   survives; rank fields are null on no match. Rank records
                   that no GSC record matched are carried as right-only rows
                   (GSC fields null) so rank-only keys reach the fact table.
                   Adds impression share = impressions / monthly_search_volume.

AUDIT FIELD:
  batch_id = left's batch if present, else right's, else the caller's batch.
  The last fallback cannot fire when both inputs were filtered to the same
  batch; when it does it is reported in JoinStats.BatchFallbacks.
*/
package pipeline

import (
	"database/sql"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// JoinStats counts the outcome of one pairwise join.
type JoinStats struct {
	Pair           string `json:"pair"`
	LeftIn         int    `json:"left_in"`
	RightIn        int    `json:"right_in"`
	Matched        int    `json:"matched"`
	LeftOnly       int    `json:"left_only"`
	RightOnly      int    `json:"right_only"`
	RecordsOut     int    `json:"records_out"`
	BatchFallbacks int    `json:"batch_fallbacks"`
}

const (
	PairGSCAnalytics = "gsc_analytics"
	PairGSCRank      = "gsc_rank"
)

// ResolveBatch picks the audit batch id: left, then right, then current.
// The boolean reports whether the current-batch fallback was used.
func ResolveBatch(left, right, current BatchID) (BatchID, bool) {
	switch {
	case left != "":
		return left, false
	case right != "":
		return right, false
	default:
		return current, true
	}
}

func nullInt(v int64) sql.Null[int64] { return sql.Null[int64]{V: v, Valid: true} }

func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// =============================================================================
// GSC x ANALYTICS
// =============================================================================

// JoinGSCAnalytics left-joins analytics page metrics onto GSC records.
func JoinGSCAnalytics(gsc []GSCRecord, analytics []AnalyticsRecord, batch BatchID, processedAt time.Time) ([]GSCAnalyticsRecord, JoinStats) {
	stats := JoinStats{Pair: PairGSCAnalytics, LeftIn: len(gsc), RightIn: len(analytics)}

	pages := make(map[PageKey]AnalyticsRecord, len(analytics))
	for _, a := range analytics {
		pages[a.Key()] = a
	}
	used := make(map[PageKey]bool, len(analytics))

	out := make([]GSCAnalyticsRecord, 0, len(gsc))
	for _, g := range gsc {
		rec := GSCAnalyticsRecord{
			Date:             g.Date,
			Keyword:          g.Keyword,
			PageURL:          g.PageURL,
			Clicks:           nullInt(g.Clicks),
			Impressions:      nullInt(g.Impressions),
			CTR:              nullDecimal(g.CTR),
			AvgPosition:      nullDecimal(g.AvgPosition),
			EstimatedTraffic: nullDecimal(g.EstimatedTraffic),
			ProcessedAt:      processedAt,
		}
		var rightBatch BatchID
		if a, ok := pages[g.Key().Page()]; ok {
			stats.Matched++
			used[a.Key()] = true
			rec.Pageviews = nullInt(a.Pageviews)
			rec.Sessions = nullInt(a.Sessions)
			rec.Conversions = nullInt(a.Conversions)
			rec.ConversionRate = nullDecimal(a.ConversionRate)
			rightBatch = a.BatchID
		} else {
			stats.LeftOnly++
		}
		b, fellBack := ResolveBatch(g.BatchID, rightBatch, batch)
		if fellBack {
			stats.BatchFallbacks++
		}
		rec.BatchID = b
		out = append(out, rec)
	}
	stats.RightOnly = len(pages) - len(used)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	stats.RecordsOut = len(out)
	return out, stats
}

// =============================================================================
// GSC x RANK
// =============================================================================

// JoinGSCRank left-joins rank metrics onto GSC records, computes impression
// share, and appends rank records without a GSC match as right-only rows.
func JoinGSCRank(gsc []GSCRecord, ranks []RankRecord, batch BatchID, processedAt time.Time) ([]GSCRankRecord, JoinStats) {
	stats := JoinStats{Pair: PairGSCRank, LeftIn: len(gsc), RightIn: len(ranks)}

	byKey := make(map[FactKey]RankRecord, len(ranks))
	for _, r := range ranks {
		byKey[r.Key()] = r
	}
	matched := make(map[FactKey]bool, len(ranks))

	out := make([]GSCRankRecord, 0, len(gsc)+len(ranks))
	for _, g := range gsc {
		rec := GSCRankRecord{
			Date:             g.Date,
			Keyword:          g.Keyword,
			PageURL:          g.PageURL,
			Clicks:           nullInt(g.Clicks),
			Impressions:      nullInt(g.Impressions),
			CTR:              nullDecimal(g.CTR),
			AvgPosition:      nullDecimal(g.AvgPosition),
			EstimatedTraffic: nullDecimal(g.EstimatedTraffic),
			ImpressionShare:  decimal.Zero,
			ProcessedAt:      processedAt,
		}
		var rightBatch BatchID
		if r, ok := byKey[g.Key()]; ok {
			stats.Matched++
			matched[g.Key()] = true
			setRankFields(&rec, r)
			rec.ImpressionShare = ImpressionShare(g.Impressions, r.MonthlySearchVolume)
			rightBatch = r.BatchID
		} else {
			stats.LeftOnly++
		}
		b, fellBack := ResolveBatch(g.BatchID, rightBatch, batch)
		if fellBack {
			stats.BatchFallbacks++
		}
		rec.BatchID = b
		out = append(out, rec)
	}

	for _, r := range ranks {
		if matched[r.Key()] {
			continue
		}
		stats.RightOnly++
		rec := GSCRankRecord{
			Date:            r.Date,
			Keyword:         r.Keyword,
			PageURL:         r.PageURL,
			ImpressionShare: decimal.Zero,
			ProcessedAt:     processedAt,
		}
		setRankFields(&rec, r)
		b, fellBack := ResolveBatch("", r.BatchID, batch)
		if fellBack {
			stats.BatchFallbacks++
		}
		rec.BatchID = b
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	stats.RecordsOut = len(out)
	return out, stats
}

func setRankFields(rec *GSCRankRecord, r RankRecord) {
	rec.Rank = nullInt(r.Rank)
	rec.MonthlySearchVolume = nullInt(r.MonthlySearchVolume)
	rec.CPC = nullDecimal(r.CPC)
	rec.RankCategory = sql.Null[string]{V: string(r.RankCategory), Valid: true}
}
