/*
transform.go - Transform stage: raw staged rows -> canonical records

PURPOSE:
  Cleans and deduplicates one source's staged rows for a batch into at most
  one canonical record per natural key, computing derived metrics.

RULES (all three sources):
  Filtering:     rows missing date, keyword/query or page are dropped
                 (an unparseable date counts as missing). Missing or
                 unparseable numerics are zero.
  Normalization: dates -> calendar day; keyword/page -> trimmed, lower case.
                 Near-duplicates differing only by case/whitespace collapse.
  Aggregation:   per normalized key:
                   clicks, impressions, pageviews, sessions: sum of max(0, v)
                   conversions:                            sum, null = 0, no clamp
                   rank:                                   minimum (best position)
                   monthly search volume, cpc:             maximum
                   avg position:                           maximum (worst position)

OUTPUT:
  Records sorted by natural key, stamped with the batch id and producedAt.
  The functions are pure; persistence is the engine's job.
*/
package pipeline

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransformStats counts what happened to a source's rows in one transform.
type TransformStats struct {
	Source      Source `json:"source"`
	RowsIn      int    `json:"rows_in"`
	RowsDropped int    `json:"rows_dropped"`
	RowsForeign int    `json:"rows_foreign"` // staged under another batch id
	RecordsOut  int    `json:"records_out"`
}

// =============================================================================
// NORMALIZATION HELPERS
// =============================================================================

// NormalizeText case-folds and trims a text key.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// parseNumber reads a raw numeric value. The second result is false when the
// value is missing or unparseable (the caller then treats it as zero or as
// absent, depending on the aggregation).
func parseNumber(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, "%")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// toInt64 truncates d to an integer, saturating at the int64 bounds.
// decimal.IntPart wraps silently on overflow.
func toInt64(d decimal.Decimal) int64 {
	switch {
	case d.GreaterThanOrEqual(maxInt64):
		return math.MaxInt64
	case d.LessThanOrEqual(minInt64):
		return math.MinInt64
	}
	return d.IntPart()
}

// addCount adds b to a, saturating instead of wrapping.
func addCount(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}

// counter parses a counter, clamping it to [0, MaxInt64].
func counter(raw string) int64 {
	d, _ := parseNumber(raw)
	if d.IsNegative() {
		return 0
	}
	return toInt64(d)
}

// signedCount parses a count that is summed as provided.
func signedCount(raw string) int64 {
	d, _ := parseNumber(raw)
	return toInt64(d)
}

// requiredKey normalizes the date and text key fields, reporting whether all
// of them are present.
func requiredKey(rawDate string, texts ...string) (Date, []string, bool) {
	date, err := ParseDate(rawDate)
	if err != nil {
		return Date{}, nil, false
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = NormalizeText(t)
		if out[i] == "" {
			return Date{}, nil, false
		}
	}
	return date, out, true
}

// =============================================================================
// GSC
// =============================================================================

type gscAgg struct {
	clicks      int64
	impressions int64
	avgPosition decimal.Decimal
}

// TransformGSC aggregates search-console rows into canonical GSC records.
func TransformGSC(rows []RawGSCRow, batch BatchID, producedAt time.Time) ([]GSCRecord, TransformStats) {
	stats := TransformStats{Source: SourceGSC, RowsIn: len(rows)}
	groups := make(map[FactKey]*gscAgg)

	for _, row := range rows {
		if row.BatchID != batch {
			stats.RowsForeign++
			continue
		}
		date, texts, ok := requiredKey(row.Date, row.Query, row.Page)
		if !ok {
			stats.RowsDropped++
			continue
		}
		key := FactKey{Date: date, Keyword: texts[0], PageURL: texts[1]}
		g, exists := groups[key]
		if !exists {
			g = &gscAgg{}
			groups[key] = g
		}
		g.clicks = addCount(g.clicks, counter(row.Clicks))
		g.impressions = addCount(g.impressions, counter(row.Impressions))
		if pos, _ := parseNumber(row.Position); pos.GreaterThan(g.avgPosition) {
			g.avgPosition = pos
		}
	}

	keys := sortedFactKeys(groups)
	records := make([]GSCRecord, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		ctr := CTR(g.clicks, g.impressions)
		records = append(records, GSCRecord{
			Date:             k.Date,
			Keyword:          k.Keyword,
			PageURL:          k.PageURL,
			Clicks:           g.clicks,
			Impressions:      g.impressions,
			CTR:              ctr,
			AvgPosition:      g.avgPosition,
			EstimatedTraffic: EstimatedTraffic(g.impressions, ctr, g.avgPosition),
			BatchID:          batch,
			ProducedAt:       producedAt,
		})
	}
	stats.RecordsOut = len(records)
	return records, stats
}

// =============================================================================
// ANALYTICS
// =============================================================================

type analyticsAgg struct {
	pageviews   int64
	sessions    int64
	conversions int64
}

// TransformAnalytics aggregates site-analytics rows into canonical page records.
func TransformAnalytics(rows []RawAnalyticsRow, batch BatchID, producedAt time.Time) ([]AnalyticsRecord, TransformStats) {
	stats := TransformStats{Source: SourceAnalytics, RowsIn: len(rows)}
	groups := make(map[PageKey]*analyticsAgg)

	for _, row := range rows {
		if row.BatchID != batch {
			stats.RowsForeign++
			continue
		}
		date, texts, ok := requiredKey(row.Date, row.Page)
		if !ok {
			stats.RowsDropped++
			continue
		}
		key := PageKey{Date: date, PageURL: texts[0]}
		g, exists := groups[key]
		if !exists {
			g = &analyticsAgg{}
			groups[key] = g
		}
		g.pageviews = addCount(g.pageviews, counter(row.Pageviews))
		g.sessions = addCount(g.sessions, counter(row.Sessions))
		g.conversions = addCount(g.conversions, signedCount(row.Conversions))
	}

	keys := make([]PageKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	records := make([]AnalyticsRecord, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		records = append(records, AnalyticsRecord{
			Date:           k.Date,
			PageURL:        k.PageURL,
			Pageviews:      g.pageviews,
			Sessions:       g.sessions,
			Conversions:    g.conversions,
			ConversionRate: ConversionRate(g.conversions, g.sessions),
			BatchID:        batch,
			ProducedAt:     producedAt,
		})
	}
	stats.RecordsOut = len(records)
	return records, stats
}

// =============================================================================
// RANK
// =============================================================================

type rankAgg struct {
	rank    int64
	hasRank bool
	volume  int64
	cpc     decimal.Decimal
}

// TransformRank aggregates keyword-rank rows into canonical rank records.
// A group with no parseable rank gets rank 0 (Below Top 50).
func TransformRank(rows []RawRankRow, batch BatchID, producedAt time.Time) ([]RankRecord, TransformStats) {
	stats := TransformStats{Source: SourceRank, RowsIn: len(rows)}
	groups := make(map[FactKey]*rankAgg)

	for _, row := range rows {
		if row.BatchID != batch {
			stats.RowsForeign++
			continue
		}
		date, texts, ok := requiredKey(row.Date, row.Keyword, row.Page)
		if !ok {
			stats.RowsDropped++
			continue
		}
		key := FactKey{Date: date, Keyword: texts[0], PageURL: texts[1]}
		g, exists := groups[key]
		if !exists {
			g = &rankAgg{}
			groups[key] = g
		}
		if r, present := parseNumber(row.Rank); present {
			if rank := toInt64(r); !g.hasRank || rank < g.rank {
				g.rank = rank
				g.hasRank = true
			}
		}
		if v, _ := parseNumber(row.SearchVolume); toInt64(v) > g.volume {
			g.volume = toInt64(v)
		}
		if c, _ := parseNumber(row.CPC); c.GreaterThan(g.cpc) {
			g.cpc = c
		}
	}

	keys := sortedFactKeys(groups)
	records := make([]RankRecord, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		records = append(records, RankRecord{
			Date:                k.Date,
			Keyword:             k.Keyword,
			PageURL:             k.PageURL,
			Rank:                g.rank,
			MonthlySearchVolume: g.volume,
			CPC:                 g.cpc,
			RankCategory:        CategorizeRank(g.rank),
			BatchID:             batch,
			ProducedAt:          producedAt,
		})
	}
	stats.RecordsOut = len(records)
	return records, stats
}

func sortedFactKeys[V any](groups map[FactKey]V) []FactKey {
	keys := make([]FactKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
