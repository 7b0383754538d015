/*
Package pipeline provides the SEO performance transformation engine.

PURPOSE:
  Turns raw rows from three independent SEO sources (search console, site
  analytics, keyword rank) into one unified performance record per
  (date, keyword, page). The engine is a sequence of partition-scoped,
  idempotent set transformations:

    Staging -> Transform (per source) -> Join (pairwise) -> Fact

KEY CONCEPTS IN THIS FILE (types.go):
  - BatchID: the logical partition key (data_date) of one load
  - Raw rows: source-native text values as staged by ingestion
  - Canonical records: one per natural key per batch, with derived metrics
  - Joined records: GSC x Analytics and GSC x Rank, absent side null
  - Fact records: terminal combination keyed by (date, keyword, page_url)

DESIGN PRINCIPLES:
  1. Replace, never update: every stage swaps its whole partition for a batch
  2. Precision: ratios, positions and money use decimal.Decimal
  3. Null is explicit: an absent join side is sql.Null / NullDecimal, not zero
  4. Derived fields are pure functions of aggregated counters

SEE ALSO:
  - transform.go: cleaning, aggregation, derived metrics
  - join.go: pairwise combiners
  - fact.go: full combination with per-field priority
  - engine.go: stage state machine
*/
package pipeline

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BATCH IDENTIFIER
// =============================================================================

// BatchID is the business date a data load represents (data_date), independent
// of when the pipeline runs. Always YYYY-MM-DD.
type BatchID string

// ParseBatchID validates a caller-supplied batch identifier.
func ParseBatchID(s string) (BatchID, error) {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidBatchID, s)
	}
	return BatchID(s), nil
}

// BatchFor returns the batch identifier for a calendar day.
func BatchFor(t time.Time) BatchID { return BatchID(t.Format(DateLayout)) }

func (b BatchID) String() string { return string(b) }

// =============================================================================
// SOURCES
// =============================================================================

type Source string

const (
	SourceGSC       Source = "gsc"
	SourceAnalytics Source = "analytics"
	SourceRank      Source = "rank"
)

// Sources lists every source in processing order.
func Sources() []Source { return []Source{SourceGSC, SourceAnalytics, SourceRank} }

// ParseSource resolves a source name.
func ParseSource(s string) (Source, error) {
	for _, src := range Sources() {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// StagingTable is the raw relation the ingestion collaborator fills.
func (s Source) StagingTable() string {
	switch s {
	case SourceGSC:
		return "stg_gsc_data"
	case SourceAnalytics:
		return "stg_analytics_data"
	case SourceRank:
		return "stg_rank_data"
	}
	return ""
}

// StagingColumns are the source-native columns of the staging relation,
// excluding the data_date / run_date audit columns.
func (s Source) StagingColumns() []string {
	switch s {
	case SourceGSC:
		return []string{"date", "query", "page", "clicks", "impressions", "ctr", "position"}
	case SourceAnalytics:
		return []string{"date", "page", "pageviews", "sessions", "conversions"}
	case SourceRank:
		return []string{"date", "keyword", "page", "rank", "search_volume", "cpc"}
	}
	return nil
}

// =============================================================================
// RAW RECORDS - Immutable, owned by staging, values kept as source text
// =============================================================================

type RawGSCRow struct {
	Date        string    `db:"date"`
	Query       string    `db:"query"`
	Page        string    `db:"page"`
	Clicks      string    `db:"clicks"`
	Impressions string    `db:"impressions"`
	CTR         string    `db:"ctr"`
	Position    string    `db:"position"`
	BatchID     BatchID   `db:"data_date"`
	RunDate     time.Time `db:"run_date"`
}

type RawAnalyticsRow struct {
	Date        string    `db:"date"`
	Page        string    `db:"page"`
	Pageviews   string    `db:"pageviews"`
	Sessions    string    `db:"sessions"`
	Conversions string    `db:"conversions"`
	BatchID     BatchID   `db:"data_date"`
	RunDate     time.Time `db:"run_date"`
}

type RawRankRow struct {
	Date         string    `db:"date"`
	Keyword      string    `db:"keyword"`
	Page         string    `db:"page"`
	Rank         string    `db:"rank"`
	SearchVolume string    `db:"search_volume"`
	CPC          string    `db:"cpc"`
	BatchID      BatchID   `db:"data_date"`
	RunDate      time.Time `db:"run_date"`
}

// =============================================================================
// NATURAL KEYS
// =============================================================================

// FactKey is the natural key of GSC, Rank, joined and fact records.
type FactKey struct {
	Date    Date
	Keyword string
	PageURL string
}

// PageKey is the natural key of analytics records.
type PageKey struct {
	Date    Date
	PageURL string
}

func (k FactKey) Page() PageKey { return PageKey{Date: k.Date, PageURL: k.PageURL} }

func (k FactKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Date, k.Keyword, k.PageURL)
}

// Less orders keys by date, keyword, page. Every stage emits records in this
// order so reruns produce identical output.
func (k FactKey) Less(other FactKey) bool {
	if k.Date != other.Date {
		return k.Date.Before(other.Date)
	}
	if k.Keyword != other.Keyword {
		return k.Keyword < other.Keyword
	}
	return k.PageURL < other.PageURL
}

func (k PageKey) Less(other PageKey) bool {
	if k.Date != other.Date {
		return k.Date.Before(other.Date)
	}
	return k.PageURL < other.PageURL
}

// =============================================================================
// CANONICAL RECORDS - One per natural key per batch
// =============================================================================

type GSCRecord struct {
	Date             Date            `db:"date"`
	Keyword          string          `db:"keyword"`
	PageURL          string          `db:"page_url"`
	Clicks           int64           `db:"clicks"`
	Impressions      int64           `db:"impressions"`
	CTR              decimal.Decimal `db:"ctr"`
	AvgPosition      decimal.Decimal `db:"avg_position"`
	EstimatedTraffic decimal.Decimal `db:"estimated_traffic"`
	BatchID          BatchID         `db:"batch_id"`
	ProducedAt       time.Time       `db:"processed_at"`
}

func (r GSCRecord) Key() FactKey { return FactKey{Date: r.Date, Keyword: r.Keyword, PageURL: r.PageURL} }

type AnalyticsRecord struct {
	Date           Date            `db:"date"`
	PageURL        string          `db:"page_url"`
	Pageviews      int64           `db:"pageviews"`
	Sessions       int64           `db:"sessions"`
	Conversions    int64           `db:"conversions"`
	ConversionRate decimal.Decimal `db:"conversion_rate"`
	BatchID        BatchID         `db:"batch_id"`
	ProducedAt     time.Time       `db:"processed_at"`
}

func (r AnalyticsRecord) Key() PageKey { return PageKey{Date: r.Date, PageURL: r.PageURL} }

type RankRecord struct {
	Date                Date            `db:"date"`
	Keyword             string          `db:"keyword"`
	PageURL             string          `db:"page_url"`
	Rank                int64           `db:"rank"`
	MonthlySearchVolume int64           `db:"monthly_search_volume"`
	CPC                 decimal.Decimal `db:"cpc"`
	RankCategory        RankCategory    `db:"rank_category"`
	BatchID             BatchID         `db:"batch_id"`
	ProducedAt          time.Time       `db:"processed_at"`
}

func (r RankRecord) Key() FactKey { return FactKey{Date: r.Date, Keyword: r.Keyword, PageURL: r.PageURL} }

// =============================================================================
// JOINED RECORDS - Union of two canonical schemas, absent side null
// =============================================================================

// GSCAnalyticsRecord is a GSC record with the matching analytics page metrics.
// Analytics fields are null when no analytics row exists for (date, page_url).
type GSCAnalyticsRecord struct {
	Date             Date                `db:"date"`
	Keyword          string              `db:"keyword"`
	PageURL          string              `db:"page_url"`
	Clicks           sql.Null[int64]     `db:"clicks"`
	Impressions      sql.Null[int64]     `db:"impressions"`
	CTR              decimal.NullDecimal `db:"ctr"`
	AvgPosition      decimal.NullDecimal `db:"avg_position"`
	EstimatedTraffic decimal.NullDecimal `db:"estimated_traffic"`
	Pageviews        sql.Null[int64]     `db:"pageviews"`
	Sessions         sql.Null[int64]     `db:"sessions"`
	Conversions      sql.Null[int64]     `db:"conversions"`
	ConversionRate   decimal.NullDecimal `db:"conversion_rate"`
	BatchID          BatchID             `db:"batch_id"`
	ProcessedAt      time.Time           `db:"processed_at"`
}

func (r GSCAnalyticsRecord) Key() FactKey {
	return FactKey{Date: r.Date, Keyword: r.Keyword, PageURL: r.PageURL}
}

// GSCRankRecord is a GSC record with the matching rank metrics. Rank fields are
// null when no rank row exists for the key; GSC fields are null for rank rows
// that no GSC row matched.
type GSCRankRecord struct {
	Date                Date                `db:"date"`
	Keyword             string              `db:"keyword"`
	PageURL             string              `db:"page_url"`
	Clicks              sql.Null[int64]     `db:"clicks"`
	Impressions         sql.Null[int64]     `db:"impressions"`
	CTR                 decimal.NullDecimal `db:"ctr"`
	AvgPosition         decimal.NullDecimal `db:"avg_position"`
	EstimatedTraffic    decimal.NullDecimal `db:"estimated_traffic"`
	Rank                sql.Null[int64]     `db:"rank"`
	MonthlySearchVolume sql.Null[int64]     `db:"monthly_search_volume"`
	CPC                 decimal.NullDecimal `db:"cpc"`
	RankCategory        sql.Null[string]    `db:"rank_category"`
	ImpressionShare     decimal.Decimal     `db:"impression_share"`
	BatchID             BatchID             `db:"batch_id"`
	ProcessedAt         time.Time           `db:"processed_at"`
}

func (r GSCRankRecord) Key() FactKey {
	return FactKey{Date: r.Date, Keyword: r.Keyword, PageURL: r.PageURL}
}

// =============================================================================
// FACT RECORD - Unified performance record
// =============================================================================

type FactRecord struct {
	Date                Date            `db:"date" json:"date"`
	Keyword             string          `db:"keyword" json:"keyword"`
	PageURL             string          `db:"page_url" json:"page_url"`
	Clicks              int64           `db:"clicks" json:"clicks"`
	Impressions         int64           `db:"impressions" json:"impressions"`
	AvgPosition         decimal.Decimal `db:"avg_position" json:"avg_position"`
	Rank                int64           `db:"rank" json:"rank"`
	Pageviews           int64           `db:"pageviews" json:"pageviews"`
	Sessions            int64           `db:"sessions" json:"sessions"`
	Conversions         int64           `db:"conversions" json:"conversions"`
	MonthlySearchVolume int64           `db:"monthly_search_volume" json:"monthly_search_volume"`
	CPC                 decimal.Decimal `db:"cpc" json:"cpc"`
	EstimatedTraffic    decimal.Decimal `db:"estimated_traffic" json:"estimated_traffic"`
	ConversionRate      decimal.Decimal `db:"conversion_rate" json:"conversion_rate"`
	BatchID             BatchID         `db:"batch_id" json:"batch_id"`
	ProcessedAt         time.Time       `db:"processed_at" json:"processed_at"`
}

func (r FactRecord) Key() FactKey { return FactKey{Date: r.Date, Keyword: r.Keyword, PageURL: r.PageURL} }

// FactColumns is the exported column order of the fact relation.
var FactColumns = []string{
	"date", "keyword", "page_url", "clicks", "impressions", "avg_position", "rank",
	"pageviews", "sessions", "conversions", "monthly_search_volume", "cpc",
	"estimated_traffic", "conversion_rate", "batch_id", "processed_at",
}

// Strings renders the record in FactColumns order.
func (r FactRecord) Strings() []string {
	return []string{
		r.Date.String(),
		r.Keyword,
		r.PageURL,
		fmt.Sprint(r.Clicks),
		fmt.Sprint(r.Impressions),
		r.AvgPosition.String(),
		fmt.Sprint(r.Rank),
		fmt.Sprint(r.Pageviews),
		fmt.Sprint(r.Sessions),
		fmt.Sprint(r.Conversions),
		fmt.Sprint(r.MonthlySearchVolume),
		r.CPC.String(),
		r.EstimatedTraffic.StringFixed(2),
		r.ConversionRate.StringFixed(4),
		r.BatchID.String(),
		r.ProcessedAt.UTC().Format(time.RFC3339),
	}
}
