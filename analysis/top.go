package analysis

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/seo-engine/pipeline"
)

// =============================================================================
// TOP KEYWORDS
// =============================================================================

type Metric string

const (
	MetricClicks           Metric = "clicks"
	MetricImpressions      Metric = "impressions"
	MetricEstimatedTraffic Metric = "estimated_traffic"
	MetricConversions      Metric = "conversions"
)

func Metrics() []Metric {
	return []Metric{MetricClicks, MetricImpressions, MetricEstimatedTraffic, MetricConversions}
}

// ParseMetric accepts a metric name; empty means clicks.
func ParseMetric(s string) (Metric, error) {
	if s == "" {
		return MetricClicks, nil
	}
	for _, m := range Metrics() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidOptions, s)
}

// KeywordTotals aggregates every fact of one keyword.
type KeywordTotals struct {
	Keyword          string          `json:"keyword"`
	Pages            int             `json:"pages"`
	Clicks           int64           `json:"clicks"`
	Impressions      int64           `json:"impressions"`
	EstimatedTraffic decimal.Decimal `json:"estimated_traffic"`
	Conversions      int64           `json:"conversions"`
}

func (k KeywordTotals) value(m Metric) decimal.Decimal {
	switch m {
	case MetricImpressions:
		return decimal.NewFromInt(k.Impressions)
	case MetricEstimatedTraffic:
		return k.EstimatedTraffic
	case MetricConversions:
		return decimal.NewFromInt(k.Conversions)
	default:
		return decimal.NewFromInt(k.Clicks)
	}
}

// TopKeywords returns the n keywords with the highest metric, ties broken by
// keyword.
func TopKeywords(facts []pipeline.FactRecord, metric Metric, n int) []KeywordTotals {
	byKeyword := make(map[string]*KeywordTotals)
	pages := make(map[string]map[string]struct{})
	for _, f := range facts {
		k, ok := byKeyword[f.Keyword]
		if !ok {
			k = &KeywordTotals{Keyword: f.Keyword}
			byKeyword[f.Keyword] = k
			pages[f.Keyword] = make(map[string]struct{})
		}
		k.Clicks += f.Clicks
		k.Impressions += f.Impressions
		k.EstimatedTraffic = k.EstimatedTraffic.Add(f.EstimatedTraffic)
		k.Conversions += f.Conversions
		pages[f.Keyword][f.PageURL] = struct{}{}
	}

	totals := make([]KeywordTotals, 0, len(byKeyword))
	for kw, k := range byKeyword {
		k.Pages = len(pages[kw])
		totals = append(totals, *k)
	}

	sort.Slice(totals, func(i, j int) bool {
		if c := totals[i].value(metric).Cmp(totals[j].value(metric)); c != 0 {
			return c > 0
		}
		return totals[i].Keyword < totals[j].Keyword
	})

	if n > 0 && len(totals) > n {
		totals = totals[:n]
	}
	return totals
}
