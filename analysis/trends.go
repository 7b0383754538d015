package analysis

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/seo-engine/pipeline"
)

// =============================================================================
// TREND COMPARISON
// =============================================================================

type TrendOptions struct {
	WindowDays int `json:"window_days"`
	MinSamples int `json:"min_samples"` // fact rows required in each window
}

func (o TrendOptions) validate() error {
	if o.WindowDays <= 0 || o.MinSamples <= 0 {
		return fmt.Errorf("%w: window_days and min_samples must be positive", ErrInvalidOptions)
	}
	return nil
}

// WindowTotals sums one keyword over one window.
type WindowTotals struct {
	Rows             int             `json:"rows"`
	Clicks           int64           `json:"clicks"`
	Impressions      int64           `json:"impressions"`
	EstimatedTraffic decimal.Decimal `json:"estimated_traffic"`
}

func (w *WindowTotals) add(f pipeline.FactRecord) {
	w.Rows++
	w.Clicks += f.Clicks
	w.Impressions += f.Impressions
	w.EstimatedTraffic = w.EstimatedTraffic.Add(f.EstimatedTraffic)
}

type KeywordTrend struct {
	Keyword  string       `json:"keyword"`
	Current  WindowTotals `json:"current"`
	Previous WindowTotals `json:"previous"`

	// Percent changes, null when the previous window is zero.
	ClicksChange      decimal.NullDecimal `json:"clicks_change_pct"`
	ImpressionsChange decimal.NullDecimal `json:"impressions_change_pct"`
	TrafficChange     decimal.NullDecimal `json:"traffic_change_pct"`
}

type TrendReport struct {
	Anchor          pipeline.Date  `json:"anchor"`
	WindowDays      int            `json:"window_days"`
	CurrentFrom     pipeline.Date  `json:"current_from"`
	PreviousFrom    pipeline.Date  `json:"previous_from"`
	PreviousThrough pipeline.Date  `json:"previous_through"`
	Keywords        []KeywordTrend `json:"keywords"`
}

// PercentChange is (current - previous) / previous × 100 to 2 dp, null when
// previous is zero.
func PercentChange(current, previous decimal.Decimal) decimal.NullDecimal {
	if previous.IsZero() {
		return decimal.NullDecimal{}
	}
	change := current.Sub(previous).Div(previous).Mul(decimal.NewFromInt(100)).Round(2)
	return decimal.NewNullDecimal(change)
}

// Trends compares, per keyword, the window (D-w, D] with (D-2w, D-w], where D
// is the latest fact date. Keywords with fewer than MinSamples rows in either
// window are left out. Keywords are ordered by current clicks, then name.
func Trends(facts []pipeline.FactRecord, opts TrendOptions) TrendReport {
	report := TrendReport{WindowDays: opts.WindowDays, Keywords: []KeywordTrend{}}
	if len(facts) == 0 {
		return report
	}

	anchor := facts[0].Date
	for _, f := range facts[1:] {
		if f.Date.After(anchor) {
			anchor = f.Date
		}
	}
	// Both window starts are exclusive.
	currentStart := anchor.AddDays(-opts.WindowDays)
	previousStart := anchor.AddDays(-2 * opts.WindowDays)

	report.Anchor = anchor
	report.CurrentFrom = currentStart.AddDays(1)
	report.PreviousFrom = previousStart.AddDays(1)
	report.PreviousThrough = currentStart

	byKeyword := make(map[string]*KeywordTrend)
	for _, f := range facts {
		if !f.Date.After(previousStart) {
			continue
		}
		kt, ok := byKeyword[f.Keyword]
		if !ok {
			kt = &KeywordTrend{Keyword: f.Keyword}
			byKeyword[f.Keyword] = kt
		}
		if f.Date.After(currentStart) {
			kt.Current.add(f)
		} else {
			kt.Previous.add(f)
		}
	}

	for _, kt := range byKeyword {
		if kt.Current.Rows < opts.MinSamples || kt.Previous.Rows < opts.MinSamples {
			continue
		}
		kt.ClicksChange = PercentChange(decimal.NewFromInt(kt.Current.Clicks), decimal.NewFromInt(kt.Previous.Clicks))
		kt.ImpressionsChange = PercentChange(decimal.NewFromInt(kt.Current.Impressions), decimal.NewFromInt(kt.Previous.Impressions))
		kt.TrafficChange = PercentChange(kt.Current.EstimatedTraffic, kt.Previous.EstimatedTraffic)
		report.Keywords = append(report.Keywords, *kt)
	}

	sort.Slice(report.Keywords, func(i, j int) bool {
		a, b := report.Keywords[i], report.Keywords[j]
		if a.Current.Clicks != b.Current.Clicks {
			return a.Current.Clicks > b.Current.Clicks
		}
		return a.Keyword < b.Keyword
	})
	return report
}
