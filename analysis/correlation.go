package analysis

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/warp/seo-engine/pipeline"
)

// =============================================================================
// RANK / CONVERSION CORRELATION
// =============================================================================

type RankConversionOptions struct {
	MinSessions int64 `json:"min_sessions"` // per category
	MinSamples  int   `json:"min_samples"`  // rows before a correlation is reported
}

func (o RankConversionOptions) validate() error {
	if o.MinSessions < 0 || o.MinSamples < 2 {
		return fmt.Errorf("%w: min_sessions must be >= 0 and min_samples >= 2", ErrInvalidOptions)
	}
	return nil
}

type RankGroup struct {
	Category       pipeline.RankCategory `json:"category"`
	Rows           int                   `json:"rows"`
	Sessions       int64                 `json:"sessions"`
	Conversions    int64                 `json:"conversions"`
	ConversionRate decimal.Decimal       `json:"conversion_rate"`
	AvgRank        decimal.Decimal       `json:"avg_rank"`
}

type RankConversionReport struct {
	Samples     int         `json:"samples"`
	Groups      []RankGroup `json:"groups"`
	Correlation *float64    `json:"correlation,omitempty"`
}

// RankConversion groups ranked facts with traffic (rank > 0, sessions > 0)
// by rank category, best category first. Categories under MinSessions
// sessions are omitted. Correlation is Pearson's r between rank and
// conversion rate over the qualifying rows; it is absent below MinSamples
// rows or when either series is constant.
func RankConversion(facts []pipeline.FactRecord, opts RankConversionOptions) RankConversionReport {
	report := RankConversionReport{Groups: []RankGroup{}}

	groups := make(map[pipeline.RankCategory]*RankGroup)
	rankSum := make(map[pipeline.RankCategory]int64)
	var ranks, rates []float64

	for _, f := range facts {
		if f.Rank <= 0 || f.Sessions <= 0 {
			continue
		}
		cat := pipeline.CategorizeRank(f.Rank)
		g, ok := groups[cat]
		if !ok {
			g = &RankGroup{Category: cat}
			groups[cat] = g
		}
		g.Rows++
		g.Sessions += f.Sessions
		g.Conversions += f.Conversions
		rankSum[cat] += f.Rank

		ranks = append(ranks, float64(f.Rank))
		rates = append(rates, f.ConversionRate.InexactFloat64())
	}
	report.Samples = len(ranks)

	for _, cat := range pipeline.RankCategories() {
		g, ok := groups[cat]
		if !ok || g.Sessions < opts.MinSessions {
			continue
		}
		g.ConversionRate = pipeline.ConversionRate(g.Conversions, g.Sessions)
		g.AvgRank = decimal.NewFromInt(rankSum[cat]).Div(decimal.NewFromInt(int64(g.Rows))).Round(2)
		report.Groups = append(report.Groups, *g)
	}

	if report.Samples >= opts.MinSamples {
		if r, ok := Pearson(ranks, rates); ok {
			r = math.Round(r*1e4) / 1e4
			report.Correlation = &r
		}
	}
	return report
}

// Pearson returns the correlation coefficient of two equal-length series.
// ok is false for fewer than two points or a zero-variance series.
func Pearson(x, y []float64) (float64, bool) {
	n := len(x)
	if n < 2 || n != len(y) {
		return 0, false
	}
	var meanX, meanY float64
	for i := range x {
		meanX += x[i]
		meanY += y[i]
	}
	meanX /= float64(n)
	meanY /= float64(n)

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varX*varY), true
}
