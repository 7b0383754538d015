/*
Package analysis answers read-only questions over committed facts.

PURPOSE:
  Pure consumers of fact_seo_performance. Nothing here writes to the store or
  feeds back into the transform / join / fact stages.

QUERIES:
  Trends:          per keyword, the latest window against the one before it
  RankConversion:  conversion behaviour per rank category, plus the Pearson
                   correlation between rank and conversion rate
  TopKeywords:     keywords ranked by clicks, impressions, estimated traffic
                   or conversions

PARTIAL HISTORY:
  Windows are anchored on the latest fact date actually present, not on the
  calendar, so a pipeline that stopped a week ago still gets a comparison.
  Comparative figures are only reported above a minimum sample count.

Every query takes an optional batch; empty means all batches. Across batches
a (date, keyword, page_url) key counts once: the row of the latest batch wins
(a rerun of an older day under a newer batch supersedes it).
*/
package analysis

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/seo-engine/pipeline"
)

// ErrInvalidOptions is returned for a non-positive window, limit or threshold.
var ErrInvalidOptions = errors.New("invalid analysis options")

type Analyzer struct {
	facts  pipeline.FactQuerier
	logger *zap.Logger
}

type Option func(*Analyzer)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) { a.logger = logger }
}

func New(facts pipeline.FactQuerier, opts ...Option) *Analyzer {
	a := &Analyzer{facts: facts, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// load returns the facts of batch, or ErrNoFacts when there are none. With no
// batch, each fact key is taken from the latest batch that carries it.
func (a *Analyzer) load(ctx context.Context, batch pipeline.BatchID) ([]pipeline.FactRecord, error) {
	facts, err := a.facts.QueryFacts(ctx, pipeline.FactFilter{Batch: batch})
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	if len(facts) == 0 {
		if batch != "" {
			return nil, fmt.Errorf("%w for batch %s", pipeline.ErrNoFacts, batch)
		}
		return nil, pipeline.ErrNoFacts
	}
	if batch == "" {
		facts = latestPerKey(facts)
	}
	return facts, nil
}

// latestPerKey keeps one fact per key, preferring the greatest batch id and
// then the latest processed_at. First-seen order is preserved.
func latestPerKey(facts []pipeline.FactRecord) []pipeline.FactRecord {
	index := make(map[pipeline.FactKey]int, len(facts))
	out := make([]pipeline.FactRecord, 0, len(facts))
	for _, f := range facts {
		i, seen := index[f.Key()]
		if !seen {
			index[f.Key()] = len(out)
			out = append(out, f)
			continue
		}
		kept := out[i]
		if f.BatchID > kept.BatchID || (f.BatchID == kept.BatchID && f.ProcessedAt.After(kept.ProcessedAt)) {
			out[i] = f
		}
	}
	return out
}

func (a *Analyzer) Trends(ctx context.Context, batch pipeline.BatchID, opts TrendOptions) (TrendReport, error) {
	if err := opts.validate(); err != nil {
		return TrendReport{}, err
	}
	facts, err := a.load(ctx, batch)
	if err != nil {
		return TrendReport{}, err
	}
	report := Trends(facts, opts)
	a.logger.Debug("trend analysis",
		zap.String("batch", batch.String()),
		zap.Stringer("anchor", report.Anchor),
		zap.Int("keywords", len(report.Keywords)))
	return report, nil
}

func (a *Analyzer) RankConversion(ctx context.Context, batch pipeline.BatchID, opts RankConversionOptions) (RankConversionReport, error) {
	if err := opts.validate(); err != nil {
		return RankConversionReport{}, err
	}
	facts, err := a.load(ctx, batch)
	if err != nil {
		return RankConversionReport{}, err
	}
	report := RankConversion(facts, opts)
	a.logger.Debug("rank conversion analysis",
		zap.String("batch", batch.String()),
		zap.Int("samples", report.Samples),
		zap.Int("groups", len(report.Groups)))
	return report, nil
}

func (a *Analyzer) TopKeywords(ctx context.Context, batch pipeline.BatchID, metric Metric, n int) ([]KeywordTotals, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidOptions, n)
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	facts, err := a.load(ctx, batch)
	if err != nil {
		return nil, err
	}
	return TopKeywords(facts, metric, n), nil
}
