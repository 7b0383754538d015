package sqlite

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"

	"github.com/warp/seo-engine/pipeline"
)

// =============================================================================
// FACT QUERIES - pipeline.FactQuerier
// =============================================================================

// QueryFacts returns facts across batches, ordered by batch then key.
func (s *Store) QueryFacts(ctx context.Context, filter pipeline.FactFilter) ([]pipeline.FactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(factTable.columns...)
	sb.From(factTable.name)

	var where []string
	if filter.Batch != "" {
		where = append(where, sb.Equal("batch_id", filter.Batch.String()))
	}
	if !filter.From.IsZero() {
		where = append(where, sb.GreaterEqualThan("date", filter.From.String()))
	}
	if !filter.To.IsZero() {
		where = append(where, sb.LessEqualThan("date", filter.To.String()))
	}
	if filter.Keyword != "" {
		where = append(where, sb.Equal("keyword", pipeline.NormalizeText(filter.Keyword)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("batch_id", "date", "keyword", "page_url")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}

	query, args := sb.Build()
	var facts []pipeline.FactRecord
	if err := s.db.SelectContext(ctx, &facts, query, args...); err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	return facts, nil
}

// ListBatches returns the batches that have facts, oldest first.
func (s *Store) ListBatches(ctx context.Context) ([]pipeline.BatchID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("batch_id").Distinct()
	sb.From(factTable.name)
	sb.OrderBy("batch_id")

	query, args := sb.Build()
	var batches []pipeline.BatchID
	if err := s.db.SelectContext(ctx, &batches, query, args...); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}
