package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/warp/seo-engine/pipeline"
)

// =============================================================================
// PARTITION TABLES
// =============================================================================

type partitionTable struct {
	name    string
	columns []string
	orderBy string
}

var (
	gscTable = partitionTable{
		name: "gsc_data",
		columns: []string{"date", "keyword", "page_url", "clicks", "impressions", "ctr",
			"avg_position", "estimated_traffic", "batch_id", "processed_at"},
		orderBy: "date, keyword, page_url",
	}
	analyticsTable = partitionTable{
		name: "analytics_data",
		columns: []string{"date", "page_url", "pageviews", "sessions", "conversions",
			"conversion_rate", "batch_id", "processed_at"},
		orderBy: "date, page_url",
	}
	rankTable = partitionTable{
		name: "rank_data",
		columns: []string{"date", "keyword", "page_url", "rank", "monthly_search_volume", "cpc",
			"rank_category", "batch_id", "processed_at"},
		orderBy: "date, keyword, page_url",
	}
	gscAnalyticsTable = partitionTable{
		name: "gsc_analytics_joined",
		columns: []string{"date", "keyword", "page_url", "clicks", "impressions", "ctr",
			"avg_position", "estimated_traffic", "pageviews", "sessions", "conversions",
			"conversion_rate", "batch_id", "processed_at"},
		orderBy: "date, keyword, page_url",
	}
	gscRankTable = partitionTable{
		name: "gsc_rank_joined",
		columns: []string{"date", "keyword", "page_url", "clicks", "impressions", "ctr",
			"avg_position", "estimated_traffic", "rank", "monthly_search_volume", "cpc",
			"rank_category", "impression_share", "batch_id", "processed_at"},
		orderBy: "date, keyword, page_url",
	}
	factTable = partitionTable{
		name:    "fact_seo_performance",
		columns: pipeline.FactColumns,
		orderBy: "batch_id, date, keyword, page_url",
	}
)

func (t partitionTable) selectSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE batch_id = ? ORDER BY %s",
		strings.Join(t.columns, ", "), t.name, t.orderBy)
}

// replacePartition swaps the rows of one batch in a single transaction.
func replacePartition[T any](ctx context.Context, s *Store, t partitionTable, batch pipeline.BatchID, records []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+t.name+" WHERE batch_id = ?", batch); err != nil {
			return fmt.Errorf("clear %s partition %s: %w", t.name, batch, err)
		}
		if len(records) == 0 {
			return nil
		}

		stmt, err := tx.PrepareNamedContext(ctx, insertSQL(t.name, t.columns))
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", t.name, err)
		}
		defer stmt.Close()

		for i := range records {
			if _, err := stmt.ExecContext(ctx, records[i]); err != nil {
				return fmt.Errorf("insert into %s: %w", t.name, err)
			}
		}
		return nil
	})
}

func loadPartition[T any](ctx context.Context, s *Store, t partitionTable, batch pipeline.BatchID) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []T
	if err := s.db.SelectContext(ctx, &records, t.selectSQL(), batch); err != nil {
		return nil, fmt.Errorf("load %s partition %s: %w", t.name, batch, err)
	}
	return records, nil
}

// =============================================================================
// pipeline.PartitionStore
// =============================================================================

func (s *Store) ReplaceGSC(ctx context.Context, batch pipeline.BatchID, records []pipeline.GSCRecord) error {
	return replacePartition(ctx, s, gscTable, batch, records)
}

func (s *Store) ReplaceAnalytics(ctx context.Context, batch pipeline.BatchID, records []pipeline.AnalyticsRecord) error {
	return replacePartition(ctx, s, analyticsTable, batch, records)
}

func (s *Store) ReplaceRank(ctx context.Context, batch pipeline.BatchID, records []pipeline.RankRecord) error {
	return replacePartition(ctx, s, rankTable, batch, records)
}

func (s *Store) ReplaceGSCAnalytics(ctx context.Context, batch pipeline.BatchID, records []pipeline.GSCAnalyticsRecord) error {
	return replacePartition(ctx, s, gscAnalyticsTable, batch, records)
}

func (s *Store) ReplaceGSCRank(ctx context.Context, batch pipeline.BatchID, records []pipeline.GSCRankRecord) error {
	return replacePartition(ctx, s, gscRankTable, batch, records)
}

func (s *Store) ReplaceFacts(ctx context.Context, batch pipeline.BatchID, records []pipeline.FactRecord) error {
	return replacePartition(ctx, s, factTable, batch, records)
}

func (s *Store) LoadGSC(ctx context.Context, batch pipeline.BatchID) ([]pipeline.GSCRecord, error) {
	return loadPartition[pipeline.GSCRecord](ctx, s, gscTable, batch)
}

func (s *Store) LoadAnalytics(ctx context.Context, batch pipeline.BatchID) ([]pipeline.AnalyticsRecord, error) {
	return loadPartition[pipeline.AnalyticsRecord](ctx, s, analyticsTable, batch)
}

func (s *Store) LoadRank(ctx context.Context, batch pipeline.BatchID) ([]pipeline.RankRecord, error) {
	return loadPartition[pipeline.RankRecord](ctx, s, rankTable, batch)
}

func (s *Store) LoadGSCAnalytics(ctx context.Context, batch pipeline.BatchID) ([]pipeline.GSCAnalyticsRecord, error) {
	return loadPartition[pipeline.GSCAnalyticsRecord](ctx, s, gscAnalyticsTable, batch)
}

func (s *Store) LoadGSCRank(ctx context.Context, batch pipeline.BatchID) ([]pipeline.GSCRankRecord, error) {
	return loadPartition[pipeline.GSCRankRecord](ctx, s, gscRankTable, batch)
}

func (s *Store) LoadFacts(ctx context.Context, batch pipeline.BatchID) ([]pipeline.FactRecord, error) {
	return loadPartition[pipeline.FactRecord](ctx, s, factTable, batch)
}
