package sqlite

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"

	"github.com/warp/seo-engine/pipeline"
)

// =============================================================================
// PIPELINE RUNS STORE - pipeline.RunLog
// =============================================================================

// SaveRun inserts a run, or updates it when the id already exists.
func (s *Store) SaveRun(ctx context.Context, r pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO pipeline_runs (id, batch_id, from_stage, stage, status,
			fact_rows, error, started_at, completed_at)
		VALUES (:id, :batch_id, :from_stage, :stage, :status,
			:fact_rows, :error, :started_at, :completed_at)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			status = excluded.status,
			fact_rows = excluded.fact_rows,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns runs newest first, optionally for one batch.
func (s *Store) ListRuns(ctx context.Context, batch pipeline.BatchID, limit int) ([]pipeline.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "batch_id", "from_stage", "stage", "status", "fact_rows", "error", "started_at", "completed_at")
	sb.From("pipeline_runs")
	if batch != "" {
		sb.Where(sb.Equal("batch_id", batch.String()))
	}
	sb.OrderBy("started_at DESC", "rowid DESC")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var runs []pipeline.RunRecord
	if err := s.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run by id, or nil when it does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*pipeline.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run pipeline.RunRecord
	query := `
		SELECT id, batch_id, from_stage, stage, status, fact_rows, error, started_at, completed_at
		FROM pipeline_runs WHERE id = ?
	`
	if err := s.db.GetContext(ctx, &run, query, id); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}
