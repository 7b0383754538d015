/*
Package sqlite provides a SQLite-backed implementation of the pipeline stores.

PURPOSE:
  Implements every persistence interface of the engine (staging reads,
  stage partitions, fact queries, run audit) plus the ingestion side
  (staging writes and the ingested-file log) on one SQLite database.

INTERFACES IMPLEMENTED:
  pipeline.Store:       Staged rows + partition replace/load
  pipeline.FactQuerier: Filtered fact reads for export and analysis
  pipeline.RunLog:      pipeline_runs audit table

REPLACE-PARTITION:
  Every ReplaceX is a single SQL transaction:

      BEGIN
      DELETE FROM <table> WHERE batch_id = ?
      INSERT ... (prepared, one row per record)
      COMMIT

  Any error rolls the whole transaction back, so readers either see the
  previous partition or the new one, never a mix.

KEY TABLES:
  stg_gsc_data, stg_analytics_data, stg_rank_data:  raw rows, text values
  gsc_data, analytics_data, rank_data:              canonical partitions
  gsc_analytics_joined, gsc_rank_joined:            joined partitions
  fact_seo_performance:                             unified facts
  log_file_dtl:                                     ingested source files
  pipeline_runs:                                    run audit trail

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; SQLite allows a single writer anyway.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/seo.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := pipeline.NewEngine(store, pipeline.WithRunLog(store))

SCHEMA:
  Created on New(). Reset(ctx, true) drops and recreates every table.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// tables lists every table in creation order.
var tables = []string{
	"stg_gsc_data", "stg_analytics_data", "stg_rank_data",
	"gsc_data", "analytics_data", "rank_data",
	"gsc_analytics_joined", "gsc_rank_joined",
	"fact_seo_performance",
	"log_file_dtl", "pipeline_runs",
}

const schema = `
	-- Staging: raw source text, appended by ingestion, addressed by data_date
	CREATE TABLE IF NOT EXISTS stg_gsc_data (
		date TEXT,
		query TEXT,
		page TEXT,
		clicks TEXT,
		impressions TEXT,
		ctr TEXT,
		position TEXT,
		data_date TEXT NOT NULL,
		run_date TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stg_gsc_data_date ON stg_gsc_data(data_date);

	CREATE TABLE IF NOT EXISTS stg_analytics_data (
		date TEXT,
		page TEXT,
		pageviews TEXT,
		sessions TEXT,
		conversions TEXT,
		data_date TEXT NOT NULL,
		run_date TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stg_analytics_data_date ON stg_analytics_data(data_date);

	CREATE TABLE IF NOT EXISTS stg_rank_data (
		date TEXT,
		keyword TEXT,
		page TEXT,
		rank TEXT,
		search_volume TEXT,
		cpc TEXT,
		data_date TEXT NOT NULL,
		run_date TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stg_rank_data_date ON stg_rank_data(data_date);

	-- Canonical partitions: one row per natural key per batch
	CREATE TABLE IF NOT EXISTS gsc_data (
		date TEXT NOT NULL,
		keyword TEXT NOT NULL,
		page_url TEXT NOT NULL,
		clicks INTEGER NOT NULL,
		impressions INTEGER NOT NULL,
		ctr TEXT NOT NULL,
		avg_position TEXT NOT NULL,
		estimated_traffic TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (batch_id, date, keyword, page_url)
	);

	CREATE TABLE IF NOT EXISTS analytics_data (
		date TEXT NOT NULL,
		page_url TEXT NOT NULL,
		pageviews INTEGER NOT NULL,
		sessions INTEGER NOT NULL,
		conversions INTEGER NOT NULL,
		conversion_rate TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (batch_id, date, page_url)
	);

	CREATE TABLE IF NOT EXISTS rank_data (
		date TEXT NOT NULL,
		keyword TEXT NOT NULL,
		page_url TEXT NOT NULL,
		rank INTEGER NOT NULL,
		monthly_search_volume INTEGER NOT NULL,
		cpc TEXT NOT NULL,
		rank_category TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (batch_id, date, keyword, page_url)
	);

	-- Joined partitions: absent side stored as NULL
	CREATE TABLE IF NOT EXISTS gsc_analytics_joined (
		date TEXT NOT NULL,
		keyword TEXT NOT NULL,
		page_url TEXT NOT NULL,
		clicks INTEGER,
		impressions INTEGER,
		ctr TEXT,
		avg_position TEXT,
		estimated_traffic TEXT,
		pageviews INTEGER,
		sessions INTEGER,
		conversions INTEGER,
		conversion_rate TEXT,
		batch_id TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (batch_id, date, keyword, page_url)
	);

	CREATE TABLE IF NOT EXISTS gsc_rank_joined (
		date TEXT NOT NULL,
		keyword TEXT NOT NULL,
		page_url TEXT NOT NULL,
		clicks INTEGER,
		impressions INTEGER,
		ctr TEXT,
		avg_position TEXT,
		estimated_traffic TEXT,
		rank INTEGER,
		monthly_search_volume INTEGER,
		cpc TEXT,
		rank_category TEXT,
		impression_share TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (batch_id, date, keyword, page_url)
	);

	-- Facts: one row per (date, keyword, page_url) per batch
	CREATE TABLE IF NOT EXISTS fact_seo_performance (
		date TEXT NOT NULL,
		keyword TEXT NOT NULL,
		page_url TEXT NOT NULL,
		clicks INTEGER NOT NULL,
		impressions INTEGER NOT NULL,
		avg_position TEXT NOT NULL,
		rank INTEGER NOT NULL,
		pageviews INTEGER NOT NULL,
		sessions INTEGER NOT NULL,
		conversions INTEGER NOT NULL,
		monthly_search_volume INTEGER NOT NULL,
		cpc TEXT NOT NULL,
		estimated_traffic TEXT NOT NULL,
		conversion_rate TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (batch_id, date, keyword, page_url)
	);
	CREATE INDEX IF NOT EXISTS idx_fact_seo_performance_date
		ON fact_seo_performance(date, keyword);

	-- Ingested source files; a file logged 'completed' is never re-ingested
	CREATE TABLE IF NOT EXISTS log_file_dtl (
		file_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		row_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_ts TIMESTAMP NOT NULL,
		created_user TEXT NOT NULL,
		data_date TEXT NOT NULL,
		run_date TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_log_file_dtl_name ON log_file_dtl(file_name, status);

	-- Run audit trail
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		from_stage TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		fact_rows INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_pipeline_runs_batch ON pipeline_runs(batch_id, started_at);
	`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data. With drop set, every table is dropped and recreated
// instead, which also picks up schema changes.
func (s *Store) Reset(ctx context.Context, drop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if drop {
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+tables[i]); err != nil {
				return fmt.Errorf("drop %s: %w", tables[i], err)
			}
		}
		return s.migrate(ctx)
	}

	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// Count returns the number of rows of a table, optionally for one batch.
// Only names from the schema are accepted.
func (s *Store) Count(ctx context.Context, table string, batch string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	column, ok := batchColumn(table)
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	query := "SELECT COUNT(*) FROM " + table
	var args []any
	if batch != "" && column != "" {
		query += " WHERE " + column + " = ?"
		args = append(args, batch)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, err
	}
	return count, nil
}

func batchColumn(table string) (string, bool) {
	switch {
	case strings.HasPrefix(table, "stg_"), table == "log_file_dtl":
		return "data_date", isTable(table)
	default:
		return "batch_id", isTable(table)
	}
}

func isTable(name string) bool {
	for _, t := range tables {
		if t == name {
			return true
		}
	}
	return false
}

// withTx executes fn within a transaction. If fn returns an error the
// transaction is rolled back. Callers hold s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// insertSQL builds a named INSERT for the given columns.
func insertSQL(table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (:%s)",
		table, strings.Join(columns, ", "), strings.Join(columns, ", :"))
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
