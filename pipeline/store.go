/*
store.go - Persistence interfaces for staging, stage partitions and run audit

PURPOSE:
  Defines the boundary between the engine and the database. The engine only
  ever reads staged rows and swaps whole partitions; it never updates a row.

KEY INTERFACES:
  StagingReader:  Raw rows for one batch, per source
  PartitionStore: Canonical, joined and fact partitions (replace + load)
  Store:          Both of the above; what the engine needs
  RunLog:         Optional audit trail of pipeline runs

REPLACE CONTRACT:
  ReplaceX(ctx, batch, records) deletes every row of X whose batch is `batch`
  and inserts `records`, as one atomic unit. On error nothing is visible:
  the partition keeps exactly the content of its last successful replace.
  Partitions of other batches are never touched.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, one SQL transaction per replace
  - pipeline/store/memory.go: In-memory for tests and dry runs
*/
package pipeline

import (
	"context"
	"time"
)

// =============================================================================
// STAGING
// =============================================================================

// StagingReader returns the raw rows staged for a batch.
type StagingReader interface {
	LoadStagedGSC(ctx context.Context, batch BatchID) ([]RawGSCRow, error)
	LoadStagedAnalytics(ctx context.Context, batch BatchID) ([]RawAnalyticsRow, error)
	LoadStagedRank(ctx context.Context, batch BatchID) ([]RawRankRow, error)
}

// =============================================================================
// PARTITIONS
// =============================================================================

// PartitionStore persists the product of each stage, one partition per batch.
type PartitionStore interface {
	ReplaceGSC(ctx context.Context, batch BatchID, records []GSCRecord) error
	ReplaceAnalytics(ctx context.Context, batch BatchID, records []AnalyticsRecord) error
	ReplaceRank(ctx context.Context, batch BatchID, records []RankRecord) error
	ReplaceGSCAnalytics(ctx context.Context, batch BatchID, records []GSCAnalyticsRecord) error
	ReplaceGSCRank(ctx context.Context, batch BatchID, records []GSCRankRecord) error
	ReplaceFacts(ctx context.Context, batch BatchID, records []FactRecord) error

	LoadGSC(ctx context.Context, batch BatchID) ([]GSCRecord, error)
	LoadAnalytics(ctx context.Context, batch BatchID) ([]AnalyticsRecord, error)
	LoadRank(ctx context.Context, batch BatchID) ([]RankRecord, error)
	LoadGSCAnalytics(ctx context.Context, batch BatchID) ([]GSCAnalyticsRecord, error)
	LoadGSCRank(ctx context.Context, batch BatchID) ([]GSCRankRecord, error)
	LoadFacts(ctx context.Context, batch BatchID) ([]FactRecord, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	StagingReader
	PartitionStore
}

// =============================================================================
// FACT QUERIES - Read side for export and analysis
// =============================================================================

// FactFilter selects fact rows. Zero values do not filter.
type FactFilter struct {
	Batch   BatchID
	From    Date // inclusive
	To      Date // inclusive
	Keyword string
	Limit   int
}

// Match reports whether a fact passes the filter (Limit is not applied).
func (f FactFilter) Match(r FactRecord) bool {
	if f.Batch != "" && r.BatchID != f.Batch {
		return false
	}
	if !f.From.IsZero() && r.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Date.After(f.To) {
		return false
	}
	if f.Keyword != "" && r.Keyword != NormalizeText(f.Keyword) {
		return false
	}
	return true
}

// FactQuerier reads facts across batches, ordered by batch then key.
type FactQuerier interface {
	QueryFacts(ctx context.Context, filter FactFilter) ([]FactRecord, error)
	ListBatches(ctx context.Context) ([]BatchID, error)
}

// =============================================================================
// RUN AUDIT
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is one row of the run audit trail.
type RunRecord struct {
	ID          string     `db:"id" json:"id"`
	Batch       BatchID    `db:"batch_id" json:"batch_id"`
	FromStage   Stage      `db:"from_stage" json:"from_stage"`
	Stage       Stage      `db:"stage" json:"stage"` // last stage reached
	Status      RunStatus  `db:"status" json:"status"`
	FactRows    int        `db:"fact_rows" json:"fact_rows"`
	Error       string     `db:"error" json:"error,omitempty"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// RunLog records pipeline runs. Saving the same ID twice updates the row.
type RunLog interface {
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, batch BatchID, limit int) ([]RunRecord, error)
}
