package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/seo-engine/pipeline"
)

// =============================================================================
// STAGING READS - pipeline.StagingReader
// =============================================================================

// stagedSelectSQL reads every source column as text; NULL becomes "".
func stagedSelectSQL(src pipeline.Source) string {
	cols := make([]string, 0, len(src.StagingColumns())+2)
	for _, c := range src.StagingColumns() {
		cols = append(cols, fmt.Sprintf("COALESCE(%s, '') AS %s", c, c))
	}
	cols = append(cols, "data_date", "run_date")
	return fmt.Sprintf("SELECT %s FROM %s WHERE data_date = ? ORDER BY rowid",
		strings.Join(cols, ", "), src.StagingTable())
}

func loadStaged[T any](ctx context.Context, s *Store, src pipeline.Source, batch pipeline.BatchID) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []T
	if err := s.db.SelectContext(ctx, &rows, stagedSelectSQL(src), batch); err != nil {
		return nil, fmt.Errorf("load %s: %w", src.StagingTable(), err)
	}
	return rows, nil
}

func (s *Store) LoadStagedGSC(ctx context.Context, batch pipeline.BatchID) ([]pipeline.RawGSCRow, error) {
	return loadStaged[pipeline.RawGSCRow](ctx, s, pipeline.SourceGSC, batch)
}

func (s *Store) LoadStagedAnalytics(ctx context.Context, batch pipeline.BatchID) ([]pipeline.RawAnalyticsRow, error) {
	return loadStaged[pipeline.RawAnalyticsRow](ctx, s, pipeline.SourceAnalytics, batch)
}

func (s *Store) LoadStagedRank(ctx context.Context, batch pipeline.BatchID) ([]pipeline.RawRankRow, error) {
	return loadStaged[pipeline.RawRankRow](ctx, s, pipeline.SourceRank, batch)
}

// =============================================================================
// INGESTED FILE LOG
// =============================================================================

type FileStatus string

const (
	FileCompleted FileStatus = "completed"
	FileFailed    FileStatus = "failed"
)

// FileLog is one row of log_file_dtl.
type FileLog struct {
	FileID      string           `db:"file_id" json:"file_id"`
	FileName    string           `db:"file_name" json:"file_name"`
	Source      pipeline.Source  `db:"source" json:"source"`
	Status      FileStatus       `db:"status" json:"status"`
	Rows        int              `db:"row_count" json:"rows"`
	Error       string           `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time        `db:"created_ts" json:"created_ts"`
	CreatedUser string           `db:"created_user" json:"created_user"`
	DataDate    pipeline.BatchID `db:"data_date" json:"data_date"`
	RunDate     time.Time        `db:"run_date" json:"run_date"`
}

var fileLogColumns = []string{
	"file_id", "file_name", "source", "status", "row_count", "error",
	"created_ts", "created_user", "data_date", "run_date",
}

// StageFile appends the rows of one source file to its staging table and
// logs the file as completed, in one transaction. Each row holds the values
// of src.StagingColumns() in order.
func (s *Store) StageFile(ctx context.Context, src pipeline.Source, entry FileLog, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	columns := append(src.StagingColumns(), "data_date", "run_date")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		src.StagingTable(), strings.Join(columns, ", "), placeholders)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", src.StagingTable(), err)
		}
		defer stmt.Close()

		width := len(src.StagingColumns())
		args := make([]any, len(columns))
		for i, row := range rows {
			if len(row) != width {
				return fmt.Errorf("row %d has %d values, want %d", i+1, len(row), width)
			}
			for j, v := range row {
				args[j] = v
			}
			args[width] = entry.DataDate
			args[width+1] = entry.RunDate
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert into %s: %w", src.StagingTable(), err)
			}
		}

		entry.Source = src
		entry.Status = FileCompleted
		entry.Rows = len(rows)
		_, err = tx.NamedExecContext(ctx, insertSQL("log_file_dtl", fileLogColumns), entry)
		return err
	})
}

// LogFile records a file outcome without staging anything (failures).
func (s *Store) LogFile(ctx context.Context, entry FileLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExecContext(ctx, insertSQL("log_file_dtl", fileLogColumns), entry)
	return err
}

// CompletedFiles returns the names of files already ingested successfully.
func (s *Store) CompletedFiles(ctx context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	query := "SELECT DISTINCT file_name FROM log_file_dtl WHERE status = ?"
	if err := s.db.SelectContext(ctx, &names, query, FileCompleted); err != nil {
		return nil, err
	}

	done := make(map[string]bool, len(names))
	for _, n := range names {
		done[n] = true
	}
	return done, nil
}

// FileLogs returns the file log, newest first, optionally for one source.
func (s *Store) FileLogs(ctx context.Context, src pipeline.Source) ([]FileLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + strings.Join(fileLogColumns, ", ") + " FROM log_file_dtl"
	var args []any
	if src != "" {
		query += " WHERE source = ?"
		args = append(args, src)
	}
	query += " ORDER BY created_ts DESC, rowid DESC"

	var logs []FileLog
	if err := s.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, err
	}
	return logs, nil
}
