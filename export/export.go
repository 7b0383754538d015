/*
Package export writes the fact relation to delimited files.

PURPOSE:
  Dumps fact_seo_performance, optionally restricted to one batch, as CSV with
  a header row in FactColumns order. Files land in the export directory under
  a timestamped name so successive exports never overwrite each other:

    fact_seo_performance_20240106_010000.csv

  Write is the streaming half and is shared with the HTTP download handler.
*/
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/warp/seo-engine/metrics"
	"github.com/warp/seo-engine/pipeline"
)

const filePrefix = "fact_seo_performance"

// FileName is the export file name for an export started at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("%s_%s.csv", filePrefix, t.Format("20060102_150405"))
}

// Write renders facts as CSV with a header row.
func Write(w io.Writer, facts []pipeline.FactRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(pipeline.FactColumns); err != nil {
		return err
	}
	for _, f := range facts {
		if err := cw.Write(f.Strings()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// =============================================================================
// EXPORTER
// =============================================================================

type Exporter struct {
	facts  pipeline.FactQuerier
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Exporter)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

func New(facts pipeline.FactQuerier, dir string, opts ...Option) *Exporter {
	e := &Exporter{
		facts:  facts,
		dir:    dir,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result describes a written export.
type Result struct {
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

// Export writes the facts of batch (every batch when empty) to a new file in
// the export directory, creating the directory if needed.
func (e *Exporter) Export(ctx context.Context, batch pipeline.BatchID) (Result, error) {
	facts, err := e.facts.QueryFacts(ctx, pipeline.FactFilter{Batch: batch})
	if err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("export: create dir: %w", err)
	}
	path := filepath.Join(e.dir, FileName(e.now()))

	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}
	if err := Write(f, facts); err != nil {
		f.Close()
		os.Remove(path)
		return Result{}, fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("export: close %s: %w", path, err)
	}

	metrics.RecordExport(len(facts))
	e.logger.Info("exported fact table",
		zap.String("path", path),
		zap.String("batch", batch.String()),
		zap.Int("rows", len(facts)))
	return Result{Path: path, Rows: len(facts)}, nil
}
