/*
Package ingest loads source CSV exports into the staging tables.

PURPOSE:
  For each source, discovers <dir>/<prefix>*.csv, skips files already logged
  as completed in log_file_dtl, and appends the rows of every new file to the
  source's staging table stamped with the batch (data_date) and the ingest
  wall clock (run_date).

HEADER MAPPING:
  CSV headers are matched to staging columns case- and space-insensitively,
  with per-source aliases ("Top queries" -> query, "Landing Page" -> page,
  "Volume" -> search_volume ...). Unknown headers are ignored; staging
  columns without a header are staged empty and become zero (numerics) or a
  dropped row (keys) during transformation.

OUTCOMES (per source):
  success  every new file staged
  partial  some files staged, some failed
  skipped  every matching file was already ingested
  warning  no file matches the pattern
  error    directory missing, or every new file failed

  Only success, skipped and partial-with-successes let a run proceed.

ATOMICITY:
  One transaction per file: its rows and its completed log entry land
  together or not at all. A failed file is logged as failed and retried by
  the next ingest.
*/
package ingest

import (
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/seo-engine/metrics"
	"github.com/warp/seo-engine/pipeline"
	"github.com/warp/seo-engine/store/sqlite"
)

// ErrSourceFailed is returned by IngestAll when a source has no usable outcome.
var ErrSourceFailed = errors.New("source ingestion failed")

// Stager is the staging side of the store.
type Stager interface {
	CompletedFiles(ctx context.Context) (map[string]bool, error)
	StageFile(ctx context.Context, src pipeline.Source, entry sqlite.FileLog, rows [][]string) error
	LogFile(ctx context.Context, entry sqlite.FileLog) error
}

// =============================================================================
// RESULTS
// =============================================================================

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusSkipped Status = "skipped"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

type FileResult struct {
	File   string `json:"file"`
	Status Status `json:"status"`
	Rows   int    `json:"rows"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of ingesting one source.
type Result struct {
	Source    pipeline.Source `json:"source"`
	Status    Status          `json:"status"`
	Message   string          `json:"message"`
	Matched   int             `json:"matched"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Rows      int             `json:"rows"`
	Files     []FileResult    `json:"files,omitempty"`
}

// OK reports whether the pipeline may proceed with this source.
func (r Result) OK() bool {
	switch r.Status {
	case StatusSuccess, StatusSkipped:
		return true
	case StatusPartial:
		return r.Succeeded > 0
	default:
		return false
	}
}

// =============================================================================
// INGESTER
// =============================================================================

// SourceConfig locates the files of one source.
type SourceConfig struct {
	Source pipeline.Source
	Dir    string
	Prefix string
}

// Pattern is the glob matching the source's files.
func (c SourceConfig) Pattern() string {
	return filepath.Join(c.Dir, c.Prefix+"*.csv")
}

type Ingester struct {
	store  Stager
	logger *zap.Logger
	now    func() time.Time
	user   string
}

type Option func(*Ingester)

func WithLogger(logger *zap.Logger) Option {
	return func(in *Ingester) { in.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(in *Ingester) { in.now = now }
}

// WithUser sets the created_user recorded in the file log.
func WithUser(user string) Option {
	return func(in *Ingester) { in.user = user }
}

func New(store Stager, opts ...Option) *Ingester {
	in := &Ingester{
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		user:   "admin",
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// IngestAll ingests the sources in order and stops at the first source that
// has no usable outcome. The results gathered so far are always returned.
func (in *Ingester) IngestAll(ctx context.Context, sources []SourceConfig, batch pipeline.BatchID) ([]Result, error) {
	results := make([]Result, 0, len(sources))
	for _, src := range sources {
		res := in.IngestSource(ctx, src, batch)
		results = append(results, res)
		if !res.OK() {
			return results, fmt.Errorf("%w: %s: %s", ErrSourceFailed, res.Source, res.Message)
		}
		if res.Status == StatusPartial {
			in.logger.Warn("source partially ingested",
				zap.String("source", string(res.Source)),
				zap.Int("succeeded", res.Succeeded),
				zap.Int("failed", res.Failed))
		}
	}
	return results, nil
}

// IngestSource stages every new file of one source.
func (in *Ingester) IngestSource(ctx context.Context, cfg SourceConfig, batch pipeline.BatchID) Result {
	res := Result{Source: cfg.Source}
	log := in.logger.With(zap.String("source", string(cfg.Source)), zap.String("batch", batch.String()))

	if info, err := os.Stat(cfg.Dir); err != nil || !info.IsDir() {
		res.Status = StatusError
		res.Message = fmt.Sprintf("directory not found: %s", cfg.Dir)
		log.Error("ingest failed", zap.String("reason", res.Message))
		return res
	}

	files, err := filepath.Glob(cfg.Pattern())
	if err != nil {
		res.Status = StatusError
		res.Message = err.Error()
		return res
	}
	sort.Strings(files)
	res.Matched = len(files)
	if len(files) == 0 {
		res.Status = StatusWarning
		res.Message = fmt.Sprintf("no files matching pattern %s found", cfg.Pattern())
		log.Warn("nothing to ingest", zap.String("pattern", cfg.Pattern()))
		return res
	}

	done, err := in.store.CompletedFiles(ctx)
	if err != nil {
		res.Status = StatusError
		res.Message = fmt.Sprintf("read file log: %v", err)
		return res
	}

	for _, path := range files {
		if done[path] {
			res.Skipped++
			continue
		}
		fr := in.ingestFile(ctx, cfg.Source, path, batch)
		res.Files = append(res.Files, fr)
		metrics.RecordIngestFile(string(cfg.Source), string(fr.Status), fr.Rows)
		if fr.Status == StatusSuccess {
			res.Succeeded++
			res.Rows += fr.Rows
			log.Info("file ingested", zap.String("file", path), zap.Int("rows", fr.Rows))
		} else {
			res.Failed++
			log.Error("file ingest failed", zap.String("file", path), zap.String("error", fr.Error))
		}
	}

	switch {
	case res.Succeeded == 0 && res.Failed == 0:
		res.Status = StatusSkipped
		res.Message = "all matching files already ingested"
	case res.Failed == 0:
		res.Status = StatusSuccess
		res.Message = fmt.Sprintf("ingested %d files", res.Succeeded)
	case res.Succeeded == 0:
		res.Status = StatusError
		res.Message = fmt.Sprintf("all %d new files failed", res.Failed)
	default:
		res.Status = StatusPartial
		res.Message = fmt.Sprintf("ingested %d files, %d failed", res.Succeeded, res.Failed)
	}
	log.Info("source ingested",
		zap.String("status", string(res.Status)),
		zap.Int("matched", res.Matched),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped))
	return res
}

func (in *Ingester) ingestFile(ctx context.Context, src pipeline.Source, path string, batch pipeline.BatchID) FileResult {
	now := in.now()
	entry := sqlite.FileLog{
		FileID:      FileID(path),
		FileName:    path,
		Source:      src,
		CreatedAt:   now,
		CreatedUser: in.user,
		DataDate:    batch,
		RunDate:     now,
	}

	rows, err := readFile(path, src)
	if err == nil {
		err = in.store.StageFile(ctx, src, entry, rows)
	}
	if err != nil {
		entry.Status = sqlite.FileFailed
		entry.Error = err.Error()
		if logErr := in.store.LogFile(ctx, entry); logErr != nil {
			in.logger.Warn("could not log failed file", zap.String("file", path), zap.Error(logErr))
		}
		return FileResult{File: path, Status: StatusError, Error: err.Error()}
	}
	return FileResult{File: path, Status: StatusSuccess, Rows: len(rows)}
}

// FileID identifies a file by the md5 of its base name.
func FileID(path string) string {
	sum := md5.Sum([]byte(filepath.Base(path)))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// CSV READING
// =============================================================================

func readFile(path string, src pipeline.Source) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, src)
}

// ReadCSV reads a CSV export and projects it onto the staging columns of src.
func ReadCSV(r io.Reader, src pipeline.Source) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index, err := mapHeader(header, src)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if isBlank(record) {
			continue
		}
		row := make([]string, len(index))
		for i, col := range index {
			if col >= 0 && col < len(record) {
				row[i] = strings.TrimSpace(record[col])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
