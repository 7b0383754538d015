/*
handlers.go - HTTP API handlers for the SEO pipeline

PURPOSE:
  Exposes pipeline runs, committed facts and the analysis queries via REST.
  Handles HTTP request/response and JSON serialization; delegates to the
  runner, the store and the analyzer.

ENDPOINTS:
  Runs:
    GET    /api/runs?batch=&limit=          Run audit trail, newest first
    POST   /api/runs                        Trigger a run (TriggerRunRequest)
    GET    /api/runs/{id}                   One run

  Facts:
    GET    /api/batches                     Batches with facts
    GET    /api/facts?batch=&from=&to=&keyword=&limit=
    GET    /api/facts/export?batch=         CSV download

  Ingest:
    GET    /api/files?source=               File log

  Analysis (all accept ?batch=):
    GET    /api/analysis/trends?window_days=&min_samples=
    GET    /api/analysis/rank-conversion?min_sessions=&min_samples=
    GET    /api/analysis/top-keywords?metric=&limit=

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid batch, stage, date, metric or threshold
  - 404: Unknown run, no facts for the query
  - 409: A run is already in progress
  - 500: Stage failures and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/seo-engine/analysis"
	"github.com/warp/seo-engine/config"
	"github.com/warp/seo-engine/export"
	"github.com/warp/seo-engine/pipeline"
	"github.com/warp/seo-engine/runner"
	"github.com/warp/seo-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Runner   *runner.Runner
	Analyzer *analysis.Analyzer
	Defaults config.AnalysisConfig

	logger *zap.Logger
	now    func() time.Time
}

func NewHandler(store *sqlite.Store, r *runner.Runner, defaults config.AnalysisConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:    store,
		Runner:   r,
		Analyzer: analysis.New(store, analysis.WithLogger(logger)),
		Defaults: defaults,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// ListRuns returns the run audit trail.
// GET /api/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	batch, err := batchParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	runs, err := h.Store.ListRuns(r.Context(), batch, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []pipeline.RunRecord{}
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

// GetRun returns one run.
// GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// TriggerRun runs the pipeline synchronously for one batch.
// POST /api/runs
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON", err)
			return
		}
	}

	batch := pipeline.BatchFor(h.now())
	if req.BatchID != "" {
		b, err := pipeline.ParseBatchID(req.BatchID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid batch_id", err)
			return
		}
		batch = b
	}
	stage, err := pipeline.ParseStage(req.FromStage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from_stage", err)
		return
	}

	report, err := h.Runner.Run(r.Context(), batch, runner.Options{FromStage: stage, SkipIngest: req.SkipIngest})
	switch {
	case errors.Is(err, runner.ErrRunInProgress):
		writeError(w, http.StatusConflict, "Run already in progress", err)
	case err != nil:
		writeJSON(w, statusFor(err), TriggerRunResponse{Report: report, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, TriggerRunResponse{Report: report})
	}
}

// =============================================================================
// FACT ENDPOINTS
// =============================================================================

// ListBatches returns batches that have facts.
// GET /api/batches
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Store.ListBatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list batches", err)
		return
	}
	if batches == nil {
		batches = []pipeline.BatchID{}
	}
	writeJSON(w, http.StatusOK, BatchesResponse{Batches: batches})
}

// ListFacts returns filtered fact rows.
// GET /api/facts
func (h *Handler) ListFacts(w http.ResponseWriter, r *http.Request) {
	filter, err := factFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	facts, err := h.Store.QueryFacts(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query facts", err)
		return
	}
	if facts == nil {
		facts = []pipeline.FactRecord{}
	}
	writeJSON(w, http.StatusOK, FactsResponse{Count: len(facts), Facts: facts})
}

// ExportFacts streams the facts of a batch (or all) as a CSV attachment.
// GET /api/facts/export
func (h *Handler) ExportFacts(w http.ResponseWriter, r *http.Request) {
	batch, err := batchParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}
	facts, err := h.Store.QueryFacts(r.Context(), pipeline.FactFilter{Batch: batch})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query facts", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(h.now())))
	w.WriteHeader(http.StatusOK)
	if err := export.Write(w, facts); err != nil {
		h.logger.Error("export download failed", zap.Error(err))
	}
}

// ListFiles returns the ingest file log.
// GET /api/files
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	var src pipeline.Source
	if s := r.URL.Query().Get("source"); s != "" {
		parsed, err := pipeline.ParseSource(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid source", err)
			return
		}
		src = parsed
	}
	files, err := h.Store.FileLogs(r.Context(), src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list files", err)
		return
	}
	if files == nil {
		files = []sqlite.FileLog{}
	}
	writeJSON(w, http.StatusOK, FilesResponse{Files: files})
}

// =============================================================================
// ANALYSIS ENDPOINTS
// =============================================================================

// Trends compares the latest window with the previous one per keyword.
// GET /api/analysis/trends
func (h *Handler) Trends(w http.ResponseWriter, r *http.Request) {
	batch, err := batchParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}
	opts := analysis.TrendOptions{}
	if opts.WindowDays, err = intParam(r, "window_days", h.Defaults.TrendWindowDays); err == nil {
		opts.MinSamples, err = intParam(r, "min_samples", h.Defaults.MinSamples)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid parameter", err)
		return
	}

	report, err := h.Analyzer.Trends(r.Context(), batch, opts)
	if err != nil {
		writeError(w, statusFor(err), "Trend analysis failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RankConversion reports conversion per rank category.
// GET /api/analysis/rank-conversion
func (h *Handler) RankConversion(w http.ResponseWriter, r *http.Request) {
	batch, err := batchParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}
	minSessions, err := intParam(r, "min_sessions", int(h.Defaults.MinSessions))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid parameter", err)
		return
	}
	minSamples, err := intParam(r, "min_samples", h.Defaults.CorrelationMinSamples)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid parameter", err)
		return
	}

	report, err := h.Analyzer.RankConversion(r.Context(), batch, analysis.RankConversionOptions{
		MinSessions: int64(minSessions),
		MinSamples:  minSamples,
	})
	if err != nil {
		writeError(w, statusFor(err), "Rank conversion analysis failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TopKeywords ranks keywords by a metric.
// GET /api/analysis/top-keywords
func (h *Handler) TopKeywords(w http.ResponseWriter, r *http.Request) {
	batch, err := batchParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}
	metric, err := analysis.ParseMetric(r.URL.Query().Get("metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid metric", err)
		return
	}
	limit, err := intParam(r, "limit", h.Defaults.TopN)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	keywords, err := h.Analyzer.TopKeywords(r.Context(), batch, metric, limit)
	if err != nil {
		writeError(w, statusFor(err), "Top keywords failed", err)
		return
	}
	writeJSON(w, http.StatusOK, TopKeywordsResponse{Metric: metric, Keywords: keywords})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case pipeline.IsClientError(err), errors.Is(err, analysis.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoFacts):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func batchParam(r *http.Request) (pipeline.BatchID, error) {
	s := r.URL.Query().Get("batch")
	if s == "" {
		return "", nil
	}
	return pipeline.ParseBatchID(s)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func dateParam(r *http.Request, name string) (pipeline.Date, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return pipeline.Date{}, nil
	}
	d, err := time.Parse(pipeline.DateLayout, s)
	if err != nil {
		return pipeline.Date{}, fmt.Errorf("%s: %w", name, err)
	}
	return pipeline.DateOf(d), nil
}

func factFilter(r *http.Request) (pipeline.FactFilter, error) {
	var f pipeline.FactFilter
	var err error
	if f.Batch, err = batchParam(r); err != nil {
		return f, err
	}
	if f.From, err = dateParam(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = dateParam(r, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit", 0); err != nil {
		return f, err
	}
	f.Keyword = r.URL.Query().Get("keyword")
	return f, nil
}
