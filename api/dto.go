/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP surface. Domain records (FactRecord, RunRecord,
  analysis reports) already carry json tags and are returned as-is inside
  the envelopes below; only requests and wrappers live here.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"github.com/warp/seo-engine/analysis"
	"github.com/warp/seo-engine/pipeline"
	"github.com/warp/seo-engine/runner"
	"github.com/warp/seo-engine/store/sqlite"
)

// =============================================================================
// RUNS
// =============================================================================

// TriggerRunRequest starts a run. Empty batch means today.
type TriggerRunRequest struct {
	BatchID    string `json:"batch_id"`
	FromStage  string `json:"from_stage"`
	SkipIngest bool   `json:"skip_ingest"`
}

// TriggerRunResponse carries the run report, also on failure.
type TriggerRunResponse struct {
	Report *runner.Report `json:"report,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type RunsResponse struct {
	Runs []pipeline.RunRecord `json:"runs"`
}

// =============================================================================
// FACTS
// =============================================================================

type BatchesResponse struct {
	Batches []pipeline.BatchID `json:"batches"`
}

type FactsResponse struct {
	Count int                   `json:"count"`
	Facts []pipeline.FactRecord `json:"facts"`
}

type FilesResponse struct {
	Files []sqlite.FileLog `json:"files"`
}

// =============================================================================
// ANALYSIS
// =============================================================================

type TopKeywordsResponse struct {
	Metric   analysis.Metric          `json:"metric"`
	Keywords []analysis.KeywordTotals `json:"keywords"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
