/*
errors.go - Centralized error types for the pipeline engine

ERROR CATEGORIES:
  1. Input errors - bad batch ids, unknown sources or stages
  2. Stage errors - a transform/join/fact stage failed; the run is aborted
     and the stage's partition keeps its last committed content

Data-quality losses (rows missing a key field, division by zero) are NOT
errors. They are counted in StageReport and the stage row metrics.

USAGE:

    report, err := engine.Run(ctx, batch)
    var stageErr *pipeline.StageError
    if errors.As(err, &stageErr) {
        // retry later with FromStage(stageErr.Stage)
    }
*/
package pipeline

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidBatchID is returned when a batch id is not a YYYY-MM-DD date.
	ErrInvalidBatchID = errors.New("invalid batch id")

	// ErrUnknownSource is returned for a source name outside gsc/analytics/rank.
	ErrUnknownSource = errors.New("unknown source")

	// ErrUnknownStage is returned for a stage name the state machine does not know.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrStageFailed wraps every failure that aborts a pipeline run.
	ErrStageFailed = errors.New("stage failed")

	// ErrNoFacts is returned by consumers that need at least one fact row.
	ErrNoFacts = errors.New("no fact rows")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// StageError reports which stage (and source or pair, when relevant) aborted
// a run for a batch.
type StageError struct {
	Stage Stage
	Step  string // e.g. "gsc", "gsc_analytics"; empty for the fact stage
	Batch BatchID
	Err   error
}

func (e *StageError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s stage (%s) failed for batch %s: %v", e.Stage, e.Step, e.Batch, e.Err)
	}
	return fmt.Sprintf("%s stage failed for batch %s: %v", e.Stage, e.Batch, e.Err)
}

func (e *StageError) Unwrap() []error { return []error{ErrStageFailed, e.Err} }

// IsRetryable returns true if rerunning the batch might succeed. Stage
// failures leave committed state consistent, so they always are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStageFailed)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidBatchID) ||
		errors.Is(err, ErrUnknownSource) ||
		errors.Is(err, ErrUnknownStage)
}
