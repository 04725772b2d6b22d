package pipeline

import (
	"errors"
	"fmt"

	"github.com/melodydashora/vecto-pilot/internal/errclass"
)

// Error codes surfaced in API responses and persisted on the Strategy
// row.
const (
	CodeSnapshotRequired    = "snapshot_required"
	CodeSnapshotNotFound    = "snapshot_not_found"
	CodeInvalidSnapshot     = "invalid_snapshot"
	CodeStrategistFailed    = "strategist_failed"
	CodeBriefingFailed      = "briefing_failed"
	CodeConsolidationFailed = "consolidation_failed"
	CodePlannerFailed       = "planner_failed"
	CodeEnrichmentFailed    = "enrichment_failed"
	CodePersistFailed       = "persist_failed"
	CodeBudgetExceeded      = "budget_exceeded"
)

// ErrPending reports that another worker owns the build for this
// snapshot and no terminal result exists yet.
var ErrPending = errors.New("pipeline: build in flight")

// Error is a terminal pipeline failure with its API error code. The
// wrapped error keeps its classification.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func failure(code string, err error) *Error {
	return &Error{Code: code, Err: err}
}

// HTTPStatus maps a pipeline error to a response status.
func HTTPStatus(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case CodeSnapshotRequired, CodeInvalidSnapshot:
			return 400
		case CodeSnapshotNotFound:
			return 404
		}
	}
	switch errclass.Classify(err) {
	case errclass.Client:
		return 400
	case errclass.Throttled:
		return 429
	default:
		return 500
	}
}
