/*
errors.go - Centralized error types for the date index

PURPOSE:
  All index error types in one place for consistency and discoverability.
  Callers should use errors.Is/errors.As; the API layer maps these to HTTP
  statuses.

ERROR CATEGORIES:
  1. Rebuild errors - Source scan failures and implausible results. Never
     reach the read path; the previous generation keeps serving.
  2. Registry errors - Ordinal assignment violations (corrupt load).

SEE ALSO:
  - builder.go: Produces RebuildFailedError
  - registry.go: Produces ErrNonChronologicalDate
*/
package dateindex

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRebuildFailed is returned when an index rebuild aborts. The
	// previously published generation remains current and fully servable.
	ErrRebuildFailed = errors.New("index rebuild failed")

	// ErrRebuildInProgress is returned when a rebuild trigger arrives while
	// another rebuild is running. Rebuilds are single-writer; concurrent
	// triggers are rejected, not queued.
	ErrRebuildInProgress = errors.New("rebuild already in progress")

	// ErrNonChronologicalDate is returned when a previously unseen reporting
	// date sorts before the latest registered date. The source only appends
	// new trading days, so this signals a corrupt or partial load.
	ErrNonChronologicalDate = errors.New("new reporting date out of chronological order")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RebuildFailedError describes why a rebuild was aborted.
type RebuildFailedError struct {
	Reason         string
	Securities     int // securities observed in the aborted scan
	PrevSecurities int // securities in the retained generation
	Err            error
}

func (e *RebuildFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("index rebuild failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("index rebuild failed: %s (saw %d securities, previous generation has %d)",
		e.Reason, e.Securities, e.PrevSecurities)
}

// Unwrap exposes both the sentinel and the underlying cause, so
// errors.Is matches either.
func (e *RebuildFailedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRebuildFailed, e.Err}
	}
	return []error{ErrRebuildFailed}
}
