package engine

import (
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/change"
)

// Report describes one RunCycleOnce call.
type Report struct {
	CycleID string
	Seq     int64
	Outcome Outcome

	// FailedAt is the phase a failed cycle stopped in. StateIdle otherwise.
	FailedAt State

	// FromVersion is the cursor the pull started from. ToVersion is the
	// cursor after the cycle; equal to FromVersion unless it succeeded.
	FromVersion int64
	ToVersion   int64

	Pulled    int // remote entries applied
	Conflicts int // remote entries that overwrote local state
	Pushed    int // local entries acknowledged

	// PushedTables lists the tables in the push body, in push order.
	PushedTables []change.TableName

	// PushFingerprint identifies the push body (canonical JSON, SHA-256).
	// Empty when nothing was pushed. A retried push of unchanged local
	// state carries the same fingerprint.
	PushFingerprint string

	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Status is the observability snapshot returned by Coordinator.Status.
type Status struct {
	State    State
	Cycles   int64 // cycles run, successful or not
	Failures int64
	Skipped  int64 // triggers dropped while a cycle was in flight

	// Last is the most recent completed cycle; nil before the first.
	Last *Report
}

// String renders a one-line summary of the report.
func (r Report) String() string {
	switch r.Outcome {
	case OutcomeSkipped:
		return "skipped (cycle in flight)"
	case OutcomeFailed:
		return fmt.Sprintf("cycle %d failed at %s: %v", r.Seq, r.FailedAt, r.Err)
	default:
		return fmt.Sprintf("cycle %d ok: version %d -> %d, pulled %d, pushed %d, conflicts %d",
			r.Seq, r.FromVersion, r.ToVersion, r.Pulled, r.Pushed, r.Conflicts)
	}
}
