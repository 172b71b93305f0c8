package harness

import (
	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/engine"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expectation matched.
	Pass bool

	// Errors contains expectation failures. Empty if Pass is true.
	Errors []string

	// Reports holds one report per sync step, in step order.
	Reports []engine.Report

	// Pushes holds every push body the server received, including rejected
	// ones. Golden files are built from these.
	Pushes []change.PushRequest

	// Final state after the last step.
	Cursor        int64
	Pending       int
	ServerVersion int64
	Local         map[change.TableName][]change.Record
	Server        map[change.TableName][]change.Record
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Local:  make(map[change.TableName][]change.Record),
		Server: make(map[change.TableName][]change.Record),
	}
}

// AddError adds an expectation failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
