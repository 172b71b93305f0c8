package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"

	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// Harness wires one client against one in-memory server over real HTTP.
type Harness struct {
	store  *store.Store
	server *remote.Server
	coord  *engine.Coordinator
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each run gets a fresh in-memory database and a fresh server on a loopback
// listener. The store and the coordinator each get their own deterministic
// clock, so record timestamps depend only on the local writes and applies of
// the scenario.
//
// A returned error means the scenario could not be executed (bad seed, a
// local write rejected). Expectation mismatches are reported in Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:", store.WithClock(testutil.NewDeterministicClock().Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in runs
	server := remote.NewServer(remote.WithServerLogger(logger))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	src := remote.NewHTTPSource(ts.URL,
		remote.WithHTTPClient(ts.Client()),
		remote.WithLogger(logger),
	)
	h := &Harness{
		store:  st,
		server: server,
		logger: logger,
		coord: engine.New(st, src,
			engine.WithLogger(logger),
			engine.WithIDGenerator(testutil.NewFixedIDGenerator(scenario.CycleID)),
			engine.WithClock(testutil.NewDeterministicClock().Now),
		),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, err
		}
	}

	var serverTables []change.TableName
	if scenario.Expect != nil {
		for table := range scenario.Expect.Server {
			serverTables = append(serverTables, change.TableName(table))
		}
	}
	if err := h.snapshot(ctx, result, serverTables); err != nil {
		return nil, fmt.Errorf("failed to snapshot final state: %w", err)
	}
	if scenario.Expect != nil {
		for _, msg := range EvaluateExpect(result, scenario.Expect) {
			result.AddError(msg)
		}
	}
	return result, nil
}

// executeStep runs a single step. Sync report mismatches are added to result.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	switch step.Kind() {
	case StepSeed:
		changes, err := step.SeedChanges()
		if err != nil {
			return fmt.Errorf("step %d: seed: %w", i, err)
		}
		if _, err := h.server.Seed(changes); err != nil {
			return fmt.Errorf("step %d: seed: %w", i, err)
		}

	case StepCreate:
		w := step.Create
		if _, err := h.store.Create(ctx, change.TableName(w.Table), w.ID, w.Fields); err != nil {
			return fmt.Errorf("step %d: create %s/%s: %w", i, w.Table, w.ID, err)
		}

	case StepUpdate:
		w := step.Update
		if _, err := h.store.Update(ctx, change.TableName(w.Table), w.ID, w.Fields); err != nil {
			return fmt.Errorf("step %d: update %s/%s: %w", i, w.Table, w.ID, err)
		}

	case StepDelete:
		w := step.Delete
		if err := h.store.Delete(ctx, change.TableName(w.Table), w.ID); err != nil {
			return fmt.Errorf("step %d: delete %s/%s: %w", i, w.Table, w.ID, err)
		}

	case StepFailPushes:
		h.server.FailPushes(step.FailPushes)

	case StepFailPulls:
		h.server.FailPulls(step.FailPulls)

	case StepCompact:
		if _, err := h.store.Compact(ctx); err != nil {
			return fmt.Errorf("step %d: compact: %w", i, err)
		}

	case StepSync:
		report, err := h.coord.RunCycleOnce(ctx)
		result.Reports = append(result.Reports, report)
		for _, msg := range checkReport(step.Sync, report, err) {
			result.AddError(fmt.Sprintf("step %d: sync: %s", i, msg))
		}
		h.logger.Info("sync step completed", "step", i, "report", report.String())

	default:
		return fmt.Errorf("step %d: no single action set", i)
	}
	return nil
}

// snapshot captures the final local and server state into result. The server
// is read for every local table plus extra.
func (h *Harness) snapshot(ctx context.Context, result *Result, extra []change.TableName) error {
	cursor, err := h.store.LoadCursor(ctx)
	if err != nil {
		return err
	}
	result.Cursor = cursor.LastPulledVersion

	pending, err := h.store.PendingCount(ctx, "")
	if err != nil {
		return err
	}
	result.Pending = pending

	tables, err := h.store.Tables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		recs, err := h.store.List(ctx, table)
		if err != nil {
			return err
		}
		result.Local[table] = recs
		result.Server[table] = h.server.Snapshot(table)
	}

	for _, table := range extra {
		result.Server[table] = h.server.Snapshot(table)
	}

	result.ServerVersion = h.server.Version()
	result.Pushes = h.server.Pushes()
	return nil
}
