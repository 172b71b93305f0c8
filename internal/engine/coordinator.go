package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/telemetry"
)

// DefaultCallTimeout bounds a single pull or push.
const DefaultCallTimeout = 30 * time.Second

// LocalStore is the part of the store the coordinator drives.
// Implemented by *store.Store.
type LocalStore interface {
	LoadCursor(ctx context.Context) (change.Cursor, error)
	AdvanceCursor(ctx context.Context, version int64) error
	ApplyChanges(ctx context.Context, changes change.Changes) (store.ApplyStats, error)
	Tables(ctx context.Context) ([]change.TableName, error)
	CollectLocalChanges(ctx context.Context, table change.TableName, since int64) (change.ChangeSet, int64, error)
	ResetLocalChangeLog(ctx context.Context, table change.TableName, through int64) error
}

// Coordinator runs sync cycles.
//
// Thread-safety model:
//   - RunCycleOnce(): safe from any goroutine; concurrent calls coalesce
//   - Status(): safe from any goroutine
type Coordinator struct {
	store       LocalStore
	source      remote.Source
	state       atomic.Int32
	clock       *Clock
	ids         IDGenerator
	now         func() time.Time
	callTimeout time.Duration
	logger      *slog.Logger
	metrics     *telemetry.SyncMetrics
	tracer      trace.Tracer
	observers   []func(Report)

	cycles   atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64

	mu   sync.Mutex
	last *Report
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records cycle metrics. A nil value disables them.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracerProvider sets the tracer provider for cycle spans.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(telemetry.SyncTracerName)
		}
	}
}

// WithCallTimeout bounds each pull and push. Zero or negative disables the
// bound; the caller's context still applies.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.callTimeout = d
	}
}

// WithIDGenerator sets the cycle id generator. Defaults to UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// WithClock sets the wall clock used for report timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithObserver registers fn to receive the Report of every cycle that ran.
// Skipped triggers are not observed. fn runs on the cycle's goroutine after
// the coordinator is back in IDLE.
func WithObserver(fn func(Report)) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, fn)
	}
}

// New creates a Coordinator.
func New(s LocalStore, src remote.Source, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       s,
		source:      src,
		clock:       NewClock(),
		ids:         UUIDv7Generator{},
		now:         time.Now,
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default(),
		tracer:      otel.GetTracerProvider().Tracer(telemetry.SyncTracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Status returns counters and the last report.
func (c *Coordinator) Status() Status {
	st := Status{
		State:    c.State(),
		Cycles:   c.cycles.Load(),
		Failures: c.failures.Load(),
		Skipped:  c.skipped.Load(),
	}
	c.mu.Lock()
	if c.last != nil {
		r := *c.last
		st.Last = &r
	}
	c.mu.Unlock()
	return st
}

// RunCycleOnce runs one full sync cycle.
//
// Returns ErrCycleInFlight without doing anything if a cycle is already
// running. Otherwise the returned error is nil or a *SyncError, and the
// Report describes the cycle either way.
func (c *Coordinator) RunCycleOnce(ctx context.Context) (Report, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StatePulling)) {
		c.skipped.Add(1)
		c.metrics.RecordCycle(ctx, string(OutcomeSkipped), "", 0)
		c.logger.DebugContext(ctx, "sync trigger coalesced", "state", c.State())
		return Report{Outcome: OutcomeSkipped}, ErrCycleInFlight
	}
	// Restores IDLE when a store or source panics.
	defer c.state.Store(int32(StateIdle))

	r := &cycle{
		c:      c,
		report: Report{CycleID: c.ids.Generate(), Seq: c.clock.Next(), StartedAt: c.now()},
	}
	r.log = c.logger.With("cycle_id", r.report.CycleID, "cycle_seq", r.report.Seq)

	ctx, span := c.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(
		attribute.String("sync.cycle_id", r.report.CycleID),
		attribute.Int64("sync.cycle_seq", r.report.Seq),
	))
	defer span.End()
	r.span = span

	err := r.run(ctx)
	report := r.finish(ctx, err)

	c.state.Store(int32(StateIdle))

	for _, fn := range c.observers {
		fn(report)
	}
	return report, err
}

// cycle holds the state of one RunCycleOnce call.
type cycle struct {
	c      *Coordinator
	report Report
	log    *slog.Logger
	span   trace.Span
}

func (r *cycle) enter(ctx context.Context, s State) {
	r.c.state.Store(int32(s))
	r.span.AddEvent(s.String())
	r.log.DebugContext(ctx, "sync phase", "state", s)
}

func (r *cycle) fail(code ErrorCode, table change.TableName, msg string, err error) error {
	phase := r.c.State()
	r.c.state.Store(int32(StateFailed))
	r.report.FailedAt = phase
	return &SyncError{
		Code:    code,
		Phase:   phase,
		Message: msg,
		CycleID: r.report.CycleID,
		Table:   table,
		Err:     err,
	}
}

func (r *cycle) run(ctx context.Context) error {
	c := r.c

	// PULLING
	cursor, err := c.store.LoadCursor(ctx)
	if err != nil {
		return r.fail(ErrCodeStore, "", "load cursor", err)
	}
	r.report.FromVersion = cursor.LastPulledVersion
	r.report.ToVersion = cursor.LastPulledVersion

	pull, err := r.pull(ctx, cursor.LastPulledVersion)
	if err != nil {
		return err
	}

	// APPLYING
	r.enter(ctx, StateApplying)
	if !pull.Changes.IsEmpty() {
		stats, err := c.store.ApplyChanges(ctx, pull.Changes)
		if err != nil {
			code := ErrCodeStore
			if errors.Is(err, store.ErrAlreadyExists) {
				code = ErrCodeConflict
			}
			return r.fail(code, failedTable(err), "apply remote changes", err)
		}
		r.report.Pulled = stats.Total() + stats.Kept
		r.report.Conflicts = stats.Conflicts
		if stats.Conflicts > 0 {
			r.log.InfoContext(ctx, "remote changes met pending local state",
				"conflicts", stats.Conflicts, "kept_local", stats.Kept)
		}
	}

	// COLLECTING
	r.enter(ctx, StateCollecting)
	push, markers, err := r.collect(ctx)
	if err != nil {
		return err
	}

	// PUSHING
	r.enter(ctx, StatePushing)
	if !push.Changes.IsEmpty() {
		if fp, err := change.Fingerprint(push); err != nil {
			r.log.WarnContext(ctx, "push fingerprint failed", "error", err)
		} else {
			r.report.PushFingerprint = fp
		}
		r.report.PushedTables = push.Changes.Tables()

		if err := r.push(ctx, push); err != nil {
			return err
		}
		r.report.Pushed = push.Changes.Count()
	}

	// ADVANCING
	r.enter(ctx, StateAdvancing)
	for _, table := range slices.Sorted(maps.Keys(markers)) {
		if err := c.store.ResetLocalChangeLog(ctx, table, markers[table]); err != nil {
			return r.fail(ErrCodeStore, table, "reset local change log", err)
		}
	}
	if pull.LatestVersion != cursor.LastPulledVersion {
		if err := c.store.AdvanceCursor(ctx, pull.LatestVersion); err != nil {
			return r.fail(ErrCodeStore, "", "advance cursor", err)
		}
	}
	r.report.ToVersion = pull.LatestVersion
	return nil
}

func (r *cycle) pull(ctx context.Context, since int64) (change.PullResponse, error) {
	callCtx, cancel := r.c.callContext(ctx)
	defer cancel()

	resp, err := r.c.source.Pull(callCtx, since)
	if err != nil {
		if remote.IsProtocolError(err) {
			return change.PullResponse{}, r.fail(ErrCodeProtocol, "", "pull", err)
		}
		return change.PullResponse{}, r.fail(ErrCodeTransport, "", "pull", err)
	}
	if resp.Changes == nil {
		resp.Changes = change.Changes{}
	}
	if err := resp.Validate(since); err != nil {
		return change.PullResponse{}, r.fail(ErrCodeProtocol, "", "validate pull response", err)
	}
	return resp, nil
}

// collect gathers local changes for every registered table. Tables without
// changes are left out of the request. The returned markers also cover tables
// whose entries all cancelled out (created then deleted offline), so their
// log is cleared once the cycle succeeds.
func (r *cycle) collect(ctx context.Context) (change.PushRequest, map[change.TableName]int64, error) {
	tables, err := r.c.store.Tables(ctx)
	if err != nil {
		return change.PushRequest{}, nil, r.fail(ErrCodeStore, "", "list tables", err)
	}

	collected := make(change.Changes, len(tables))
	markers := make(map[change.TableName]int64, len(tables))
	for _, table := range tables {
		cs, marker, err := r.c.store.CollectLocalChanges(ctx, table, 0)
		if err != nil {
			return change.PushRequest{}, nil, r.fail(ErrCodeStore, table, "collect local changes", err)
		}
		if marker > 0 {
			markers[table] = marker
		}
		collected[table] = cs
	}
	return change.PushRequest{Changes: collected.Compact()}, markers, nil
}

func (r *cycle) push(ctx context.Context, req change.PushRequest) error {
	callCtx, cancel := r.c.callContext(ctx)
	defer cancel()

	if err := r.c.source.Push(callCtx, req); err != nil {
		if remote.IsProtocolError(err) {
			return r.fail(ErrCodeProtocol, "", "push", err)
		}
		return r.fail(ErrCodeTransport, "", "push", err)
	}
	return nil
}

// finish stamps the report, records it and emits logs, metrics and span
// status.
func (r *cycle) finish(ctx context.Context, err error) Report {
	c := r.c
	rep := r.report
	rep.Duration = c.now().Sub(rep.StartedAt)
	rep.Err = err

	c.cycles.Add(1)
	failedAt := ""
	if err != nil {
		rep.Outcome = OutcomeFailed
		failedAt = rep.FailedAt.String()
		c.failures.Add(1)
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, string(CodeOf(err)))
		r.log.WarnContext(ctx, "sync cycle failed",
			"failed_at", rep.FailedAt,
			"code", CodeOf(err),
			"cursor", rep.FromVersion,
			"error", err)
	} else {
		rep.Outcome = OutcomeSuccess
		r.span.SetAttributes(
			attribute.Int64("sync.from_version", rep.FromVersion),
			attribute.Int64("sync.to_version", rep.ToVersion),
			attribute.Int("sync.pulled", rep.Pulled),
			attribute.Int("sync.pushed", rep.Pushed),
		)
		r.log.InfoContext(ctx, "sync cycle completed",
			"from_version", rep.FromVersion,
			"to_version", rep.ToVersion,
			"pulled", rep.Pulled,
			"pushed", rep.Pushed,
			"conflicts", rep.Conflicts,
			"duration", rep.Duration)
	}

	c.metrics.RecordCycle(ctx, string(rep.Outcome), failedAt, rep.Duration)
	c.metrics.RecordPulled(ctx, rep.Pulled)
	c.metrics.RecordPushed(ctx, rep.Pushed)
	c.metrics.RecordConflicts(ctx, rep.Conflicts)

	c.mu.Lock()
	saved := rep
	c.last = &saved
	c.mu.Unlock()

	return rep
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// failedTable extracts the table a store error is scoped to, if any.
func failedTable(err error) change.TableName {
	var se *store.StoreError
	if errors.As(err, &se) {
		return se.Table
	}
	return ""
}
