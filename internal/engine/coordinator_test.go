package engine

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/remote/mocks"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	clock := testutil.NewDeterministicClock()
	s, err := store.Open(path, store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCoordinator(s LocalStore, src remote.Source, opts ...Option) *Coordinator {
	opts = append([]Option{WithIDGenerator(testutil.NewFixedIDGenerator("cycle"))}, opts...)
	return New(s, src, opts...)
}

func cursorOf(t *testing.T, s *store.Store) int64 {
	t.Helper()
	c, err := s.LoadCursor(context.Background())
	require.NoError(t, err)
	return c.LastPulledVersion
}

func pending(t *testing.T, s *store.Store, table change.TableName) int {
	t.Helper()
	n, err := s.PendingCount(context.Background(), table)
	require.NoError(t, err)
	return n
}

func pullResponse(version int64, changes change.Changes) change.PullResponse {
	if changes == nil {
		changes = change.Changes{}
	}
	return change.PullResponse{Changes: changes, LatestVersion: version}
}

func TestRunCycleOnce_PullOnlySkipsPush(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(3, change.Changes{
		"cars": {Created: []change.Record{{ID: "c1", UpdatedAt: 1, Fields: map[string]any{"model": "Tesla"}}}},
	}), nil)
	// No Push expectation: gomock fails the test on an unexpected call.

	report, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.Equal(t, int64(0), report.FromVersion)
	assert.Equal(t, int64(3), report.ToVersion)
	assert.Equal(t, 1, report.Pulled)
	assert.Zero(t, report.Pushed)
	assert.Empty(t, report.PushFingerprint)
	assert.Equal(t, int64(3), cursorOf(t, s))
}

// Pull brings users/u1 at version 5 while cars/c1 waits locally.
func TestRunCycleOnce_PullApplyPushAdvance(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "cars", "c1", nil)
	require.NoError(t, err)

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(5, change.Changes{
		"users": {Created: []change.Record{{ID: "u1", Fields: map[string]any{"name": "Ana"}}}},
	}), nil)

	var pushed change.PushRequest
	src.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req change.PushRequest) error {
			pushed = req
			return nil
		})

	report, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.NoError(t, err)

	users, err := s.List(ctx, "users")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Ana", users[0].Fields["name"])

	require.Equal(t, []change.TableName{"cars"}, pushed.Changes.Tables())
	require.Len(t, pushed.Changes["cars"].Created, 1)
	assert.Equal(t, "c1", pushed.Changes["cars"].Created[0].ID)
	assert.Empty(t, pushed.Changes["cars"].Updated)
	assert.Empty(t, pushed.Changes["cars"].Deleted)

	assert.Equal(t, int64(5), cursorOf(t, s))
	assert.Zero(t, pending(t, s, "cars"))
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, []change.TableName{"cars"}, report.PushedTables)
	assert.NotEmpty(t, report.PushFingerprint)
}

func TestRunCycleOnce_PushFailureRetriesIdenticalBody(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "cars", "c1", map[string]any{"model": "Tesla"})
	require.NoError(t, err)

	var bodies []change.PushRequest
	record := func(_ context.Context, req change.PushRequest) {
		bodies = append(bodies, req)
	}

	gomock.InOrder(
		src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(2, nil), nil),
		src.EXPECT().Push(gomock.Any(), gomock.Any()).Do(record).
			Return(&remote.TransportError{Op: "push", Err: errors.New("connection reset")}),
		src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(2, nil), nil),
		src.EXPECT().Push(gomock.Any(), gomock.Any()).Do(record).Return(nil),
	)

	coord := newTestCoordinator(s, src, WithIDGenerator(NewFixedGenerator("first", "second")))

	first, err := coord.RunCycleOnce(ctx)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, OutcomeFailed, first.Outcome)
	assert.Equal(t, StatePushing, first.FailedAt)
	assert.Equal(t, int64(0), cursorOf(t, s), "cursor must not advance on push failure")
	assert.Equal(t, 1, pending(t, s, "cars"), "log must not reset on push failure")
	assert.Equal(t, StateIdle, coord.State())

	second, err := coord.RunCycleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursorOf(t, s))
	assert.Zero(t, pending(t, s, "cars"))

	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, first.PushFingerprint, second.PushFingerprint)
	assert.Equal(t, "first", first.CycleID)
	assert.Equal(t, "second", second.CycleID)
}

func TestRunCycleOnce_PullTransportErrorMutatesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdvanceCursor(ctx, 4))
	_, err := s.Create(ctx, "cars", "c1", nil)
	require.NoError(t, err)

	src.EXPECT().Pull(gomock.Any(), int64(4)).
		Return(change.PullResponse{}, &remote.TransportError{Op: "pull", StatusCode: 503, Err: errors.New("unavailable")})

	report, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.Error(t, err)

	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeTransport, se.Code)
	assert.Equal(t, StatePulling, se.Phase)
	assert.Equal(t, StatePulling, report.FailedAt)
	assert.Equal(t, int64(4), report.ToVersion)
	assert.Equal(t, int64(4), cursorOf(t, s))
	assert.Equal(t, 1, pending(t, s, "cars"))
}

func TestRunCycleOnce_PullTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)

	src.EXPECT().Pull(gomock.Any(), int64(0)).DoAndReturn(
		func(ctx context.Context, _ int64) (change.PullResponse, error) {
			<-ctx.Done()
			return change.PullResponse{}, ctx.Err()
		})

	coord := newTestCoordinator(s, src, WithCallTimeout(20*time.Millisecond))
	report, err := coord.RunCycleOnce(context.Background())

	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatePulling, report.FailedAt)
	assert.Equal(t, int64(0), cursorOf(t, s))
}

func TestRunCycleOnce_PushCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Create(ctx, "cars", "c1", nil)
	require.NoError(t, err)

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(1, nil), nil)
	src.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ change.PushRequest) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})

	report, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatePushing, report.FailedAt)
	assert.Equal(t, int64(0), cursorOf(t, s))
	assert.Equal(t, 1, pending(t, s, "cars"))
}

func TestRunCycleOnce_RejectsCursorRegression(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdvanceCursor(ctx, 5))
	src.EXPECT().Pull(gomock.Any(), int64(5)).Return(pullResponse(3, nil), nil)

	_, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, int64(5), cursorOf(t, s))
}

func TestRunCycleOnce_InvalidChangeSetIsProtocolError(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(1, change.Changes{
		"cars": {
			Created: []change.Record{{ID: "c1"}},
			Deleted: []string{"c1"},
		},
	}), nil)

	report, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.ErrorIs(t, err, change.ErrInvalidChanges)
	assert.Equal(t, StatePulling, report.FailedAt)

	cars, err := s.List(ctx, "cars")
	require.NoError(t, err)
	assert.Empty(t, cars)
}

func TestRunCycleOnce_AtomicApplyAcrossTables(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyChanges(ctx, change.Changes{
		"a": {Created: []change.Record{{ID: "a0", UpdatedAt: 1}}},
		"c": {Created: []change.Record{{ID: "c0", UpdatedAt: 1}}},
	})
	require.NoError(t, err)

	_, err = s.DB().Exec(`
		CREATE TRIGGER fail_b BEFORE INSERT ON records
		WHEN NEW.table_name = 'b'
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END
	`)
	require.NoError(t, err)

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(9, change.Changes{
		"c": {Updated: []change.Record{{ID: "c0", UpdatedAt: 2, Fields: map[string]any{"x": "new"}}}},
		"a": {Deleted: []string{"a0"}},
		"b": {Created: []change.Record{{ID: "b1", UpdatedAt: 2}}},
	}), nil)

	report, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.Error(t, err)

	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeStore, se.Code)
	assert.Equal(t, change.TableName("b"), se.Table)
	assert.Equal(t, StateApplying, report.FailedAt)

	a, err := s.Get(ctx, "a", "a0")
	require.NoError(t, err)
	assert.False(t, a.IsDeleted(), "table a must be rolled back")

	c, err := s.Get(ctx, "c", "c0")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.UpdatedAt, "table c must be untouched")

	assert.Equal(t, int64(0), cursorOf(t, s))
}

func TestRunCycleOnce_PendingEditSurvivesRemoteChange(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyChanges(ctx, change.Changes{
		"cars": {Created: []change.Record{
			{ID: "x", UpdatedAt: 1, Fields: map[string]any{"color": "blue"}},
			{ID: "y", UpdatedAt: 1, Fields: map[string]any{"color": "blue"}},
		}},
	})
	require.NoError(t, err)
	_, err = s.Update(ctx, "cars", "x", map[string]any{"color": "green"})
	require.NoError(t, err)

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(2, change.Changes{
		"cars": {Updated: []change.Record{{ID: "y", UpdatedAt: 5, Fields: map[string]any{"color": "red"}}}},
	}), nil)
	src.EXPECT().Push(gomock.Any(), gomock.Any()).
		Return(&remote.TransportError{Op: "push", Err: errors.New("offline")})

	_, err = newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.Error(t, err)

	x, err := s.Get(ctx, "cars", "x")
	require.NoError(t, err)
	assert.Equal(t, "green", x.Fields["color"])

	y, err := s.Get(ctx, "cars", "y")
	require.NoError(t, err)
	assert.Equal(t, "red", y.Fields["color"])

	cs, _, err := s.CollectLocalChanges(ctx, "cars", 0)
	require.NoError(t, err)
	require.Len(t, cs.Updated, 1)
	assert.Equal(t, "x", cs.Updated[0].ID)
}

func TestRunCycleOnce_CoalescesConcurrentTriggers(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	src.EXPECT().Pull(gomock.Any(), int64(0)).DoAndReturn(
		func(context.Context, int64) (change.PullResponse, error) {
			close(entered)
			<-release
			return pullResponse(1, nil), nil
		}).Times(1)

	coord := newTestCoordinator(s, src)

	var (
		wg        sync.WaitGroup
		firstErr  error
		firstRept Report
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstRept, firstErr = coord.RunCycleOnce(ctx)
	}()

	<-entered
	assert.Equal(t, StatePulling, coord.State())

	for range 3 {
		report, err := coord.RunCycleOnce(ctx)
		assert.ErrorIs(t, err, ErrCycleInFlight)
		assert.Equal(t, OutcomeSkipped, report.Outcome)
	}

	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Equal(t, OutcomeSuccess, firstRept.Outcome)

	st := coord.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, int64(1), st.Cycles)
	assert.Equal(t, int64(3), st.Skipped)
	require.NotNil(t, st.Last)
	assert.Equal(t, int64(1), st.Last.Seq)
}

func TestRunCycleOnce_ObserverAndStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	src.EXPECT().Pull(gomock.Any(), gomock.Any()).
		Return(change.PullResponse{}, &remote.TransportError{Op: "pull", Err: errors.New("down")})

	var observed []Report
	coord := newTestCoordinator(s, src, WithObserver(func(r Report) { observed = append(observed, r) }))

	assert.Nil(t, coord.Status().Last)

	_, err := coord.RunCycleOnce(ctx)
	require.Error(t, err)

	require.Len(t, observed, 1)
	assert.Equal(t, OutcomeFailed, observed[0].Outcome)

	st := coord.Status()
	assert.Equal(t, int64(1), st.Cycles)
	assert.Equal(t, int64(1), st.Failures)
	require.NotNil(t, st.Last)
	assert.Equal(t, StatePulling, st.Last.FailedAt)
	assert.Contains(t, st.Last.String(), "failed at PULLING")
}

func TestRunCycleOnce_OmitsEmptyTables(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterTable(ctx, "users"))
	_, err := s.Create(ctx, "cars", "c1", nil)
	require.NoError(t, err)

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(0, nil), nil)
	src.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req change.PushRequest) error {
			assert.Equal(t, []change.TableName{"cars"}, req.Changes.Tables())
			return nil
		})

	report, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.ToVersion)
}

// A record created and deleted between cycles never reaches the server, but
// its log entries must still be cleared.
func TestRunCycleOnce_ClearsCancelledOutLog(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "cars", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "cars", "c1"))
	require.Equal(t, 2, pending(t, s, "cars"))

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(0, nil), nil)
	// No Push expectation: nothing is left to send.

	report, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pushed)
	assert.Zero(t, pending(t, s, "cars"))
}

func TestRunCycleOnce_TracesCycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(1, nil), nil)

	_, err := newTestCoordinator(s, src, WithTracerProvider(tp)).RunCycleOnce(context.Background())
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sync.cycle", spans[0].Name())

	var events []string
	for _, e := range spans[0].Events() {
		events = append(events, e.Name)
	}
	assert.Equal(t, []string{"APPLYING", "COLLECTING", "PUSHING", "ADVANCING"}, events)
}

// crashingStore fails the cursor write once, as if the process died between
// the push acknowledgement and the cursor advance.
type crashingStore struct {
	*store.Store
	crashed bool
}

func (c *crashingStore) AdvanceCursor(ctx context.Context, version int64) error {
	if !c.crashed {
		c.crashed = true
		return errors.New("process killed")
	}
	return c.Store.AdvanceCursor(ctx, version)
}

func TestRunCycleOnce_RecoversFromCrashBeforeCursorAdvance(t *testing.T) {
	srv := remote.NewServer()
	_, err := srv.Seed(change.Changes{
		"users": {Created: []change.Record{{ID: "u1", UpdatedAt: 1, Fields: map[string]any{"name": "Ana"}}}},
	})
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	src := remote.NewHTTPSource(hs.URL)

	s := createTestStore(t)
	ctx := context.Background()
	_, err = s.Create(ctx, "cars", "c1", map[string]any{"model": "Tesla"})
	require.NoError(t, err)

	_, err = newTestCoordinator(&crashingStore{Store: s}, src).RunCycleOnce(ctx)
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	assert.Equal(t, int64(0), cursorOf(t, s))
	assert.Len(t, srv.Snapshot("cars"), 1, "push was acknowledged")

	// Restart: a fresh coordinator pulls from the old cursor.
	report, err := newTestCoordinator(s, src).RunCycleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.Version(), cursorOf(t, s))
	assert.Zero(t, report.Pushed)
	assert.Zero(t, pending(t, s, ""), "re-apply must not log mutations")

	cars, err := s.List(ctx, "cars")
	require.NoError(t, err)
	require.Len(t, cars, 1)
	assert.Equal(t, "Tesla", cars[0].Fields["model"])

	users, err := s.List(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Len(t, srv.Pushes(), 1)
}

func newServerSource(t *testing.T) (*remote.Server, remote.Source) {
	t.Helper()
	srv := remote.NewServer()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, remote.NewHTTPSource(hs.URL)
}

func TestRunCycleOnce_LocalDeleteSurvivesEchoedCreate(t *testing.T) {
	srv, src := newServerSource(t)
	s := createTestStore(t)
	ctx := context.Background()
	coord := newTestCoordinator(s, src)

	_, err := s.Create(ctx, "cars", "c1", map[string]any{"model": "A"})
	require.NoError(t, err)
	_, err = coord.RunCycleOnce(ctx)
	require.NoError(t, err)
	require.Len(t, srv.Snapshot("cars"), 1)

	require.NoError(t, s.Delete(ctx, "cars", "c1"))
	report, err := coord.RunCycleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)

	pushes := srv.Pushes()
	require.Len(t, pushes, 2)
	last := pushes[1].Changes["cars"]
	assert.Equal(t, []string{"c1"}, last.Deleted)
	assert.Empty(t, last.Updated)
	assert.Empty(t, last.Created)

	assert.Empty(t, srv.Snapshot("cars"))
	assert.Empty(t, srv.Changes(0).Changes["cars"].Created)

	cars, err := s.List(ctx, "cars")
	require.NoError(t, err)
	assert.Empty(t, cars)
	assert.Zero(t, pending(t, s, ""))
}

func TestRunCycleOnce_LocalEditSurvivesEchoedRows(t *testing.T) {
	srv, src := newServerSource(t)
	s := createTestStore(t)
	ctx := context.Background()
	coord := newTestCoordinator(s, src)

	_, err := s.Create(ctx, "cars", "c1", map[string]any{"model": "A"})
	require.NoError(t, err)
	_, err = coord.RunCycleOnce(ctx)
	require.NoError(t, err)

	_, err = s.Update(ctx, "cars", "c1", map[string]any{"model": "B"})
	require.NoError(t, err)
	_, err = coord.RunCycleOnce(ctx)
	require.NoError(t, err)

	_, err = s.Update(ctx, "cars", "c1", map[string]any{"model": "EDITED"})
	require.NoError(t, err)
	_, err = coord.RunCycleOnce(ctx)
	require.NoError(t, err)

	server := srv.Snapshot("cars")
	require.Len(t, server, 1)
	assert.Equal(t, "EDITED", server[0].Fields["model"])

	local, err := s.Get(ctx, "cars", "c1")
	require.NoError(t, err)
	assert.Equal(t, "EDITED", local.Fields["model"])
	assert.Zero(t, pending(t, s, ""))
}

func TestRunCycleOnce_PanicReleasesCycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	s := createTestStore(t)
	ctx := context.Background()
	coord := newTestCoordinator(s, src)

	src.EXPECT().Pull(gomock.Any(), int64(0)).
		DoAndReturn(func(context.Context, int64) (change.PullResponse, error) {
			panic("source exploded")
		})
	assert.PanicsWithValue(t, "source exploded", func() {
		_, _ = coord.RunCycleOnce(ctx)
	})
	assert.Equal(t, StateIdle, coord.State())

	src.EXPECT().Pull(gomock.Any(), int64(0)).Return(pullResponse(0, nil), nil)
	report, err := coord.RunCycleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, report.Outcome)
}
