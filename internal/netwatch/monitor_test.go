package netwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProber answers probes from a script, repeating the last answer.
type scriptedProber struct {
	mu     sync.Mutex
	script []bool
	calls  int
}

func (p *scriptedProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := p.script[min(p.calls, len(p.script)-1)]
	p.calls++
	if !ok {
		return errors.New("unreachable")
	}
	return nil
}

func (p *scriptedProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func startMonitor(t *testing.T, m *Monitor) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background()) }()
	t.Cleanup(func() {
		require.NoError(t, m.Stop())
		require.NoError(t, <-errCh)
	})
}

func recorder() (Trigger, <-chan struct{}) {
	ch := make(chan struct{}, 64)
	return func(context.Context) { ch <- struct{}{} }, ch
}

func expectTrigger(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a trigger")
	}
}

func expectNoTrigger(t *testing.T, ch <-chan struct{}, wait time.Duration) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected trigger")
	case <-time.After(wait):
	}
}

func TestMonitor_FiresOnFirstReachableProbe(t *testing.T) {
	trigger, fired := recorder()
	m := New(&scriptedProber{script: []bool{true}}, trigger, WithProbeInterval(time.Hour))
	startMonitor(t, m)

	expectTrigger(t, fired)
	assert.True(t, m.Reachable())
	expectNoTrigger(t, fired, 50*time.Millisecond)
}

func TestMonitor_EdgeTriggeredOnly(t *testing.T) {
	trigger, fired := recorder()
	prober := &scriptedProber{script: []bool{false, false, true, true, true, false, true}}
	m := New(prober, trigger,
		WithProbeInterval(5*time.Millisecond),
		WithMaxProbeInterval(10*time.Millisecond))
	startMonitor(t, m)

	// Two unreachable -> reachable edges in the script.
	expectTrigger(t, fired)
	expectTrigger(t, fired)

	require.Eventually(t, func() bool { return prober.Calls() >= 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), m.Fired())
}

func TestMonitor_Notify(t *testing.T) {
	trigger, fired := recorder()
	m := New(&scriptedProber{script: []bool{false}}, trigger, WithProbeInterval(time.Hour))
	startMonitor(t, m)

	expectNoTrigger(t, fired, 20*time.Millisecond)

	m.Notify(true)
	expectTrigger(t, fired)

	// Already reachable: no edge.
	m.Notify(true)
	expectNoTrigger(t, fired, 20*time.Millisecond)

	m.Notify(false)
	require.Eventually(t, func() bool { return !m.Reachable() }, time.Second, time.Millisecond)
	m.Notify(true)
	expectTrigger(t, fired)
}

func TestMonitor_ResyncWhileReachable(t *testing.T) {
	trigger, fired := recorder()
	m := New(&scriptedProber{script: []bool{true}}, trigger,
		WithProbeInterval(time.Hour),
		WithResyncInterval(10*time.Millisecond))
	startMonitor(t, m)

	expectTrigger(t, fired) // reconnect
	expectTrigger(t, fired) // resync
	expectTrigger(t, fired) // resync
}

func TestMonitor_NoResyncWhileUnreachable(t *testing.T) {
	trigger, fired := recorder()
	m := New(&scriptedProber{script: []bool{false}}, trigger,
		WithProbeInterval(time.Hour),
		WithResyncInterval(5*time.Millisecond))
	startMonitor(t, m)

	expectNoTrigger(t, fired, 50*time.Millisecond)
}

func TestMonitor_StopWaitsForTriggers(t *testing.T) {
	var (
		mu       sync.Mutex
		finished bool
	)
	started := make(chan struct{})
	trigger := func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		mu.Lock()
		finished = true
		mu.Unlock()
	}

	m := New(&scriptedProber{script: []bool{true}}, trigger, WithProbeInterval(time.Hour))
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background()) }()

	<-started
	require.NoError(t, m.Stop())
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished, "Stop must wait for running triggers")
}

func TestMonitor_UnreachableCancelsRunningTrigger(t *testing.T) {
	started := make(chan struct{})
	ended := make(chan error, 1)
	trigger := func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		ended <- ctx.Err()
	}

	m := New(&scriptedProber{script: []bool{true}}, trigger, WithProbeInterval(time.Hour))
	startMonitor(t, m)

	<-started
	m.Notify(false)

	select {
	case err := <-ended:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("running trigger was not cancelled when the remote went away")
	}
	assert.False(t, m.Reachable())
}

func TestMonitor_ReconnectAfterCancelFiresAgain(t *testing.T) {
	trigger, fired := recorder()
	m := New(&scriptedProber{script: []bool{true}}, trigger, WithProbeInterval(time.Hour))
	startMonitor(t, m)

	expectTrigger(t, fired)
	m.Notify(false)
	require.Eventually(t, func() bool { return !m.Reachable() }, 2*time.Second, 5*time.Millisecond)
	m.Notify(true)
	expectTrigger(t, fired)
}

func TestMonitor_SecondStartFails(t *testing.T) {
	trigger, fired := recorder()
	m := New(&scriptedProber{script: []bool{true}}, trigger, WithProbeInterval(time.Hour))
	startMonitor(t, m)
	expectTrigger(t, fired)

	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
	assert.True(t, m.Reachable(), "the running monitor is unaffected")
}

func TestMonitor_StopBeforeStart(t *testing.T) {
	m := New(&scriptedProber{script: []bool{true}}, func(context.Context) {})
	assert.NoError(t, m.Stop())
	assert.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
	assert.NoError(t, m.Stop())
}

func TestNew_Defaults(t *testing.T) {
	m := New(nil, nil, WithProbeInterval(time.Minute), WithMaxProbeInterval(time.Second))
	assert.Equal(t, time.Minute, m.probeInterval)
	assert.Equal(t, time.Minute, m.maxProbeInterval, "ceiling never below the base interval")
	assert.Equal(t, time.Minute, m.probeTimeout)
}
