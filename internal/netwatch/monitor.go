// Package netwatch turns remote reachability into sync triggers.
//
// A Monitor probes the remote and fires its trigger on every
// unreachable -> reachable edge. While reachable it can also fire on a
// periodic resync tick, so changes made while online still flow without
// waiting for a connectivity flap. While unreachable, probes back off
// exponentially up to a ceiling.
package netwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultProbeInterval is the probe period while reachable and the first
	// retry delay while unreachable.
	DefaultProbeInterval = 5 * time.Second

	// DefaultMaxProbeInterval caps the backoff while unreachable.
	DefaultMaxProbeInterval = 2 * time.Minute
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("netwatch: monitor already started")

// Prober checks whether the remote can be reached.
type Prober interface {
	Probe(ctx context.Context) error
}

// Trigger is called on every reachability regain and resync tick.
// Triggers run on their own goroutine; a slow trigger does not delay probing.
// The trigger's ctx is cancelled when the remote becomes unreachable.
type Trigger func(ctx context.Context)

// Monitor watches reachability and fires triggers.
type Monitor struct {
	prober           Prober
	trigger          Trigger
	probeInterval    time.Duration
	maxProbeInterval time.Duration
	probeTimeout     time.Duration
	resyncInterval   time.Duration
	logger           *slog.Logger

	reachable atomic.Bool
	fired     atomic.Int64
	notify    chan bool

	// Lifecycle management
	mu         sync.Mutex
	started    bool
	stopped    bool
	cancelFunc context.CancelFunc
	done       chan struct{}
	triggers   sync.WaitGroup

	// Cancels of running triggers, keyed by fire order.
	running map[int64]context.CancelFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeInterval sets the probe period while reachable.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeInterval = d
		}
	}
}

// WithMaxProbeInterval caps the probe backoff while unreachable.
func WithMaxProbeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.maxProbeInterval = d
		}
	}
}

// WithProbeTimeout bounds a single probe. Defaults to the probe interval.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithResyncInterval fires the trigger periodically while reachable.
// Zero disables periodic resync.
func WithResyncInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.resyncInterval = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Monitor. The remote starts out as unreachable, so the first
// successful probe fires the trigger.
func New(prober Prober, trigger Trigger, opts ...Option) *Monitor {
	m := &Monitor{
		prober:           prober,
		trigger:          trigger,
		probeInterval:    DefaultProbeInterval,
		maxProbeInterval: DefaultMaxProbeInterval,
		logger:           slog.Default(),
		notify:           make(chan bool, 1),
		done:             make(chan struct{}),
		running:          make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.probeTimeout == 0 {
		m.probeTimeout = m.probeInterval
	}
	if m.maxProbeInterval < m.probeInterval {
		m.maxProbeInterval = m.probeInterval
	}
	return m
}

// Reachable reports the last observed reachability.
func (m *Monitor) Reachable() bool {
	return m.reachable.Load()
}

// Fired returns how many times the trigger has been called.
func (m *Monitor) Fired() int64 {
	return m.fired.Load()
}

// Notify reports a reachability change observed outside the monitor, such as
// a platform network callback. It never blocks; if an earlier notification
// is still pending it is replaced.
func (m *Monitor) Notify(reachable bool) {
	for {
		select {
		case m.notify <- reachable:
			return
		default:
		}
		select {
		case <-m.notify:
		default:
		}
	}
}

// Start probes until ctx is cancelled or Stop is called.
// Blocks; returns after every running trigger has returned.
// A Monitor runs once: a second Start returns ErrAlreadyStarted.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		cancel()
		return ErrAlreadyStarted
	}
	m.started = true
	if m.stopped {
		m.mu.Unlock()
		cancel()
		close(m.done)
		return nil
	}
	m.cancelFunc = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.triggers.Wait()
		close(m.done)
		m.logger.Info("Connectivity monitor stopped")
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.probeInterval
	bo.MaxInterval = m.maxProbeInterval

	m.logger.Info("Starting connectivity monitor",
		"probe_interval", m.probeInterval,
		"max_probe_interval", m.maxProbeInterval,
		"resync_interval", m.resyncInterval)

	m.observe(ctx, bo, m.probe(ctx), "probe")

	timer := time.NewTimer(m.nextDelay(bo))
	defer timer.Stop()

	var resync <-chan time.Time
	if m.resyncInterval > 0 {
		ticker := time.NewTicker(m.resyncInterval)
		defer ticker.Stop()
		resync = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case reachable := <-m.notify:
			m.observe(ctx, bo, reachable, "notify")
			timer.Reset(m.nextDelay(bo))
		case <-timer.C:
			m.observe(ctx, bo, m.probe(ctx), "probe")
			timer.Reset(m.nextDelay(bo))
		case <-resync:
			if m.Reachable() {
				m.fire(ctx, "resync")
			}
		}
	}
}

// Stop cancels the monitor and waits for Start to return. A Start that
// begins after Stop returns immediately.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancelFunc
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-m.done
	}
	return nil
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.prober.Probe(ctx); err != nil {
		m.logger.Debug("Remote unreachable", "error", err)
		return false
	}
	return true
}

// observe records reachability. It fires on the unreachable -> reachable
// edge and cancels running triggers on the reachable -> unreachable edge.
func (m *Monitor) observe(ctx context.Context, bo *backoff.ExponentialBackOff, reachable bool, source string) {
	was := m.reachable.Swap(reachable)
	switch {
	case reachable && !was:
		bo.Reset()
		m.logger.Info("Remote reachable", "source", source)
		m.fire(ctx, "reconnect")
	case !reachable && was:
		n := m.cancelRunning()
		m.logger.Info("Remote unreachable", "source", source, "cancelled_triggers", n)
	}
}

func (m *Monitor) cancelRunning() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.running)
	for key, cancel := range m.running {
		cancel()
		delete(m.running, key)
	}
	return n
}

func (m *Monitor) nextDelay(bo *backoff.ExponentialBackOff) time.Duration {
	if m.Reachable() {
		return m.probeInterval
	}
	return bo.NextBackOff()
}

func (m *Monitor) fire(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	key := m.fired.Add(1)
	m.logger.Debug("Firing sync trigger", "reason", reason)

	tctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.running[key] = cancel
	m.mu.Unlock()

	m.triggers.Add(1)
	go func() {
		defer m.triggers.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, key)
			m.mu.Unlock()
			cancel()
		}()
		m.trigger(tctx)
	}()
}
