// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package connmgr owns the single logical connection to the broker and the
// connect/reconnect state machine around it.
package connmgr

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitbridge/pkg/backoff"
	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
)

// watchBuffer is the per-watcher transition backlog; a slower watcher misses transitions.
const watchBuffer = 64

// Manager drives Disconnected → Connecting → Connected and back, and is the
// only component that dials or closes broker connections. The state is
// written by the manager alone and read by everyone through State/Changed.
type Manager struct {
	dialer broker.Dialer
	policy backoff.Policy
	logger *zap.Logger

	// state is published atomically; changed is closed on every transition.
	state   atomic.Int32
	mu      sync.Mutex
	changed chan struct{}
	conn    broker.Connection
	watch   map[chan Transition]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	// stop ends reconnecting; closed is the final teardown.
	stop     chan struct{}
	stopOnce sync.Once
	closed   chan struct{}
	done     chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New returns a Manager in the Disconnected state. Nothing is dialed until Start.
func New(dialer broker.Dialer, policy backoff.Policy, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		dialer:  dialer,
		policy:  policy,
		logger:  zap.NewNop(),
		changed: make(chan struct{}),
		watch:   make(map[chan Transition]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.Named("connmgr")

	return m
}

// Start launches the reconnect loop. It is idempotent while running.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isStopped() {
		return ClosedError{}
	}

	if m.started {
		return nil
	}

	m.started = true

	go m.run()

	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Changed returns a channel closed at the next transition. Read it before
// State to avoid missing a change between the two calls.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.changed
}

// Conn returns the live connection while Connected or Draining.
func (m *Manager) Conn() (broker.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.State()
	if m.conn == nil || (s != Connected && s != Draining) {
		return nil, false
	}

	return m.conn, true
}

// Wait blocks until the state is one of states or ctx is done.
func (m *Manager) Wait(ctx context.Context, states ...State) error {
	for {
		ch := m.Changed()
		if slices.Contains(states, m.State()) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Watch subscribes to the transition stream. The channel is closed by cancel
// or when the manager closes. Transitions are dropped for a watcher whose
// buffer is full.
func (m *Manager) Watch() (<-chan Transition, func()) {
	ch := make(chan Transition, watchBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closed:
		close(ch)

		return ch, func() {}
	default:
	}

	m.watch[ch] = struct{}{}

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if _, ok := m.watch[ch]; ok {
			delete(m.watch, ch)
			close(ch)
		}
	}
}

// Done is closed once the reconnect loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Drain stops reconnecting. A connected manager moves to Draining and keeps
// the link open until Close; otherwise any dial in progress is abandoned.
func (m *Manager) Drain() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		close(m.stop)

		if m.State() == Connected {
			m.setStateLocked(Draining, nil, 0)
		}
		m.mu.Unlock()

		m.cancel()
	})
}

// Close drains if needed, waits for the loop, closes the connection and
// leaves the manager Disconnected for good.
func (m *Manager) Close() error {
	m.Drain()

	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()

		return nil
	default:
	}

	close(m.closed)
	started := m.started
	m.mu.Unlock()

	if started {
		<-m.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error

	if m.conn != nil {
		if err = m.conn.Close(); err != nil && !broker.IsConnLost(err) {
			m.logger.Warn("close broker connection", zap.Error(err))
		} else {
			err = nil
		}

		m.conn = nil
	}

	if m.State() != Disconnected {
		m.setStateLocked(Disconnected, nil, 0)
	}

	for ch := range m.watch {
		delete(m.watch, ch)
		close(ch)
	}

	return err
}

func (m *Manager) isStopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// run is the reconnect loop.
func (m *Manager) run() {
	defer close(m.done)

	failures := 0

	for {
		if m.isStopped() {
			return
		}

		m.setState(Connecting, nil, failures+1)

		conn, err := m.dialer.Dial(m.ctx)
		if err != nil {
			failures++

			if m.isStopped() {
				m.setState(Disconnected, err, 0)

				return
			}

			if m.policy.Exhausted(failures) {
				m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", failures), zap.Error(err))
				m.setState(Disconnected, &ReconnectExhaustedError{Attempts: failures, Err: err}, 0)

				return
			}

			delay := m.policy.Delay(failures - 1)

			m.logger.Warn("broker dial failed",
				zap.Int("attempt", failures),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			m.setState(Disconnected, err, 0)

			if !m.sleep(delay) {
				return
			}

			continue
		}

		failures = 0

		if !m.attach(conn) {
			if err := conn.Close(); err != nil && !broker.IsConnLost(err) {
				m.logger.Warn("close connection dialed during shutdown", zap.Error(err))
			}

			m.setState(Disconnected, nil, 0)

			return
		}

		m.logger.Info("broker connected")

		if !m.hold(conn) {
			return
		}

		if !m.sleep(m.policy.Delay(0)) {
			return
		}
	}
}

// attach publishes conn and moves to Connected unless shutdown began meanwhile.
func (m *Manager) attach(conn broker.Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isStopped() {
		return false
	}

	m.conn = conn
	m.setStateLocked(Connected, nil, 0)

	return true
}

// hold waits until conn dies or shutdown begins. It reports whether the loop
// should reconnect.
func (m *Manager) hold(conn broker.Connection) bool {
	select {
	case err := <-conn.NotifyClose():
		m.lost(conn, err)

		return !m.isStopped()
	case <-m.stop:
	}

	// Draining: the link stays until Close, but a failure still ends it.
	select {
	case err := <-conn.NotifyClose():
		m.lost(conn, err)
	case <-m.closed:
	}

	return false
}

func (m *Manager) lost(conn broker.Connection, err error) {
	if err == nil {
		err = broker.ConnClosedError{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != conn {
		return
	}

	m.conn = nil

	m.logger.Warn("broker connection lost", zap.Error(err))
	m.setStateLocked(Disconnected, err, 0)
}

// sleep waits d unless shutdown begins first.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-m.stop:
		return false
	}
}

func (m *Manager) setState(to State, err error, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setStateLocked(to, err, attempt)
}

func (m *Manager) setStateLocked(to State, err error, attempt int) {
	from := m.State()

	m.state.Store(int32(to))
	close(m.changed)
	m.changed = make(chan struct{})

	t := Transition{From: from, To: to, Err: err, Attempt: attempt, At: time.Now()}

	for ch := range m.watch {
		select {
		case ch <- t:
		default:
		}
	}

	if ce := m.logger.Check(zap.DebugLevel, "state transition"); ce != nil {
		ce.Write(zap.Stringer("from", from), zap.Stringer("to", to), zap.Error(err))
	}
}

// IsExhausted reports whether err is the final reconnect error.
func IsExhausted(err error) bool {
	var exhausted *ReconnectExhaustedError

	return errors.As(err, &exhausted)
}
