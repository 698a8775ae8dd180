// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package outbound forwards locally published envelopes to the broker.
//
// Envelopes wait in the Pending Outbound Set until the broker confirms them or
// they fail for good. A single worker drains the set: per routing key in FIFO
// order, keys served round-robin, only the head of each key in flight. The
// worker transmits only while the connection is up and otherwise lets the set
// fill; a full set blocks Publish.
package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GwynCerbin/rabbitbridge/pkg/backoff"
	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
	"github.com/GwynCerbin/rabbitbridge/pkg/connmgr"
	"github.com/GwynCerbin/rabbitbridge/pkg/envelope"
)

const (
	defaultCapacity = 1024
	tracerName      = "github.com/GwynCerbin/rabbitbridge/pkg/outbound"
)

// Link is the view of the connection manager the publisher needs.
type Link interface {
	State() connmgr.State
	Changed() <-chan struct{}
	Conn() (broker.Connection, bool)
}

// Failure is a terminal outcome for one envelope.
type Failure struct {
	Envelope *envelope.Envelope
	Err      error
}

// Config tunes the publisher.
type Config struct {
	// Capacity bounds the Pending Outbound Set.
	Capacity int `yaml:"capacity"`
	// Retry schedules resends after transient failures; MaxAttempts bounds them.
	Retry backoff.Policy `yaml:"retry"`
	// RateLimit caps sends per second; 0 disables the limiter.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// BreakerThreshold opens the send circuit after that many consecutive
	// transient failures; 0 disables it.
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

type entry struct {
	env      *envelope.Envelope
	failures int
	readyAt  time.Time
}

// Publisher owns the Pending Outbound Set and its drain worker.
type Publisher struct {
	link      Link
	cfg       Config
	logger    *zap.Logger
	onFailure func(Failure)
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	tracer    trace.Tracer

	// slots holds one token per pending envelope.
	slots   chan struct{}
	mu      sync.Mutex
	pending map[string]*entry
	queues  map[string][]*entry
	keys    []string
	cursor  int

	wake      chan struct{}
	stopping  chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithFailureHandler sets the callback receiving terminal failures. It is
// called from the worker goroutine and must not block for long.
func WithFailureHandler(fn func(Failure)) Option {
	return func(p *Publisher) {
		p.onFailure = fn
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Publisher) {
		p.tracer = tracer
	}
}

// New returns a stopped publisher; call Start to launch the worker.
func New(link Link, cfg Config, opts ...Option) *Publisher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Publisher{
		link:      link,
		cfg:       cfg,
		logger:    zap.NewNop(),
		onFailure: func(Failure) {},
		slots:     make(chan struct{}, cfg.Capacity),
		pending:   make(map[string]*entry),
		queues:    make(map[string][]*entry),
		wake:      make(chan struct{}, 1),
		stopping:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.Named("outbound")

	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}

	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}

	if cfg.BreakerThreshold > 0 {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "outbound",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || broker.IsPermanent(err) || broker.IsConnLost(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Warn("send circuit breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}

	return p
}

// Start launches the drain worker. Calling it again has no effect.
func (p *Publisher) Start() {
	p.startOnce.Do(func() {
		p.mu.Lock()
		p.started = true
		p.mu.Unlock()

		go p.run()
	})
}

// Publish accepts env into the Pending Outbound Set and returns without
// waiting for the broker. When the set is full it blocks until room frees
// up, ctx ends, or the publisher stops.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope) error {
	select {
	case <-p.stopping:
		return StoppedError{}
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return StoppedError{}
	}

	p.mu.Lock()

	if p.isStopping() {
		p.mu.Unlock()
		<-p.slots

		return StoppedError{}
	}

	id := env.CorrelationID()
	if _, dup := p.pending[id]; dup {
		p.mu.Unlock()
		<-p.slots

		return DuplicateError{CorrelationID: id}
	}

	e := &entry{env: env}
	p.pending[id] = e

	key := env.RoutingKey()
	if len(p.queues[key]) == 0 {
		p.keys = append(p.keys, key)
	}

	p.queues[key] = append(p.queues[key], e)
	p.mu.Unlock()

	p.signal()

	return nil
}

// Len returns the number of envelopes awaiting broker confirmation.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pending)
}

// Capacity returns the bound of the Pending Outbound Set.
func (p *Publisher) Capacity() int {
	return p.cfg.Capacity
}

// Stop refuses new envelopes and keeps sending while connected until the set
// is empty or ctx ends. Whatever is left is reported as failed with
// ShutdownError, which is also returned.
func (p *Publisher) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopping)
	})
	p.signal()

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	if started {
		select {
		case <-p.done:
		case <-ctx.Done():
		}
	}

	p.cancel()

	if started {
		<-p.done
	}

	left := p.takeAll()
	if len(left) == 0 {
		return nil
	}

	err := ShutdownError{Abandoned: len(left)}

	p.logger.Warn("abandoning unconfirmed envelopes", zap.Int("count", len(left)))

	for _, e := range left {
		p.onFailure(Failure{Envelope: e.env, Err: err})
	}

	return err
}

func (p *Publisher) isStopping() bool {
	select {
	case <-p.stopping:
		return true
	default:
		return false
	}
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run is the drain worker.
func (p *Publisher) run() {
	defer close(p.done)

	for {
		if p.ctx.Err() != nil || (p.isStopping() && p.Len() == 0) {
			return
		}

		changed := p.link.Changed()

		conn, ok := p.link.Conn()
		if !ok {
			select {
			case <-changed:
			case <-p.wake:
			case <-p.ctx.Done():
				return
			}

			continue
		}

		e, wait := p.next(time.Now())
		if e == nil {
			p.idle(changed, wait)

			continue
		}

		p.attempt(conn, e)
	}
}

// idle sleeps until new work, a state change, the next retry time or shutdown.
func (p *Publisher) idle(changed <-chan struct{}, wait time.Duration) {
	var timeout <-chan time.Time

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		timeout = timer.C
	}

	select {
	case <-p.wake:
	case <-changed:
	case <-timeout:
	case <-p.ctx.Done():
	}
}

// next picks the first ready key head after the cursor. With nothing ready it
// returns how long until the earliest head is due (0 when the set is empty).
func (p *Publisher) next(now time.Time) (*entry, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var wait time.Duration

	for i := range p.keys {
		idx := (p.cursor + i) % len(p.keys)
		head := p.queues[p.keys[idx]][0]

		if !head.readyAt.After(now) {
			p.cursor = idx + 1

			return head, 0
		}

		if d := head.readyAt.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}

	return nil, wait
}

// attempt makes one send of e and settles or reschedules it.
func (p *Publisher) attempt(conn broker.Connection, e *entry) {
	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
	}

	var (
		env = e.env
		key = env.RoutingKey()
		id  = env.CorrelationID()
	)

	ctx, span := p.tracer.Start(p.ctx, "outbound.send", trace.WithAttributes(
		attribute.String("messaging.destination.name", key),
		attribute.String("messaging.message.id", id),
	))

	err := p.send(func() error {
		span.SetAttributes(attribute.Int("messaging.delivery_attempt", env.NextAttempt()))

		return conn.Send(ctx, key, env.Payload(), id)
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	switch {
	case err == nil:
		p.remove(e)
		p.logger.Debug("envelope confirmed", zap.String("correlation_id", id), zap.Int("attempt", env.Attempt()))
	case p.ctx.Err() != nil:
		// Shutdown grace ran out mid-send; Stop reports it.
	case broker.IsPermanent(err):
		p.fail(e, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.reschedule(e, p.cfg.Retry.Delay(e.failures))
	case broker.IsConnLost(err) || !p.usable():
		// Resent from the head once the manager reconnects; not counted.
		p.logger.Info("send interrupted by connection loss", zap.String("correlation_id", id))
		p.reschedule(e, p.cfg.Retry.Ceiling(0))
	default:
		e.failures++

		if p.cfg.Retry.Exhausted(e.failures) {
			p.fail(e, &RetryExhaustedError{Attempts: env.Attempt(), Err: err})

			return
		}

		delay := p.cfg.Retry.Delay(e.failures - 1)

		p.logger.Warn("send failed, retrying",
			zap.String("correlation_id", id),
			zap.String("routing_key", key),
			zap.Int("attempt", env.Attempt()),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		p.reschedule(e, delay)
	}
}

func (p *Publisher) send(fn func() error) error {
	if p.breaker == nil {
		return fn()
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	return err
}

func (p *Publisher) usable() bool {
	s := p.link.State()

	return s == connmgr.Connected || s == connmgr.Draining
}

func (p *Publisher) reschedule(e *entry, delay time.Duration) {
	p.mu.Lock()
	e.readyAt = time.Now().Add(delay)
	p.mu.Unlock()
}

func (p *Publisher) fail(e *entry, err error) {
	p.remove(e)

	p.logger.Warn("envelope failed",
		zap.String("correlation_id", e.env.CorrelationID()),
		zap.String("routing_key", e.env.RoutingKey()),
		zap.Int("attempt", e.env.Attempt()),
		zap.Error(err))

	p.onFailure(Failure{Envelope: e.env, Err: err})
}

// remove drops e, which must be the head of its key, from the set.
func (p *Publisher) remove(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := e.env.RoutingKey()
	delete(p.pending, e.env.CorrelationID())

	q := p.queues[key][1:]
	if len(q) > 0 {
		p.queues[key] = q
	} else {
		delete(p.queues, key)
		p.dropKeyLocked(key)
	}

	<-p.slots
}

func (p *Publisher) dropKeyLocked(key string) {
	for i, k := range p.keys {
		if k != key {
			continue
		}

		p.keys = append(p.keys[:i], p.keys[i+1:]...)

		if i < p.cursor {
			p.cursor--
		}

		if len(p.keys) == 0 || p.cursor >= len(p.keys) {
			p.cursor = 0
		}

		return
	}
}

// takeAll empties the set in per-key FIFO order.
func (p *Publisher) takeAll() []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*entry

	for _, key := range p.keys {
		out = append(out, p.queues[key]...)
	}

	for range out {
		<-p.slots
	}

	clear(p.pending)
	clear(p.queues)
	p.keys = nil
	p.cursor = 0

	return out
}
