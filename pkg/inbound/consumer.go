// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package inbound receives broker deliveries and hands them to the local bus,
// keeping every delivery in the Inbound Unacknowledged Set until a local
// subscriber acks or nacks it or its ack timeout expires.
package inbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
	"github.com/GwynCerbin/rabbitbridge/pkg/connmgr"
	"github.com/GwynCerbin/rabbitbridge/pkg/envelope"
)

const (
	defaultCapacity   = 1024
	defaultRetryDelay = time.Second
	defaultNackPolicy = Requeue
)

// NackPolicy decides what a local nack asks of the broker.
type NackPolicy string

const (
	// Requeue puts the message back on its queue.
	Requeue NackPolicy = "requeue"
	// DeadLetter rejects the message without requeue so the broker
	// dead-letters or drops it according to the queue's arguments.
	DeadLetter NackPolicy = "dead-letter"
)

// Link is the view of the connection manager the consumer needs.
type Link interface {
	State() connmgr.State
	Changed() <-chan struct{}
	Conn() (broker.Connection, bool)
}

// Subscription maps a broker queue to the local topic its deliveries are
// dispatched on.
type Subscription struct {
	Queue string
	Topic string
}

// Dispatcher hands a delivery to the local bus. It runs on the dispatch
// goroutine and may call Ack or Nack before returning.
type Dispatcher func(topic string, env *envelope.Envelope)

// Malformed describes a delivery rejected at the boundary.
type Malformed struct {
	Queue string
	Err   error
}

// Config tunes the consumer.
type Config struct {
	// Capacity bounds the Inbound Unacknowledged Set.
	Capacity int `yaml:"capacity"`
	// AckTimeout turns a delivery nobody settled into an implicit requeue;
	// 0 disables it.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	NackPolicy NackPolicy    `yaml:"nack_policy"`
	// RetryDelay spaces out resubscribe attempts that failed on a live connection.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type handle struct {
	env      *envelope.Envelope
	delivery broker.Delivery
	// conn is the connection the delivery arrived on; once it is gone the
	// delivery can no longer be settled.
	conn  broker.Connection
	timer *time.Timer
}

type incoming struct {
	sub      Subscription
	conn     broker.Connection
	delivery broker.Delivery
}

// Consumer owns the subscriptions and the Inbound Unacknowledged Set.
type Consumer struct {
	link        Link
	subs        []Subscription
	dispatch    Dispatcher
	cfg         Config
	logger      *zap.Logger
	onMalformed func(Malformed)

	slots   chan struct{}
	mu      sync.Mutex
	unacked map[string][]*handle
	size    int
	// settled is signalled whenever an entry leaves the set.
	settled chan struct{}

	in       chan incoming
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lifeMu   sync.Mutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithMalformedHandler sets the callback for deliveries rejected as malformed.
func WithMalformedHandler(fn func(Malformed)) Option {
	return func(c *Consumer) {
		c.onMalformed = fn
	}
}

// New returns a stopped consumer for subs. Deliveries go to dispatch.
func New(link Link, subs []Subscription, dispatch Dispatcher, cfg Config, opts ...Option) *Consumer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}

	if cfg.NackPolicy == "" {
		cfg.NackPolicy = defaultNackPolicy
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		link:        link,
		subs:        append([]Subscription(nil), subs...),
		dispatch:    dispatch,
		cfg:         cfg,
		logger:      zap.NewNop(),
		onMalformed: func(Malformed) {},
		slots:       make(chan struct{}, cfg.Capacity),
		unacked:     make(map[string][]*handle),
		settled:     make(chan struct{}, 1),
		in:          make(chan incoming),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.Named("inbound")

	return c
}

// Start launches the subscription supervisor and the dispatch loop.
func (c *Consumer) Start() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.stopped {
		return StoppedError{}
	}

	if c.started {
		return nil
	}

	c.started = true

	c.wg.Add(2)

	go c.supervise()
	go c.run()

	return nil
}

// Len returns the number of deliveries awaiting a local ack.
func (c *Consumer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// Capacity returns the bound of the Inbound Unacknowledged Set.
func (c *Consumer) Capacity() int {
	return c.cfg.Capacity
}

// Ack settles the unacknowledged delivery with id positively. Deliveries
// on the current connection go first, oldest first.
func (c *Consumer) Ack(id string) error {
	return c.settle(id, func(h *handle) error {
		return h.delivery.Ack()
	})
}

// Nack settles the unacknowledged delivery with id negatively, requeueing or
// dead-lettering it according to the configured policy. Handles are picked as
// for Ack.
func (c *Consumer) Nack(id, reason string) error {
	requeue := c.cfg.NackPolicy != DeadLetter

	return c.settle(id, func(h *handle) error {
		c.logger.Info("delivery nacked",
			zap.String("correlation_id", id),
			zap.String("routing_key", h.env.RoutingKey()),
			zap.String("reason", reason),
			zap.Bool("requeue", requeue))

		return h.delivery.Nack(requeue)
	})
}

// settle takes handles for id and applies fn until one reaches the broker.
// A handle whose connection is gone is dropped and the next one is tried;
// the broker already requeued its message when the channel closed.
func (c *Consumer) settle(id string, fn func(*handle) error) error {
	h, ok := c.take(id, nil)
	if !ok {
		return UnknownDeliveryError{CorrelationID: id}
	}

	for {
		err := fn(h)
		if err == nil {
			return nil
		}

		if !broker.IsConnLost(err) {
			return &SettleError{CorrelationID: id, Err: err}
		}

		c.logger.Debug("delivery handle outlived its connection", zap.String("correlation_id", id), zap.Error(err))

		next, ok := c.take(id, nil)
		if !ok {
			return &SettleError{CorrelationID: id, Err: err}
		}

		h = next
	}
}

// Stop cancels the subscriptions and waits until every delivery is settled
// or ctx ends. Unsettled deliveries stay in the set with their timers stopped
// so the broker redelivers them once the connection closes.
func (c *Consumer) Stop(ctx context.Context) error {
	c.lifeMu.Lock()
	c.stopped = true
	c.lifeMu.Unlock()

	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})

	for c.Len() > 0 {
		select {
		case <-c.settled:
		case <-ctx.Done():
			n := c.freeze()

			c.logger.Warn("leaving deliveries for broker redelivery", zap.Int("count", n))

			return UnsettledError{Count: n}
		}
	}

	return nil
}

// supervise keeps the subscriptions attached to the current connection.
func (c *Consumer) supervise() {
	defer c.wg.Done()

	var (
		current    broker.Connection
		cancelSubs = func() {}
	)

	defer func() { cancelSubs() }()

	for {
		changed := c.link.Changed()

		conn, ok := c.link.Conn()
		if !ok || c.link.State() != connmgr.Connected {
			conn = nil
		}

		if conn != current {
			cancelSubs()
			cancelSubs, current = func() {}, nil

			if conn != nil {
				ctx, cancel := context.WithCancel(c.ctx)

				if err := c.subscribeAll(ctx, conn); err != nil {
					cancel()

					c.logger.Warn("subscribe failed", zap.Duration("retry_in", c.cfg.RetryDelay), zap.Error(err))

					timer := time.NewTimer(c.cfg.RetryDelay)

					select {
					case <-changed:
					case <-timer.C:
					case <-c.ctx.Done():
						timer.Stop()

						return
					}

					timer.Stop()

					continue
				}

				cancelSubs, current = cancel, conn
			}
		}

		select {
		case <-changed:
		case <-c.ctx.Done():
			return
		}
	}
}

// subscribeAll subscribes every queue on conn and starts one pump per stream.
func (c *Consumer) subscribeAll(ctx context.Context, conn broker.Connection) error {
	for _, sub := range c.subs {
		stream, err := conn.Subscribe(ctx, sub.Queue)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Queue, err)
		}

		c.wg.Add(1)

		go c.pump(ctx, sub, conn, stream)
	}

	c.logger.Info("subscriptions established", zap.Int("count", len(c.subs)))

	return nil
}

// pump fans one delivery stream into the dispatch loop.
func (c *Consumer) pump(ctx context.Context, sub Subscription, conn broker.Connection, stream <-chan broker.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case d, ok := <-stream:
			if !ok {
				return
			}

			select {
			case c.in <- incoming{sub: sub, conn: conn, delivery: d}:
			case <-ctx.Done():
				c.requeue(d)

				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// run is the dispatch loop.
func (c *Consumer) run() {
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.in:
			c.handle(msg)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) handle(msg incoming) {
	env, err := envelope.FromDelivery(msg.delivery)
	if err != nil {
		c.logger.Error("discarding malformed delivery", zap.String("queue", msg.sub.Queue), zap.Error(err))

		if err := msg.delivery.Nack(false); err != nil {
			c.logger.Warn("reject malformed delivery", zap.String("queue", msg.sub.Queue), zap.Error(err))
		}

		c.onMalformed(Malformed{Queue: msg.sub.Queue, Err: err})

		return
	}

	// A full set stalls dispatch, and with prefetch the broker stops sending.
	select {
	case c.slots <- struct{}{}:
	case <-c.ctx.Done():
		c.requeue(msg.delivery)

		return
	}

	h := &handle{env: env, delivery: msg.delivery, conn: msg.conn}

	c.mu.Lock()
	c.unacked[env.CorrelationID()] = append(c.unacked[env.CorrelationID()], h)
	c.size++

	if c.cfg.AckTimeout > 0 {
		h.timer = time.AfterFunc(c.cfg.AckTimeout, func() { c.expire(h) })
	}
	c.mu.Unlock()

	if env.Redelivered() {
		c.logger.Debug("redelivered", zap.String("correlation_id", env.CorrelationID()))
	}

	c.dispatch(msg.sub.Topic, env)
}

// expire is the implicit nack for a delivery nobody settled in time.
func (c *Consumer) expire(h *handle) {
	id := h.env.CorrelationID()

	if _, ok := c.take(id, h); !ok {
		return
	}

	c.logger.Warn("ack timeout, requeueing",
		zap.String("correlation_id", id),
		zap.String("routing_key", h.env.RoutingKey()),
		zap.Duration("timeout", c.cfg.AckTimeout))

	if err := h.delivery.Nack(true); err != nil {
		c.logger.Warn("requeue expired delivery", zap.String("correlation_id", id), zap.Error(err))
	}
}

// take removes want for id from the set and frees its slot. With want nil it
// picks the oldest handle on the current connection, or the oldest one when
// none arrived on it.
func (c *Consumer) take(id string, want *handle) (*handle, bool) {
	var live broker.Connection

	if want == nil {
		if conn, ok := c.link.Conn(); ok {
			live = conn
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handles := c.unacked[id]

	idx := -1

	for i, h := range handles {
		switch {
		case want != nil:
			if h == want {
				idx = i
			}
		case live != nil && h.conn == live:
			idx = i
		}

		if idx >= 0 {
			break
		}
	}

	if idx < 0 && want == nil && len(handles) > 0 {
		idx = 0
	}

	if idx < 0 {
		return nil, false
	}

	h := handles[idx]

	handles = append(handles[:idx], handles[idx+1:]...)
	if len(handles) == 0 {
		delete(c.unacked, id)
	} else {
		c.unacked[id] = handles
	}

	c.size--

	if h.timer != nil {
		h.timer.Stop()
	}

	<-c.slots

	select {
	case c.settled <- struct{}{}:
	default:
	}

	return h, true
}

// freeze stops every pending ack timer and returns how many deliveries remain.
func (c *Consumer) freeze() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, handles := range c.unacked {
		for _, h := range handles {
			if h.timer != nil {
				h.timer.Stop()
			}
		}
	}

	return c.size
}

func (c *Consumer) requeue(d broker.Delivery) {
	if err := d.Nack(true); err != nil {
		c.logger.Debug("requeue undispatched delivery", zap.Error(err))
	}
}
