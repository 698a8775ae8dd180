// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package bridge relays messages between the in-process bus and a RabbitMQ
// broker with at-least-once delivery in both directions.
//
// A Bridge composes three loops: the connection manager (pkg/connmgr) owns
// the broker link, the outbound publisher (pkg/outbound) forwards local
// messages, and the inbound consumer (pkg/inbound) dispatches broker
// deliveries to local subscribers, which must Ack or Nack them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitbridge/pkg/backoff"
	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
	"github.com/GwynCerbin/rabbitbridge/pkg/bus"
	"github.com/GwynCerbin/rabbitbridge/pkg/connmgr"
	"github.com/GwynCerbin/rabbitbridge/pkg/envelope"
	"github.com/GwynCerbin/rabbitbridge/pkg/events"
	"github.com/GwynCerbin/rabbitbridge/pkg/inbound"
	"github.com/GwynCerbin/rabbitbridge/pkg/outbound"
	"github.com/GwynCerbin/rabbitbridge/pkg/telemetry"
)

// Config is everything the bridge needs besides the broker dialer.
type Config struct {
	Routes    Routes          `yaml:"routes"`
	Outbound  outbound.Config `yaml:"outbound"`
	Inbound   inbound.Config  `yaml:"inbound"`
	Reconnect backoff.Policy  `yaml:"reconnect"`
	// ShutdownGrace bounds how long Stop flushes and waits for acks. With 0,
	// Stop abandons pending outbound envelopes and leaves unacked deliveries
	// to the broker at once.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// HealthInterval spaces out QueueDepth events; 0 disables them.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// Validate checks the bridge settings.
func (c Config) Validate() error {
	if err := c.Routes.Validate(); err != nil {
		return err
	}

	switch {
	case c.Outbound.Capacity < 0:
		return errors.New("outbound.capacity cannot be negative")
	case c.Outbound.RateLimit < 0 || c.Outbound.Burst < 0:
		return errors.New("outbound.rate_limit and outbound.burst cannot be negative")
	case c.Outbound.BreakerTimeout < 0:
		return errors.New("outbound.breaker_timeout cannot be negative")
	case c.Inbound.Capacity < 0:
		return errors.New("inbound.capacity cannot be negative")
	case c.Inbound.AckTimeout < 0:
		return errors.New("inbound.ack_timeout cannot be negative")
	case c.ShutdownGrace < 0:
		return errors.New("shutdown_grace cannot be negative")
	case c.HealthInterval < 0:
		return errors.New("health_interval cannot be negative")
	}

	switch c.Inbound.NackPolicy {
	case "", inbound.Requeue, inbound.DeadLetter:
	default:
		return fmt.Errorf("inbound.nack_policy must be one of: %s, %s", inbound.Requeue, inbound.DeadLetter)
	}

	if err := validatePolicy("outbound.retry", c.Outbound.Retry); err != nil {
		return err
	}

	return validatePolicy("reconnect", c.Reconnect)
}

func validatePolicy(name string, p backoff.Policy) error {
	if p.Base < 0 || p.Max < 0 || p.MaxAttempts < 0 {
		return fmt.Errorf("%s values cannot be negative", name)
	}

	if p.Max > 0 && p.Max < p.Base {
		return fmt.Errorf("%s.max must not be below %s.base", name, name)
	}

	return nil
}

// Health is a snapshot of the bridge's observable state.
type Health struct {
	State            connmgr.State
	PendingOutbound  int
	InboundUnacked   int
	OutboundCapacity int
	InboundCapacity  int
}

// Healthy reports whether the broker link is up.
func (h Health) Healthy() bool {
	return h.State == connmgr.Connected
}

type options struct {
	logger    *zap.Logger
	observers []events.Observer
	onFailure func(outbound.Failure)
	meter     metric.Meter
}

// Option configures a Bridge.
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver adds a receiver of observability events.
func WithObserver(obs events.Observer) Option {
	return func(o *options) {
		o.observers = append(o.observers, obs)
	}
}

// WithFailureHandler sets the callback for outbound messages that failed
// terminally. Those are never reported to the Publish caller.
func WithFailureHandler(fn func(outbound.Failure)) Option {
	return func(o *options) {
		o.onFailure = fn
	}
}

// WithMeter records events as OpenTelemetry metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// Bridge relays between a local bus and the broker.
type Bridge struct {
	cfg       Config
	local     *bus.Bus
	logger    *zap.Logger
	observers []events.Observer
	onFailure func(outbound.Failure)

	manager   *connmgr.Manager
	publisher *outbound.Publisher
	consumer  *inbound.Consumer

	// ctx lives until Stop; local handlers publish with it.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	started     bool
	stopped     bool
	unsubscribe []func()
	cancelWatch func()
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopErr     error
}

// New builds a stopped bridge over dialer and local.
func New(cfg Config, dialer broker.Dialer, local *bus.Bus, opts ...Option) (*Bridge, error) {
	if dialer == nil {
		return nil, NilDependencyError{Name: "dialer"}
	}

	if local == nil {
		return nil, NilDependencyError{Name: "bus"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{
		logger:    zap.NewNop(),
		onFailure: func(outbound.Failure) {},
	}

	for _, opt := range opts {
		opt(&o)
	}

	cfg.Routes = cfg.Routes.clone()

	b := &Bridge{
		cfg:         cfg,
		local:       local,
		logger:      o.logger.Named("bridge"),
		observers:   o.observers,
		onFailure:   o.onFailure,
		cancelWatch: func() {},
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.manager = connmgr.New(dialer, cfg.Reconnect, connmgr.WithLogger(o.logger))
	b.publisher = outbound.New(b.manager, cfg.Outbound,
		outbound.WithLogger(o.logger),
		outbound.WithFailureHandler(b.failed))
	b.consumer = inbound.New(b.manager, cfg.Routes.subscriptions(), b.dispatch, cfg.Inbound,
		inbound.WithLogger(o.logger),
		inbound.WithMalformedHandler(b.malformed))

	if o.meter != nil {
		m, err := telemetry.NewMetrics(o.meter, func() (int, int) {
			return b.publisher.Len(), b.consumer.Len()
		})
		if err != nil {
			return nil, err
		}

		b.observers = append(b.observers, m)
	}

	return b, nil
}

// Start subscribes the outbound routes on the local bus and sets the
// connection manager dialing. It returns without waiting for the broker;
// messages published meanwhile are buffered. Calling it again is a no-op.
func (b *Bridge) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return StoppedError{}
	}

	if b.started {
		return nil
	}

	b.started = true

	for topic, key := range b.cfg.Routes.Outbound {
		b.unsubscribe = append(b.unsubscribe, b.local.Subscribe(topic, b.forward(key)))
	}

	watch, cancel := b.manager.Watch()
	b.cancelWatch = cancel

	b.wg.Add(1)

	go b.relayTransitions(watch)

	if b.cfg.HealthInterval > 0 {
		b.wg.Add(1)

		go b.monitor(b.cfg.HealthInterval)
	}

	b.publisher.Start()

	if err := b.consumer.Start(); err != nil {
		return err
	}

	if err := b.manager.Start(); err != nil {
		return err
	}

	b.logger.Info("bridge started",
		zap.Int("outbound_routes", len(b.cfg.Routes.Outbound)),
		zap.Int("inbound_routes", len(b.cfg.Routes.Inbound)))

	return nil
}

// Publish sends payload to the broker under routingKey and returns its
// correlation id once the message is buffered. It blocks only while the
// Pending Outbound Set is full. Later failures go to the failure handler.
func (b *Bridge) Publish(ctx context.Context, routingKey string, payload []byte) (string, error) {
	if routingKey == "" {
		return "", fmt.Errorf("%w: empty routing key", InvalidRouteError{})
	}

	if b.isStopped() {
		return "", StoppedError{}
	}

	env := envelope.Wrap(payload, routingKey)

	if err := b.publisher.Publish(ctx, env); err != nil {
		return "", err
	}

	return env.CorrelationID(), nil
}

// PublishTopic is Publish with the routing key looked up from the outbound routes.
func (b *Bridge) PublishTopic(ctx context.Context, topic string, payload []byte) (string, error) {
	key, ok := b.cfg.Routes.Outbound[topic]
	if !ok {
		return "", UnroutedTopicError{Topic: topic}
	}

	return b.Publish(ctx, key, payload)
}

// Ack confirms the broker delivery with correlation id id.
func (b *Bridge) Ack(id string) error {
	return b.consumer.Ack(id)
}

// Nack rejects the broker delivery with correlation id id; it is requeued or
// dead-lettered per the inbound nack policy.
func (b *Bridge) Nack(id, reason string) error {
	return b.consumer.Nack(id, reason)
}

// Health returns the current connection state and queue depths.
func (b *Bridge) Health() Health {
	return Health{
		State:            b.manager.State(),
		PendingOutbound:  b.publisher.Len(),
		InboundUnacked:   b.consumer.Len(),
		OutboundCapacity: b.publisher.Capacity(),
		InboundCapacity:  b.consumer.Capacity(),
	}
}

// Stop shuts the bridge down: local routes are unsubscribed, the connection
// drains while outbound messages flush and inbound acks settle within the
// shutdown grace (and ctx), then the connection closes for good. Outbound
// leftovers are reported as failed; inbound leftovers are redelivered by the
// broker. Subsequent calls return the first result.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.stopErr = b.stop(ctx)
	})

	return b.stopErr
}

func (b *Bridge) stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}

	// A zero grace has already expired: nothing is flushed or awaited.
	grace, cancel := context.WithTimeout(ctx, b.cfg.ShutdownGrace)
	defer cancel()

	b.logger.Info("bridge stopping", zap.Int("pending_outbound", b.publisher.Len()), zap.Int("inbound_unacked", b.consumer.Len()))

	b.manager.Drain()

	var (
		wg              sync.WaitGroup
		pubErr, consErr error
	)

	wg.Add(2)

	go func() {
		defer wg.Done()

		pubErr = b.publisher.Stop(grace)
	}()

	go func() {
		defer wg.Done()

		consErr = b.consumer.Stop(grace)
	}()

	wg.Wait()

	b.cancel()

	closeErr := b.manager.Close()

	b.mu.Lock()
	b.cancelWatch()
	b.mu.Unlock()

	b.wg.Wait()

	b.logger.Info("bridge stopped")

	return errors.Join(pubErr, consErr, closeErr)
}

func (b *Bridge) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stopped
}

// forward returns the local handler publishing a topic's messages under key.
func (b *Bridge) forward(key string) bus.Handler {
	return func(msg bus.Message) {
		// Messages that came in from the broker never go back out.
		if msg.Envelope != nil && !msg.Envelope.OriginatedLocally() {
			b.logger.Debug("not forwarding broker-originated message",
				zap.String("topic", msg.Topic),
				zap.String("correlation_id", msg.Envelope.CorrelationID()))

			return
		}

		env := envelope.Wrap(msg.Payload, key)

		if err := b.publisher.Publish(b.ctx, env); err != nil {
			b.failed(outbound.Failure{Envelope: env, Err: err})
		}
	}
}

func (b *Bridge) dispatch(topic string, env *envelope.Envelope) {
	b.local.Dispatch(bus.Message{Topic: topic, Payload: env.Payload(), Envelope: env})
}

func (b *Bridge) failed(f outbound.Failure) {
	b.emit(events.Event{
		Kind:          events.OutboundFailed,
		CorrelationID: f.Envelope.CorrelationID(),
		RoutingKey:    f.Envelope.RoutingKey(),
		Attempt:       f.Envelope.Attempt(),
		Err:           f.Err,
	})

	b.onFailure(f)
}

func (b *Bridge) malformed(m inbound.Malformed) {
	b.emit(events.Event{Kind: events.MalformedDelivery, Queue: m.Queue, Err: m.Err})
}

func (b *Bridge) relayTransitions(watch <-chan connmgr.Transition) {
	defer b.wg.Done()

	for t := range watch {
		if connmgr.IsExhausted(t.Err) {
			b.logger.Error("broker unreachable, reconnecting stopped", zap.Error(t.Err))
		}

		b.emit(events.Event{
			Kind:    events.StateChanged,
			At:      t.At,
			From:    t.From,
			To:      t.To,
			Attempt: t.Attempt,
			Err:     t.Err,
		})
	}
}

func (b *Bridge) monitor(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.emit(events.Event{
				Kind:            events.QueueDepth,
				PendingOutbound: b.publisher.Len(),
				InboundUnacked:  b.consumer.Len(),
			})
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) emit(e events.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	for _, obs := range b.observers {
		obs.Observe(e)
	}
}
