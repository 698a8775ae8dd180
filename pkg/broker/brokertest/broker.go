// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package brokertest provides an in-memory broker.Dialer with fault injection
// for exercising the bridge without a running RabbitMQ.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
)

// ErrDialRefused is the default error returned by injected dial failures.
var ErrDialRefused = errors.New("brokertest: dial refused")

// Sent records one confirmed Send.
type Sent struct {
	RoutingKey    string
	Payload       []byte
	CorrelationID string
	// Conn is the 1-based sequence number of the connection that carried it.
	Conn int
}

// Nack records one negative acknowledgment.
type Nack struct {
	CorrelationID string
	Requeue       bool
}

// Broker is a fake broker. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	dials     int
	dialErrs  []error
	active    *Conn
	sent      []Sent
	acks      []string
	nacks     []Nack
	sendHook  func(routingKey, correlationID string) error
	subscribe []string
}

// New returns an empty fake broker.
func New() *Broker {
	return &Broker{}
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++

	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]

		return nil, err
	}

	c := &Conn{
		broker: b,
		seq:    b.dials,
		subs:   make(map[string][]chan broker.Delivery),
		notify: make(chan error, 1),
	}
	b.active = c

	return c, nil
}

// FailDials makes the next n dials fail with err (ErrDialRefused if nil).
func (b *Broker) FailDials(n int, err error) {
	if err == nil {
		err = ErrDialRefused
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for range n {
		b.dialErrs = append(b.dialErrs, err)
	}
}

// SetSendHook installs fn to decide the outcome of every Send. A non-nil
// return value is returned from Send and nothing is recorded.
func (b *Broker) SetSendHook(fn func(routingKey, correlationID string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sendHook = fn
}

// Dials returns the number of dial attempts so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

// Sent returns a copy of every confirmed send in order.
func (b *Broker) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Sent, len(b.sent))
	copy(out, b.sent)

	return out
}

// Acks returns the correlation ids acknowledged so far.
func (b *Broker) Acks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.acks))
	copy(out, b.acks)

	return out
}

// Nacks returns the negative acknowledgments recorded so far.
func (b *Broker) Nacks() []Nack {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Nack, len(b.nacks))
	copy(out, b.nacks)

	return out
}

// Subscriptions returns every routing key subscribed to, across connections, in order.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.subscribe))
	copy(out, b.subscribe)

	return out
}

// Subscribed reports whether the active connection has a live subscription on key.
func (b *Broker) Subscribed(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.active != nil && !b.active.closed && len(b.active.subs[key]) > 0
}

// Connected reports whether there is an open connection.
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.active != nil && !b.active.closed
}

// Drop kills the active connection as a network failure would.
func (b *Broker) Drop(err error) {
	if err == nil {
		err = broker.ConnClosedError{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active != nil {
		b.active.shutdownLocked(err)
	}
}

// Deliver pushes d to the first live subscriber of key on the active connection.
func (b *Broker) Deliver(key string, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active == nil || b.active.closed || len(b.active.subs[key]) == 0 {
		return errors.New("brokertest: no subscriber for " + key)
	}

	if d.Key == "" {
		d.Key = key
	}

	d.broker = b
	d.conn = b.active
	b.active.subs[key][0] <- d

	return nil
}

// Conn is a fake broker.Connection.
type Conn struct {
	broker *Broker
	seq    int
	subs   map[string][]chan broker.Delivery
	notify chan error
	closed bool
}

// Send implements broker.Connection.
func (c *Conn) Send(ctx context.Context, routingKey string, payload []byte, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()

		return broker.ConnClosedError{}
	}

	hook := c.broker.sendHook
	c.broker.mu.Unlock()

	if hook != nil {
		if err := hook(routingKey, correlationID); err != nil {
			return err
		}
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return broker.ConnClosedError{}
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	c.broker.sent = append(c.broker.sent, Sent{
		RoutingKey:    routingKey,
		Payload:       body,
		CorrelationID: correlationID,
		Conn:          c.seq,
	})

	return nil
}

// Subscribe implements broker.Connection.
func (c *Conn) Subscribe(ctx context.Context, routingKey string) (<-chan broker.Delivery, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, broker.ConnClosedError{}
	}

	ch := make(chan broker.Delivery, 1024)
	c.subs[routingKey] = append(c.subs[routingKey], ch)
	c.broker.subscribe = append(c.broker.subscribe, routingKey)

	go func() {
		<-ctx.Done()

		c.broker.mu.Lock()
		defer c.broker.mu.Unlock()

		c.removeLocked(routingKey, ch)
	}()

	return ch, nil
}

func (c *Conn) removeLocked(key string, ch chan broker.Delivery) {
	subs := c.subs[key]
	for i, s := range subs {
		if s == ch {
			c.subs[key] = append(subs[:i], subs[i+1:]...)
			close(ch)

			return
		}
	}
}

// NotifyClose implements broker.Connection.
func (c *Conn) NotifyClose() <-chan error {
	return c.notify
}

// Close implements broker.Connection.
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return broker.ConnClosedError{}
	}

	c.shutdownLocked(nil)

	return nil
}

func (c *Conn) shutdownLocked(err error) {
	if c.closed {
		return
	}

	c.closed = true

	for key, subs := range c.subs {
		for _, ch := range subs {
			close(ch)
		}

		delete(c.subs, key)
	}

	if err != nil {
		c.notify <- err
	}

	close(c.notify)
}

// Delivery is a fake broker.Delivery. Fill the exported fields and pass it to Broker.Deliver.
type Delivery struct {
	Key         string
	CorrID      string
	MsgID       string
	Payload     []byte
	Type        string
	Redelivered bool
	Meta        map[string]interface{}

	broker  *Broker
	conn    *Conn
	settled atomic.Bool
}

// RoutingKey implements broker.Delivery.
func (d *Delivery) RoutingKey() string { return d.Key }

// CorrelationID implements broker.Delivery.
func (d *Delivery) CorrelationID() string { return d.CorrID }

// MessageID implements broker.Delivery.
func (d *Delivery) MessageID() string { return d.MsgID }

// Headers implements broker.Delivery.
func (d *Delivery) Headers() map[string]interface{} { return d.Meta }

// ContentType implements broker.Delivery.
func (d *Delivery) ContentType() string { return d.Type }

// IsRedelivered implements broker.Delivery.
func (d *Delivery) IsRedelivered() bool { return d.Redelivered }

// Body implements broker.Delivery.
func (d *Delivery) Body() []byte { return d.Payload }

// Ack implements broker.Delivery. Like a real channel, it fails with
// broker.ConnClosedError once the connection that carried d is gone.
func (d *Delivery) Ack() error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()

	if err := d.settleLocked(); err != nil {
		return err
	}

	d.broker.acks = append(d.broker.acks, d.id())

	return nil
}

// Nack implements broker.Delivery with the same connection rule as Ack.
func (d *Delivery) Nack(requeue bool) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()

	if err := d.settleLocked(); err != nil {
		return err
	}

	d.broker.nacks = append(d.broker.nacks, Nack{CorrelationID: d.id(), Requeue: requeue})

	return nil
}

// Settled reports whether d was acked or nacked.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

func (d *Delivery) settleLocked() error {
	if d.conn != nil && d.conn.closed {
		return broker.ConnClosedError{}
	}

	if !d.settled.CompareAndSwap(false, true) {
		return errors.New("brokertest: delivery already settled")
	}

	return nil
}

func (d *Delivery) id() string {
	if d.CorrID != "" {
		return d.CorrID
	}

	return d.MsgID
}
