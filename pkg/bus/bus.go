// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package bus is the in-process publish/subscribe bus the bridge relays to
// and from. Delivery is synchronous and fire-and-forget.
package bus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitbridge/pkg/envelope"
)

// Message is one local dispatch. Envelope is nil for messages published by
// application code and set for messages that came from the broker; handlers
// ack or nack those by Envelope.CorrelationID().
type Message struct {
	Topic    string
	Payload  []byte
	Envelope *envelope.Envelope
}

// Handler receives messages for a topic.
type Handler func(Message)

type route struct {
	id      uint64
	handler Handler
}

// Bus fans every message out to the handlers of its topic.
type Bus struct {
	mu     sync.RWMutex
	routes map[string][]route
	nextID uint64
	logger *zap.Logger
}

// New returns an empty bus. A nil logger discards panics from handlers silently.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bus{
		routes: make(map[string][]route),
		logger: logger.Named("bus"),
	}
}

// Subscribe adds h for topic and returns a func removing it again.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	b.routes[topic] = append(b.routes[topic], route{id: id, handler: h})

	var once sync.Once

	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

// Publish dispatches payload on topic.
func (b *Bus) Publish(topic string, payload []byte) {
	b.Dispatch(Message{Topic: topic, Payload: payload})
}

// Dispatch runs every handler of msg.Topic in subscription order on the
// caller's goroutine. A panicking handler is logged and skipped.
func (b *Bus) Dispatch(msg Message) {
	b.mu.RLock()
	routes := b.routes[msg.Topic]
	b.mu.RUnlock()

	for _, r := range routes {
		b.call(r.handler, msg)
	}
}

// Topics returns the number of handlers per topic.
func (b *Bus) Topics() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.routes))
	for topic, routes := range b.routes {
		out[topic] = len(routes)
	}

	return out
}

func (b *Bus) call(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				zap.String("topic", msg.Topic),
				zap.Error(fmt.Errorf("%w: %v", HandlerPanicError{}, r)))
		}
	}()

	h(msg)
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	routes := b.routes[topic]

	for i, r := range routes {
		if r.id != id {
			continue
		}

		// Copy so a Dispatch iterating the old slice is unaffected.
		next := make([]route, 0, len(routes)-1)
		next = append(next, routes[:i]...)
		next = append(next, routes[i+1:]...)

		if len(next) == 0 {
			delete(b.routes, topic)
		} else {
			b.routes[topic] = next
		}

		return
	}
}

// HandlerPanicError marks a recovered handler panic in logs.
type HandlerPanicError struct{}

func (HandlerPanicError) Error() string {
	return "bus handler panicked"
}
