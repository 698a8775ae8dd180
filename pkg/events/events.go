// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package events carries the bridge's observability signals to whoever
// hosts it. Format and transport of the signals are the host's concern.
package events

import (
	"time"

	"github.com/GwynCerbin/rabbitbridge/pkg/connmgr"
)

// Kind tells which fields of an Event are set.
type Kind int

const (
	// StateChanged: From, To, Err, Attempt.
	StateChanged Kind = iota + 1
	// OutboundFailed: CorrelationID, RoutingKey, Attempt, Err.
	OutboundFailed
	// MalformedDelivery: Queue, Err.
	MalformedDelivery
	// QueueDepth: PendingOutbound, InboundUnacked.
	QueueDepth
)

func (k Kind) String() string {
	switch k {
	case StateChanged:
		return "state_changed"
	case OutboundFailed:
		return "outbound_failed"
	case MalformedDelivery:
		return "malformed_delivery"
	case QueueDepth:
		return "queue_depth"
	default:
		return "unknown"
	}
}

// Event is one observability signal.
type Event struct {
	Kind Kind
	At   time.Time

	From    connmgr.State
	To      connmgr.State
	Attempt int
	Err     error

	CorrelationID string
	RoutingKey    string
	Queue         string

	PendingOutbound int
	InboundUnacked  int
}

// Observer receives events. Observe is called synchronously from the
// bridge's internal goroutines and must return quickly.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }
