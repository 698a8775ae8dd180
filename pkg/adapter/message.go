// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"errors"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"

	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
)

// Message wraps an AMQP delivery and makes sure it is settled at most once.
type Message struct {
	// deliver holds the original AMQP delivery metadata and payload.
	deliver amqp091.Delivery
	// completed flips on the first Ack/Nack.
	completed atomic.Bool
}

// RoutingKey returns the message routing key set on the AMQP delivery.
func (m *Message) RoutingKey() string {
	return m.deliver.RoutingKey
}

// CorrelationID returns the AMQP correlation-id property.
func (m *Message) CorrelationID() string {
	return m.deliver.CorrelationId
}

// MessageID returns the AMQP message-id property.
func (m *Message) MessageID() string {
	return m.deliver.MessageId
}

// Headers returns the message headers set on the AMQP delivery.
func (m *Message) Headers() map[string]interface{} {
	return m.deliver.Headers
}

// ContentType returns the MIME content type of the message payload.
func (m *Message) ContentType() string {
	return m.deliver.ContentType
}

// IsRedelivered indicates if the delivery is a redelivery (duplicate) of a previous message.
func (m *Message) IsRedelivered() bool {
	return m.deliver.Redelivered
}

// Body returns the raw message payload as a byte slice.
func (m *Message) Body() []byte {
	return m.deliver.Body
}

// Ack acknowledges successful processing of the message exactly once.
func (m *Message) Ack() error {
	if !m.completed.CompareAndSwap(false, true) {
		return AlreadySettledError{}
	}

	return settleErr(m.deliver.Ack(false))
}

// Nack negatively acknowledges the message exactly once. Without requeue the
// queue's dead-letter policy applies.
func (m *Message) Nack(requeue bool) error {
	if !m.completed.CompareAndSwap(false, true) {
		return AlreadySettledError{}
	}

	return settleErr(m.deliver.Nack(false, requeue))
}

func settleErr(err error) error {
	if errors.Is(err, amqp091.ErrClosed) {
		return broker.ConnClosedError{}
	}

	return err
}
