// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import "context"

// Dialer opens connections to a broker. Credentials and address are owned by
// the implementation; the bridge only decides when to dial.
type Dialer interface {
	// Dial establishes a new broker connection or returns an error if the
	// broker is unreachable or refuses the credentials.
	Dial(ctx context.Context) (Connection, error)
}

// Connection is a single live link to the broker.
type Connection interface {
	// Send publishes payload under routingKey and returns once the broker has
	// confirmed it. A RejectedError means the broker refused the content;
	// a ConnClosedError means the link died before confirmation.
	Send(ctx context.Context, routingKey string, payload []byte, correlationID string) error

	// Subscribe starts consuming routingKey. The returned stream is closed
	// when ctx is done or the connection is lost.
	Subscribe(ctx context.Context, routingKey string) (<-chan Delivery, error)

	// NotifyClose yields one error (or is closed) when the connection dies.
	NotifyClose() <-chan error

	// Close releases the connection. Unsettled deliveries are returned to the broker.
	Close() error
}

// Delivery represents a single broker-delivered message, allowing inspection and acknowledgment.
// Implementations wrap the broker-specific delivery type.
type Delivery interface {
	// RoutingKey returns the routing key the message was published with.
	RoutingKey() string

	// CorrelationID returns the correlation id set by the producer, if any.
	CorrelationID() string

	// MessageID returns the producer assigned message id, if any.
	MessageID() string

	// Headers returns the message metadata headers.
	Headers() map[string]interface{}

	// ContentType returns the MIME type of the message payload.
	ContentType() string

	// IsRedelivered signals if this delivery is a redelivery of a previous message.
	IsRedelivered() bool

	// Body returns the raw payload bytes.
	Body() []byte

	// Ack confirms processing; the broker may discard its copy.
	Ack() error

	// Nack negatively acknowledges the delivery. With requeue the broker
	// redelivers it, otherwise it is dead-lettered or dropped per queue policy.
	Nack(requeue bool) error
}
