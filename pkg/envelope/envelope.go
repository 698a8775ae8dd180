// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package envelope defines the unit of data crossing the bridge.
package envelope

import (
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
)

const mimeReadLimit = 512 //bytes that mime will read

func init() {
	mimetype.SetLimit(mimeReadLimit)
}

// Envelope is one message in transit. Everything but the attempt counter is
// fixed at construction; the counter only grows.
type Envelope struct {
	payload       []byte
	routingKey    string
	correlationID string
	contentType   string
	local         bool
	redelivered   bool
	attempt       atomic.Int32
}

// Wrap builds an outward-bound envelope for payload with a fresh correlation id.
func Wrap(payload []byte, routingKey string) *Envelope {
	body := make([]byte, len(payload))
	copy(body, payload)

	return &Envelope{
		payload:       body,
		routingKey:    routingKey,
		correlationID: uuid.NewString(),
		contentType:   mimetype.Detect(body).String(),
		local:         true,
	}
}

// FromDelivery builds an inward-bound envelope from broker metadata. The
// correlation id falls back to the message id when the producer set none.
func FromDelivery(d broker.Delivery) (*Envelope, error) {
	if d == nil {
		return nil, &MalformedDeliveryError{Field: "delivery"}
	}

	if d.RoutingKey() == "" {
		return nil, &MalformedDeliveryError{Field: "routing key", MessageID: d.MessageID()}
	}

	id := d.CorrelationID()
	if id == "" {
		id = d.MessageID()
	}

	if id == "" {
		return nil, &MalformedDeliveryError{Field: "correlation id", RoutingKey: d.RoutingKey()}
	}

	return &Envelope{
		payload:       d.Body(),
		routingKey:    d.RoutingKey(),
		correlationID: id,
		contentType:   d.ContentType(),
		redelivered:   d.IsRedelivered(),
	}, nil
}

// Payload returns the message body. Callers must not modify it.
func (e *Envelope) Payload() []byte { return e.payload }

// RoutingKey returns the logical destination.
func (e *Envelope) RoutingKey() string { return e.routingKey }

// CorrelationID returns the id used for duplicate detection and ack correlation.
func (e *Envelope) CorrelationID() string { return e.correlationID }

// ContentType returns the MIME type of the payload.
func (e *Envelope) ContentType() string { return e.contentType }

// OriginatedLocally reports whether the envelope entered from the local bus.
func (e *Envelope) OriginatedLocally() bool { return e.local }

// Redelivered reports whether the broker flagged this delivery as a redelivery.
func (e *Envelope) Redelivered() bool { return e.redelivered }

// Attempt returns the number of forwarding attempts made so far.
func (e *Envelope) Attempt() int { return int(e.attempt.Load()) }

// NextAttempt records one more forwarding attempt and returns the new count.
func (e *Envelope) NextAttempt() int { return int(e.attempt.Add(1)) }
