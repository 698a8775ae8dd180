// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package telemetry exports bridge events as OpenTelemetry metrics and
// installs the OTLP providers.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/GwynCerbin/rabbitbridge/pkg/events"
)

// DepthFunc reports the current sizes of the pending outbound and unacked
// inbound sets.
type DepthFunc func() (pending, unacked int)

// Metrics records bridge events on OpenTelemetry instruments.
type Metrics struct {
	transitions metric.Int64Counter
	failed      metric.Int64Counter
	malformed   metric.Int64Counter

	pending atomic.Int64
	unacked atomic.Int64
}

// NewMetrics creates the instruments on meter. The depth gauges read depth
// at collection time; with depth nil they show the last QueueDepth event.
func NewMetrics(meter metric.Meter, depth DepthFunc) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.transitions, err = meter.Int64Counter(
		"bridge.state.transitions",
		metric.WithDescription("Connection state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.failed, err = meter.Int64Counter(
		"bridge.outbound.failed",
		metric.WithDescription("Outbound envelopes that failed terminally"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound failure counter: %w", err)
	}

	m.malformed, err = meter.Int64Counter(
		"bridge.inbound.malformed",
		metric.WithDescription("Broker deliveries discarded as malformed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create malformed counter: %w", err)
	}

	pending, err := meter.Int64ObservableGauge(
		"bridge.outbound.pending",
		metric.WithDescription("Envelopes awaiting broker confirmation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending gauge: %w", err)
	}

	unacked, err := meter.Int64ObservableGauge(
		"bridge.inbound.unacked",
		metric.WithDescription("Deliveries awaiting a local ack"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unacked gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if depth != nil {
			p, u := depth()
			m.pending.Store(int64(p))
			m.unacked.Store(int64(u))
		}

		o.ObserveInt64(pending, m.pending.Load())
		o.ObserveInt64(unacked, m.unacked.Load())

		return nil
	}, pending, unacked)
	if err != nil {
		return nil, fmt.Errorf("failed to register gauge callback: %w", err)
	}

	return m, nil
}

// Observe implements events.Observer.
func (m *Metrics) Observe(e events.Event) {
	ctx := context.Background()

	switch e.Kind {
	case events.StateChanged:
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", e.From.String()),
			attribute.String("to", e.To.String()),
		))
	case events.OutboundFailed:
		m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("routing_key", e.RoutingKey)))
	case events.MalformedDelivery:
		m.malformed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", e.Queue)))
	case events.QueueDepth:
		m.pending.Store(int64(e.PendingOutbound))
		m.unacked.Store(int64(e.InboundUnacked))
	}
}
