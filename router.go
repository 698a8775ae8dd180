// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package bridge

import (
	"fmt"
	"maps"
	"slices"

	"github.com/GwynCerbin/rabbitbridge/pkg/inbound"
)

// Routes maps between local bus topics and broker destinations.
type Routes struct {
	// Outbound maps a local topic to the broker routing key it is published with.
	Outbound map[string]string `yaml:"outbound"`
	// Inbound maps a broker queue to the local topic its deliveries go to.
	Inbound map[string]string `yaml:"inbound"`
}

// NewRoutes returns empty route tables.
func NewRoutes() Routes {
	return Routes{
		Outbound: make(map[string]string),
		Inbound:  make(map[string]string),
	}
}

// AddOutbound forwards local topic to the broker under routingKey.
func (r Routes) AddOutbound(topic, routingKey string) {
	r.Outbound[topic] = routingKey
}

// AddInbound dispatches deliveries from queue on local topic.
func (r Routes) AddInbound(queue, topic string) {
	r.Inbound[queue] = topic
}

// Validate rejects empty tables and blank names.
func (r Routes) Validate() error {
	if len(r.Outbound) == 0 && len(r.Inbound) == 0 {
		return EmptyRoutesError{}
	}

	for topic, key := range r.Outbound {
		if topic == "" || key == "" {
			return fmt.Errorf("%w: outbound %q -> %q", InvalidRouteError{}, topic, key)
		}
	}

	for queue, topic := range r.Inbound {
		if queue == "" || topic == "" {
			return fmt.Errorf("%w: inbound %q -> %q", InvalidRouteError{}, queue, topic)
		}
	}

	return nil
}

// subscriptions lists inbound routes ordered by queue name.
func (r Routes) subscriptions() []inbound.Subscription {
	out := make([]inbound.Subscription, 0, len(r.Inbound))

	for _, queue := range slices.Sorted(maps.Keys(r.Inbound)) {
		out = append(out, inbound.Subscription{Queue: queue, Topic: r.Inbound[queue]})
	}

	return out
}

func (r Routes) clone() Routes {
	return Routes{
		Outbound: maps.Clone(r.Outbound),
		Inbound:  maps.Clone(r.Inbound),
	}
}
