package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	bridge "github.com/GwynCerbin/rabbitbridge"
	"github.com/GwynCerbin/rabbitbridge/pkg/broker/brokertest"
	"github.com/GwynCerbin/rabbitbridge/pkg/bus"
	"github.com/GwynCerbin/rabbitbridge/pkg/envelope"
)

type ackRecorder struct {
	ids []string
}

func (a *ackRecorder) Ack(id string) error {
	a.ids = append(a.ids, id)

	return nil
}

func TestInboundTopicsAreUnique(t *testing.T) {
	routes := bridge.NewRoutes()
	routes.AddInbound("orders", "app.received")
	routes.AddInbound("orders.retry", "app.received")
	routes.AddInbound("invoices", "app.invoices")

	assert.Equal(t, []string{"app.invoices", "app.received"}, inboundTopics(routes))
}

func TestLogAndAckSkipsLocalMessages(t *testing.T) {
	var (
		acks  = &ackRecorder{}
		local = bus.New(zaptest.NewLogger(t))
	)

	for _, topic := range inboundTopics(bridge.Routes{Inbound: map[string]string{"a": "app.received", "b": "app.received"}}) {
		local.Subscribe(topic, logAndAck(acks, zaptest.NewLogger(t)))
	}

	local.Publish("app.received", []byte("local"))
	assert.Empty(t, acks.ids)

	env, err := envelope.FromDelivery(&brokertest.Delivery{Key: "a", CorrID: "c1", Payload: []byte("remote")})
	require.NoError(t, err)

	local.Dispatch(bus.Message{Topic: "app.received", Payload: env.Payload(), Envelope: env})
	assert.Equal(t, []string{"c1"}, acks.ids)
}
