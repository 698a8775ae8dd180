package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GwynCerbin/rabbitbridge/pkg/envelope"
)

func TestPublishFansOutInOrder(t *testing.T) {
	b := New(nil)

	var got []string

	b.Subscribe("orders", func(m Message) { got = append(got, "first:"+string(m.Payload)) })
	b.Subscribe("orders", func(m Message) { got = append(got, "second:"+string(m.Payload)) })
	b.Subscribe("other", func(Message) { got = append(got, "other") })

	b.Publish("orders", []byte("x"))

	assert.Equal(t, []string{"first:x", "second:x"}, got)
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)

	calls := 0
	unsubscribe := b.Subscribe("t", func(Message) { calls++ })

	b.Publish("t", nil)
	unsubscribe()
	unsubscribe()
	b.Publish("t", nil)

	assert.Equal(t, 1, calls)
	assert.Empty(t, b.Topics())
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	b := New(nil)

	var (
		calls  []string
		second func()
	)

	b.Subscribe("t", func(Message) {
		calls = append(calls, "a")
		second()
	})
	second = b.Subscribe("t", func(Message) { calls = append(calls, "b") })

	b.Publish("t", nil)
	b.Publish("t", nil)

	assert.Equal(t, []string{"a", "b", "a"}, calls)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	b := New(zap.New(core))

	reached := false

	b.Subscribe("t", func(Message) { panic("boom") })
	b.Subscribe("t", func(Message) { reached = true })

	require.NotPanics(t, func() { b.Publish("t", nil) })
	assert.True(t, reached)

	entries := logs.FilterMessage("handler panicked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "t", entries[0].ContextMap()["topic"])
}

func TestDispatchCarriesEnvelope(t *testing.T) {
	b := New(nil)
	env := envelope.Wrap([]byte("p"), "k")

	var got Message

	b.Subscribe("t", func(m Message) { got = m })
	b.Dispatch(Message{Topic: "t", Payload: env.Payload(), Envelope: env})

	assert.Same(t, env, got.Envelope)
	assert.Equal(t, map[string]int{"t": 1}, b.Topics())
}
