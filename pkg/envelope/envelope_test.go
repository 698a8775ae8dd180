package envelope

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GwynCerbin/rabbitbridge/pkg/broker/brokertest"
)

func TestWrap(t *testing.T) {
	payload := []byte(`{"json":"swagging"}`)

	env := Wrap(payload, "orders")

	assert.Equal(t, "orders", env.RoutingKey())
	assert.True(t, env.OriginatedLocally())
	assert.Equal(t, 0, env.Attempt())
	assert.Equal(t, "application/json", env.ContentType())

	_, err := uuid.Parse(env.CorrelationID())
	require.NoError(t, err)

	payload[0] = 'x'
	assert.Equal(t, byte('{'), env.Payload()[0], "payload must be copied")
}

func TestWrapUniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})

	for range 100 {
		id := Wrap([]byte("test"), "k").CorrelationID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestNextAttemptOnlyIncreases(t *testing.T) {
	env := Wrap([]byte("test"), "k")

	assert.Equal(t, 1, env.NextAttempt())
	assert.Equal(t, 2, env.NextAttempt())
	assert.Equal(t, 2, env.Attempt())
}

func TestFromDelivery(t *testing.T) {
	tests := []struct {
		name      string
		delivery  *brokertest.Delivery
		wantID    string
		wantField string
	}{
		{
			name:     "correlation id",
			delivery: &brokertest.Delivery{Key: "orders", CorrID: "c-1", MsgID: "m-1", Payload: []byte("a")},
			wantID:   "c-1",
		},
		{
			name:     "falls back to message id",
			delivery: &brokertest.Delivery{Key: "orders", MsgID: "m-1", Payload: []byte("a")},
			wantID:   "m-1",
		},
		{
			name:      "missing routing key",
			delivery:  &brokertest.Delivery{CorrID: "c-1"},
			wantField: "routing key",
		},
		{
			name:      "missing ids",
			delivery:  &brokertest.Delivery{Key: "orders"},
			wantField: "correlation id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := FromDelivery(tt.delivery)
			if tt.wantField != "" {
				var malformed *MalformedDeliveryError
				require.True(t, errors.As(err, &malformed))
				assert.Equal(t, tt.wantField, malformed.Field)
				assert.Nil(t, env)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, env.CorrelationID())
			assert.Equal(t, "orders", env.RoutingKey())
			assert.False(t, env.OriginatedLocally())
			assert.Equal(t, 0, env.Attempt())
		})
	}
}

func TestFromDeliveryNil(t *testing.T) {
	_, err := FromDelivery(nil)

	var malformed *MalformedDeliveryError
	assert.ErrorAs(t, err, &malformed)
}
