package connmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GwynCerbin/rabbitbridge/pkg/backoff"
	"github.com/GwynCerbin/rabbitbridge/pkg/broker/brokertest"
)

var fastPolicy = backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond}

func waitState(t *testing.T, m *Manager, s State) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, m.Wait(ctx, s), "waiting for %s, have %s", s, m.State())
}

// collect reads transitions until one reaches want.
func collect(t *testing.T, ch <-chan Transition, want State) []Transition {
	t.Helper()

	var out []Transition

	timeout := time.After(2 * time.Second)

	for {
		select {
		case tr, ok := <-ch:
			require.True(t, ok, "watch closed early")
			out = append(out, tr)

			if tr.To == want {
				return out
			}
		case <-timeout:
			t.Fatalf("no transition to %s, got %v", want, out)
		}
	}
}

func states(ts []Transition) []State {
	out := make([]State, 0, len(ts))
	for _, tr := range ts {
		out = append(out, tr.To)
	}

	return out
}

func TestManagerConnects(t *testing.T) {
	b := brokertest.New()
	m := New(b, fastPolicy, WithLogger(zaptest.NewLogger(t)))

	assert.Equal(t, Disconnected, m.State())

	_, ok := m.Conn()
	assert.False(t, ok)

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())

	waitState(t, m, Connected)

	conn, ok := m.Conn()
	require.True(t, ok)
	assert.NotNil(t, conn)
	assert.Equal(t, 1, b.Dials())

	require.NoError(t, m.Close())
}

func TestManagerRetriesFailedDials(t *testing.T) {
	b := brokertest.New()
	b.FailDials(2, nil)

	m := New(b, fastPolicy)
	watch, cancel := m.Watch()
	defer cancel()

	require.NoError(t, m.Start())

	got := collect(t, watch, Connected)
	assert.Equal(t, []State{Connecting, Disconnected, Connecting, Disconnected, Connecting, Connected}, states(got))
	assert.ErrorIs(t, got[1].Err, brokertest.ErrDialRefused)
	assert.Equal(t, 3, got[4].Attempt)
	assert.Equal(t, 3, b.Dials())

	require.NoError(t, m.Close())
}

func TestManagerReconnectsAfterLoss(t *testing.T) {
	b := brokertest.New()
	m := New(b, fastPolicy)
	watch, cancel := m.Watch()
	defer cancel()

	require.NoError(t, m.Start())
	collect(t, watch, Connected)

	lossErr := errors.New("connection reset by peer")
	b.Drop(lossErr)

	got := collect(t, watch, Connected)
	assert.Equal(t, []State{Disconnected, Connecting, Connected}, states(got))
	assert.ErrorIs(t, got[0].Err, lossErr)
	assert.Equal(t, 2, b.Dials())
	assert.True(t, b.Connected())

	require.NoError(t, m.Close())
}

func TestManagerGivesUpAfterMaxAttempts(t *testing.T) {
	b := brokertest.New()
	b.FailDials(10, nil)

	policy := fastPolicy
	policy.MaxAttempts = 3

	m := New(b, policy)
	watch, cancel := m.Watch()
	defer cancel()

	require.NoError(t, m.Start())

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect loop did not stop")
	}

	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 3, b.Dials())

	var last Transition
	for len(watch) > 0 {
		last = <-watch
	}

	assert.True(t, IsExhausted(last.Err))

	require.NoError(t, m.Close())
}

func TestManagerDrainAndClose(t *testing.T) {
	b := brokertest.New()
	m := New(b, fastPolicy)

	require.NoError(t, m.Start())
	waitState(t, m, Connected)

	m.Drain()
	assert.Equal(t, Draining, m.State())

	_, ok := m.Conn()
	assert.True(t, ok, "connection stays usable while draining")

	require.NoError(t, m.Close())
	assert.Equal(t, Disconnected, m.State())
	assert.False(t, b.Connected())

	_, ok = m.Conn()
	assert.False(t, ok)

	assert.ErrorIs(t, m.Start(), ClosedError{})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.Dials(), "no reconnect after close")
	require.NoError(t, m.Close())
}

func TestManagerLossWhileDrainingIsTerminal(t *testing.T) {
	b := brokertest.New()
	m := New(b, fastPolicy)

	require.NoError(t, m.Start())
	waitState(t, m, Connected)

	m.Drain()
	b.Drop(nil)

	waitState(t, m, Disconnected)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.Dials())
	require.NoError(t, m.Close())
}

func TestManagerCloseWithoutStart(t *testing.T) {
	m := New(brokertest.New(), fastPolicy)

	watch, _ := m.Watch()

	require.NoError(t, m.Close())
	assert.Equal(t, Disconnected, m.State())

	_, open := <-watch
	assert.False(t, open, "watchers are closed with the manager")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "state(9)", State(9).String())
}
