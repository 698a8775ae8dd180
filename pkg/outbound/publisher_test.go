package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/GwynCerbin/rabbitbridge/pkg/backoff"
	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
	"github.com/GwynCerbin/rabbitbridge/pkg/broker/brokertest"
	"github.com/GwynCerbin/rabbitbridge/pkg/connmgr"
	"github.com/GwynCerbin/rabbitbridge/pkg/envelope"
)

var fastRetry = backoff.Policy{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3}

type failures struct {
	mu  sync.Mutex
	all []Failure
}

func (f *failures) record(fl Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.all = append(f.all, fl)
}

func (f *failures) list() []Failure {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Failure(nil), f.all...)
}

type harness struct {
	broker  *brokertest.Broker
	manager *connmgr.Manager
	pub     *Publisher
	failed  *failures
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	var (
		logger = zaptest.NewLogger(t)
		b      = brokertest.New()
		m      = connmgr.New(b, backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}, connmgr.WithLogger(logger))
		f      = &failures{}
	)

	if cfg.Retry.Base == 0 {
		cfg.Retry = fastRetry
	}

	p := New(m, cfg, append([]Option{WithLogger(logger), WithFailureHandler(f.record)}, opts...)...)
	p.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = p.Stop(ctx)
		_ = m.Close()
	})

	return &harness{broker: b, manager: m, pub: p, failed: f}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()

	require.NoError(t, h.manager.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, h.manager.Wait(ctx, connmgr.Connected))
}

func (h *harness) waitSent(t *testing.T, n int) []brokertest.Sent {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(h.broker.Sent()) >= n
	}, 3*time.Second, time.Millisecond, "sent %d of %d", len(h.broker.Sent()), n)

	return h.broker.Sent()
}

func TestBuffersWhileDisconnectedThenSendsInOrder(t *testing.T) {
	h := newHarness(t, Config{})

	ids := make([]string, 0, 100)

	for i := range 100 {
		env := envelope.Wrap([]byte(fmt.Sprintf("order-%d", i)), "orders")
		ids = append(ids, env.CorrelationID())

		require.NoError(t, h.pub.Publish(context.Background(), env))
	}

	assert.Equal(t, 100, h.pub.Len())
	assert.Empty(t, h.broker.Sent())

	h.connect(t)

	sent := h.waitSent(t, 100)
	require.Len(t, sent, 100)

	for i, s := range sent {
		assert.Equal(t, ids[i], s.CorrelationID)
		assert.Equal(t, fmt.Sprintf("order-%d", i), string(s.Payload))
	}

	require.Eventually(t, func() bool { return h.pub.Len() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, h.failed.list())
}

func TestPerKeyOrderSurvivesTransientFailures(t *testing.T) {
	h := newHarness(t, Config{Retry: backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 10}})

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)

	// Every envelope on "a" fails its first attempt.
	h.broker.SetSendHook(func(key, id string) error {
		mu.Lock()
		defer mu.Unlock()

		if key == "a" && !seen[id] {
			seen[id] = true

			return errors.New("transient")
		}

		return nil
	})

	want := map[string][]string{}

	for i := range 20 {
		key := []string{"a", "b"}[i%2]
		env := envelope.Wrap([]byte{byte(i)}, key)
		want[key] = append(want[key], env.CorrelationID())

		require.NoError(t, h.pub.Publish(context.Background(), env))
	}

	h.connect(t)

	got := map[string][]string{}
	for _, s := range h.waitSent(t, 20) {
		got[s.RoutingKey] = append(got[s.RoutingKey], s.CorrelationID)
	}

	assert.Equal(t, want, got)
	assert.Empty(t, h.failed.list())
}

func TestPublishBlocksWhenFull(t *testing.T) {
	h := newHarness(t, Config{Capacity: 2})

	require.NoError(t, h.pub.Publish(context.Background(), envelope.Wrap([]byte("1"), "k")))
	require.NoError(t, h.pub.Publish(context.Background(), envelope.Wrap([]byte("2"), "k")))
	assert.Equal(t, 2, h.pub.Capacity())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.pub.Publish(ctx, envelope.Wrap([]byte("3"), "k"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, h.pub.Len())

	unblocked := make(chan error, 1)

	go func() {
		unblocked <- h.pub.Publish(context.Background(), envelope.Wrap([]byte("3"), "k"))
	}()

	h.connect(t)

	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish stayed blocked after the set drained")
	}

	sent := h.waitSent(t, 3)
	assert.Equal(t, "3", string(sent[2].Payload))
}

func TestRetryExhaustionReportsFailure(t *testing.T) {
	h := newHarness(t, Config{})

	boom := errors.New("boom")
	h.broker.SetSendHook(func(string, string) error { return boom })

	env := envelope.Wrap([]byte("x"), "k")
	require.NoError(t, h.pub.Publish(context.Background(), env))

	h.connect(t)

	require.Eventually(t, func() bool { return len(h.failed.list()) == 1 }, 2*time.Second, time.Millisecond)

	fl := h.failed.list()[0]
	assert.Same(t, env, fl.Envelope)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, fl.Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	require.ErrorIs(t, fl.Err, boom)
	assert.Equal(t, 3, env.Attempt())
	assert.Equal(t, 0, h.pub.Len())
}

func TestPermanentRejectionFailsImmediately(t *testing.T) {
	h := newHarness(t, Config{})

	h.broker.SetSendHook(func(string, string) error {
		return broker.RejectedError{Reason: "no route"}
	})

	env := envelope.Wrap([]byte("x"), "nowhere")
	require.NoError(t, h.pub.Publish(context.Background(), env))

	h.connect(t)

	require.Eventually(t, func() bool { return len(h.failed.list()) == 1 }, 2*time.Second, time.Millisecond)

	fl := h.failed.list()[0]
	assert.True(t, broker.IsPermanent(fl.Err))
	assert.Equal(t, 1, env.Attempt())
}

func TestConnectionLossResendsOnNextConnection(t *testing.T) {
	h := newHarness(t, Config{})

	var once sync.Once

	h.broker.SetSendHook(func(string, string) error {
		once.Do(func() { h.broker.Drop(nil) })

		return nil
	})

	env := envelope.Wrap([]byte("x"), "k")

	h.connect(t)
	require.NoError(t, h.pub.Publish(context.Background(), env))

	sent := h.waitSent(t, 1)
	require.Len(t, sent, 1)
	assert.Equal(t, env.CorrelationID(), sent[0].CorrelationID)
	assert.Equal(t, 2, sent[0].Conn)
	assert.GreaterOrEqual(t, env.Attempt(), 2)
	assert.Empty(t, h.failed.list())
}

func TestDuplicateCorrelationID(t *testing.T) {
	h := newHarness(t, Config{})

	env := envelope.Wrap([]byte("x"), "k")
	require.NoError(t, h.pub.Publish(context.Background(), env))

	err := h.pub.Publish(context.Background(), env)

	var dup DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, env.CorrelationID(), dup.CorrelationID)
	assert.Equal(t, 1, h.pub.Len())
}

func TestStopAbandonsUnconfirmed(t *testing.T) {
	h := newHarness(t, Config{})

	for i := range 3 {
		require.NoError(t, h.pub.Publish(context.Background(), envelope.Wrap([]byte{byte(i)}, "k")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.pub.Stop(ctx)

	var shutdown ShutdownError
	require.ErrorAs(t, err, &shutdown)
	assert.Equal(t, 3, shutdown.Abandoned)
	assert.Len(t, h.failed.list(), 3)
	assert.Equal(t, 0, h.pub.Len())

	err = h.pub.Publish(context.Background(), envelope.Wrap([]byte("late"), "k"))
	require.ErrorAs(t, err, &StoppedError{})
}

func TestStopDrainsWhileConnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)

	for i := range 10 {
		require.NoError(t, h.pub.Publish(context.Background(), envelope.Wrap([]byte{byte(i)}, "k")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, h.pub.Stop(ctx))
	assert.Len(t, h.broker.Sent(), 10)
	assert.Empty(t, h.failed.list())
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	h := newHarness(t, Config{
		Retry:            backoff.Policy{Base: time.Millisecond, Max: time.Millisecond},
		BreakerThreshold: 2,
		BreakerTimeout:   300 * time.Millisecond,
	})

	var (
		mu      sync.Mutex
		calls   int
		failing = true
	)

	h.broker.SetSendHook(func(string, string) error {
		mu.Lock()
		defer mu.Unlock()

		calls++
		if failing {
			return errors.New("transient")
		}

		return nil
	})

	sendCalls := func() int {
		mu.Lock()
		defer mu.Unlock()

		return calls
	}

	env := envelope.Wrap([]byte("x"), "k")
	require.NoError(t, h.pub.Publish(context.Background(), env))

	h.connect(t)

	require.Eventually(t, func() bool { return sendCalls() == 2 }, 2*time.Second, time.Millisecond)

	// Open: the worker keeps the envelope but nothing reaches the broker.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sendCalls())
	assert.Equal(t, 2, env.Attempt())
	assert.Equal(t, 1, h.pub.Len())
	assert.Empty(t, h.broker.Sent())

	mu.Lock()
	failing = false
	mu.Unlock()

	// Half-open after the timeout lets one trial send through.
	sent := h.waitSent(t, 1)
	assert.Equal(t, env.CorrelationID(), sent[0].CorrelationID)
	assert.Equal(t, 3, sendCalls())
	assert.Equal(t, 3, env.Attempt())
	assert.Empty(t, h.failed.list())
}

func TestRateLimitSpacesSends(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 20, Burst: 1})
	h.connect(t)

	start := time.Now()

	for i := range 4 {
		require.NoError(t, h.pub.Publish(context.Background(), envelope.Wrap([]byte{byte(i)}, "k")))
	}

	sent := h.waitSent(t, 4)

	// One token up front, then one every 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)

	for i, s := range sent {
		assert.Equal(t, []byte{byte(i)}, s.Payload)
	}
}

func TestSendSpans(t *testing.T) {
	var (
		spans    = tracetest.NewSpanRecorder()
		provider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
		once     sync.Once
	)

	h := newHarness(t, Config{}, WithTracer(provider.Tracer("outbound-test")))

	h.broker.SetSendHook(func(string, string) error {
		var err error

		once.Do(func() { err = errors.New("transient") })

		return err
	})

	env := envelope.Wrap([]byte("x"), "orders")
	require.NoError(t, h.pub.Publish(context.Background(), env))

	h.connect(t)
	h.waitSent(t, 1)

	require.Eventually(t, func() bool { return len(spans.Ended()) == 2 }, 2*time.Second, time.Millisecond)

	ended := spans.Ended()

	for i, span := range ended {
		assert.Equal(t, "outbound.send", span.Name())
		assert.Contains(t, span.Attributes(), attribute.String("messaging.destination.name", "orders"))
		assert.Contains(t, span.Attributes(), attribute.String("messaging.message.id", env.CorrelationID()))
		assert.Contains(t, span.Attributes(), attribute.Int("messaging.delivery_attempt", i+1))
	}

	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "transient", ended[0].Status().Description)
	assert.NotEqual(t, codes.Error, ended[1].Status().Code)
}
