// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Command rabbitbridge runs the bridge between an in-process bus and RabbitMQ.
// Without application code attached it logs every message that arrives on an
// inbound topic and acks it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	bridge "github.com/GwynCerbin/rabbitbridge"
	"github.com/GwynCerbin/rabbitbridge/pkg/adapter"
	"github.com/GwynCerbin/rabbitbridge/pkg/bus"
	"github.com/GwynCerbin/rabbitbridge/pkg/config"
	"github.com/GwynCerbin/rabbitbridge/pkg/events"
	"github.com/GwynCerbin/rabbitbridge/pkg/outbound"
	"github.com/GwynCerbin/rabbitbridge/pkg/telemetry"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}

	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("rabbitbridge exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.InitProvider(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}

	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	dialer, err := adapter.NewDialer(&cfg.Broker, logger)
	if err != nil {
		return err
	}

	local := bus.New(logger)

	opts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithObserver(events.ObserverFunc(logEvent(logger.Named("events")))),
		bridge.WithFailureHandler(func(f outbound.Failure) {
			logger.Error("outbound message failed",
				zap.String("correlation_id", f.Envelope.CorrelationID()),
				zap.String("routing_key", f.Envelope.RoutingKey()),
				zap.Error(f.Err))
		}),
	}

	if cfg.Telemetry.Metrics {
		opts = append(opts, bridge.WithMeter(otel.Meter("github.com/GwynCerbin/rabbitbridge")))
	}

	b, err := bridge.New(cfg.Bridge, dialer, local, opts...)
	if err != nil {
		return err
	}

	for _, topic := range inboundTopics(cfg.Bridge.Routes) {
		local.Subscribe(topic, logAndAck(b, logger))
	}

	if err := b.Start(ctx); err != nil {
		return err
	}

	logger.Info("rabbitbridge running", zap.String("broker", cfg.Broker.Host))

	<-ctx.Done()

	logger.Info("shutting down")

	return b.Stop(context.Background())
}

// inboundTopics lists each local topic fed by the broker once, however many
// queues map to it.
func inboundTopics(routes bridge.Routes) []string {
	seen := make(map[string]struct{}, len(routes.Inbound))
	topics := make([]string, 0, len(routes.Inbound))

	for _, topic := range routes.Inbound {
		if _, ok := seen[topic]; ok {
			continue
		}

		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}

	slices.Sort(topics)

	return topics
}

type acker interface {
	Ack(id string) error
}

// logAndAck is the stand-in subscriber: it logs broker deliveries and acks
// them. Local publishes on the same topic carry no envelope and are skipped.
func logAndAck(b acker, logger *zap.Logger) bus.Handler {
	return func(msg bus.Message) {
		if msg.Envelope == nil {
			return
		}

		id := msg.Envelope.CorrelationID()

		logger.Info("message received",
			zap.String("topic", msg.Topic),
			zap.String("correlation_id", id),
			zap.Int("size", len(msg.Payload)))

		if err := b.Ack(id); err != nil {
			logger.Warn("ack", zap.String("correlation_id", id), zap.Error(err))
		}
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

func logEvent(logger *zap.Logger) func(events.Event) {
	return func(e events.Event) {
		switch e.Kind {
		case events.StateChanged:
			logger.Info("connection state",
				zap.Stringer("from", e.From),
				zap.Stringer("to", e.To),
				zap.Int("attempt", e.Attempt),
				zap.Error(e.Err))
		case events.QueueDepth:
			logger.Debug("queue depth",
				zap.Int("pending_outbound", e.PendingOutbound),
				zap.Int("inbound_unacked", e.InboundUnacked))
		case events.MalformedDelivery:
			logger.Warn("malformed delivery", zap.String("queue", e.Queue), zap.Error(e.Err))
		case events.OutboundFailed:
			logger.Debug("outbound failure event", zap.String("correlation_id", e.CorrelationID))
		}
	}
}
