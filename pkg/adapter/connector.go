// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
)

const defaultDialTimeout = 30 * time.Second

// Dialer opens RabbitMQ connections. It never reconnects on its own; the
// caller decides when to dial again.
type Dialer struct {
	// url is the target URI for dialing the broker.
	url *url.URL
	// cfg stores the AMQP client configuration.
	cfg      amqp091.Config
	timeout  time.Duration
	pub      PublisherConfig
	prefetch int
	topology Topology
	logger   *zap.Logger
}

// NewDialer prepares a Dialer from the client configuration.
func NewDialer(cfg *Client, logger *zap.Logger) (*Dialer, error) {
	if cfg == nil {
		return nil, ClientConfEmptyError{}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	return &Dialer{
		url: &url.URL{
			Scheme: "amqp",
			Host:   cfg.Host,
		},
		cfg: amqp091.Config{
			SASL: []amqp091.Authentication{
				&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password},
			},
			Vhost:      cfg.VHost,
			Properties: cfg.Properties,
			Heartbeat:  cfg.TcpHeartBeat,
		},
		timeout:  timeout,
		pub:      cfg.Publisher,
		prefetch: cfg.Prefetch,
		topology: cfg.Topology,
		logger:   logger.Named("amqp"),
	}, nil
}

// Dial establishes an AMQP connection and declares the configured topology.
func (d *Dialer) Dial(ctx context.Context) (broker.Connection, error) {
	var (
		cfg    = d.cfg
		dialer = &net.Dialer{Timeout: d.timeout}
	)

	cfg.Dial = func(network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}

	con, err := amqp091.DialConfig(d.url.String(), cfg)
	if err != nil {
		return nil, fmt.Errorf("dial amqp091: %w", err)
	}

	c := newConn(con, d.pub, d.prefetch, d.logger)

	if err := c.declare(d.topology); err != nil {
		_ = con.Close()

		return nil, err
	}

	return c, nil
}

// Conn is one AMQP connection implementing broker.Connection.
type Conn struct {
	// connection holds the active AMQP connection.
	connection *amqp091.Connection
	pub        PublisherConfig
	prefetch   int
	logger     *zap.Logger
	notify     chan error

	// sendMu serializes publishes on the confirm channel.
	sendMu  sync.Mutex
	sendCh  *amqp091.Channel
	returns chan amqp091.Return
}

func newConn(con *amqp091.Connection, pub PublisherConfig, prefetch int, logger *zap.Logger) *Conn {
	c := &Conn{
		connection: con,
		pub:        pub,
		prefetch:   prefetch,
		logger:     logger,
		notify:     make(chan error, 1),
	}

	closeCh := con.NotifyClose(make(chan *amqp091.Error, 1))

	go func() {
		if amqpErr, ok := <-closeCh; ok && amqpErr != nil {
			c.notify <- amqpErr
		}

		close(c.notify)
	}()

	return c
}

// NotifyClose implements broker.Connection.
func (c *Conn) NotifyClose() <-chan error {
	return c.notify
}

// Close gracefully shuts down the connection. Unacknowledged deliveries are
// returned to their queues by the broker.
func (c *Conn) Close() error {
	if err := c.connection.Close(); err != nil {
		if errors.Is(err, amqp091.ErrClosed) {
			return broker.ConnClosedError{}
		}

		return fmt.Errorf("close connection error: %w", err)
	}

	return nil
}

// channel opens a fresh AMQP channel, mapping a dead connection to ConnClosedError.
func (c *Conn) channel() (*amqp091.Channel, error) {
	ch, err := c.connection.Channel()
	if err != nil {
		if errors.Is(err, amqp091.ErrClosed) {
			return nil, broker.ConnClosedError{}
		}

		return nil, fmt.Errorf("create channel: %w", err)
	}

	return ch, nil
}

// declare applies the topology on a short-lived channel.
func (c *Conn) declare(t Topology) error {
	for i := range t.Exchanges {
		if err := c.DeclareExchange(&t.Exchanges[i]); err != nil {
			return err
		}
	}

	for i := range t.Queues {
		if err := c.QueueDeclareAndBind(&t.Queues[i]); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange opens a channel, declares an exchange, and closes the channel.
func (c *Conn) DeclareExchange(cfg *ExchangeDeclare) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	defer c.closeChannel(ch)

	if err = ch.ExchangeDeclare(cfg.Name, cfg.Type, cfg.Durable, cfg.AutoDelete, cfg.Internal, false, cfg.Args); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	return nil
}

// QueueDeclareAndBind declares a queue and optionally binds it to an exchange.
func (c *Conn) QueueDeclareAndBind(cfg *QueueDeclareAndBind) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	defer c.closeChannel(ch)

	queue, err := ch.QueueDeclare(cfg.Name, cfg.Durable, cfg.AutoDelete, cfg.Exclusive, false, cfg.Args)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	if cfg.NoBind {
		return nil
	}

	if err = ch.QueueBind(queue.Name, cfg.RoutingKey, cfg.ExchangeName, false, cfg.BindArgs); err != nil {
		return fmt.Errorf("create queue binding: %w", err)
	}

	return nil
}

// DeleteExchange removes an existing exchange by name.
func (c *Conn) DeleteExchange(name string) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	defer c.closeChannel(ch)

	if err = ch.ExchangeDelete(name, false, false); err != nil {
		return fmt.Errorf("delete exchange: %w", err)
	}

	return nil
}

// DeleteQueue removes an existing queue by name.
func (c *Conn) DeleteQueue(name string) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	defer c.closeChannel(ch)

	if _, err = ch.QueueDelete(name, false, false, false); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}

	return nil
}

func (c *Conn) closeChannel(ch *amqp091.Channel) {
	if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		c.logger.Debug("close channel", zap.Error(err))
	}
}
