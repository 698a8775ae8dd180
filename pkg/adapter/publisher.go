// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rabbitmq/amqp091-go"

	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
)

// Send publishes payload on the confirm channel and waits for the broker's
// confirmation. Unroutable (returned) messages and negative confirmations are
// reported as broker.RejectedError; a dead link as broker.ConnClosedError.
func (c *Conn) Send(ctx context.Context, routingKey string, payload []byte, correlationID string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	ch, err := c.confirmChannel()
	if err != nil {
		return err
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(setPublisherConfig(ctx, c.pub, routingKey, payload, correlationID))
	if err != nil {
		if errors.Is(err, amqp091.ErrClosed) {
			return broker.ConnClosedError{}
		}

		return fmt.Errorf("publish: %w", err)
	}

	success, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}

	if ret, ok := c.drainReturns(correlationID); ok {
		return broker.RejectedError{Reason: fmt.Sprintf("returned %d %s", ret.ReplyCode, ret.ReplyText)}
	}

	if success {
		return nil
	}

	if ch.IsClosed() || c.connection.IsClosed() {
		return broker.ConnClosedError{}
	}

	return broker.RejectedError{Reason: "negative confirmation"}
}

// setPublisherConfig maps PublisherConfig and payload into AMQP publish arguments.
//
//nolint:gocritic // returning multiple values is justified in this context
func setPublisherConfig(ctx context.Context, cfg PublisherConfig, key string, data []byte, id string) (_ context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp091.Publishing) {
	msg = amqp091.Publishing{
		ContentType:   mimetype.Detect(data).String(),
		Body:          data,
		AppId:         cfg.AppId,
		MessageId:     id,
		CorrelationId: id,
		Timestamp:     time.Now(),
	}

	if cfg.MessagePersistent {
		msg.DeliveryMode = amqp091.Persistent
	}

	return ctx, cfg.ExchangeName, key, true, false, msg
}

// confirmChannel returns the publishing channel, reopening it in confirm mode
// if the previous one was closed by a channel-level error.
func (c *Conn) confirmChannel() (*amqp091.Channel, error) {
	if c.sendCh != nil && !c.sendCh.IsClosed() {
		return c.sendCh, nil
	}

	ch, err := c.channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		c.closeChannel(ch)

		return nil, fmt.Errorf("confirm channel for publisher: %w", err)
	}

	c.returns = ch.NotifyReturn(make(chan amqp091.Return, 16))
	c.sendCh = ch

	return ch, nil
}

// drainReturns empties the return queue and reports the return for id, if any.
// The broker sends basic.return before the confirm, so it is already queued.
func (c *Conn) drainReturns(id string) (amqp091.Return, bool) {
	var (
		found amqp091.Return
		ok    bool
	)

	for {
		select {
		case ret, open := <-c.returns:
			if !open {
				return found, ok
			}

			if ret.MessageId == id {
				found, ok = ret, true
			}
		default:
			return found, ok
		}
	}
}
