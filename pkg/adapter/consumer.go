// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbitbridge/pkg/broker"
)

// Subscribe starts consuming the queue named by routingKey on a dedicated
// channel with manual acknowledgment. Cancelling ctx cancels the consumer but
// leaves the channel open so deliveries already handed out can still be
// settled; the channel dies with the connection.
func (c *Conn) Subscribe(ctx context.Context, routingKey string) (<-chan broker.Delivery, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			c.closeChannel(ch)

			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}

	tag := "rabbitbridge-" + uuid.NewString()

	msgCh, err := ch.Consume(setConsumerConfig(routingKey, tag))
	if err != nil {
		c.closeChannel(ch)

		if errors.Is(err, amqp091.ErrClosed) {
			return nil, broker.ConnClosedError{}
		}

		return nil, fmt.Errorf("failed to create consumer channel: %w", err)
	}

	out := make(chan broker.Delivery)

	go func() {
		<-ctx.Done()

		if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			c.logger.Debug("cancel consumer", zap.String("queue", routingKey), zap.Error(err))
		}
	}()

	go func() {
		defer close(out)

		for d := range msgCh {
			select {
			case out <- &Message{deliver: d}:
			case <-ctx.Done():
				// Consumer is being cancelled; hand the rest back to the queue.
				if err := d.Nack(false, true); err != nil {
					c.logger.Debug("requeue after cancel", zap.String("queue", routingKey), zap.Error(err))
				}
			}
		}
	}()

	return out, nil
}

// setConsumerConfig maps a queue and consumer tag to the parameters expected by amqp091.Channel.Consume.
//
//nolint:gocritic // returning multiple values is justified in this context
func setConsumerConfig(queueName, tag string) (queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) {
	return queueName, tag, false, false, false, false, nil
}
