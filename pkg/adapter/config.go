// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Client holds everything needed to reach the broker and publish to it.
type Client struct {
	Username     string        `yaml:"-"`
	Password     string        `yaml:"-"`
	Host         string        `yaml:"host"`
	VHost        string        `yaml:"vhost"`
	TcpHeartBeat time.Duration `yaml:"tcp_heartbeat"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	Properties   amqp091.Table `yaml:"properties"`
	// Prefetch bounds unacknowledged deliveries per subscription; 0 leaves it unlimited.
	Prefetch  int             `yaml:"prefetch"`
	Publisher PublisherConfig `yaml:"publisher"`
	Topology  Topology        `yaml:"topology"`
}

// PublisherConfig controls how outbound messages are published.
type PublisherConfig struct {
	ExchangeName      string `yaml:"exchange"`
	MessagePersistent bool   `yaml:"is_persistent"`
	AppId             string `yaml:"app_id"`
}

// Topology is declared after every successful dial, so a broker that lost
// its state comes back with the same exchanges and queues.
type Topology struct {
	Exchanges []ExchangeDeclare     `yaml:"exchanges"`
	Queues    []QueueDeclareAndBind `yaml:"queues"`
}

type ExchangeDeclare struct {
	Name       string        `yaml:"name"`
	Type       string        `yaml:"type"`
	Durable    bool          `yaml:"durable"`
	AutoDelete bool          `yaml:"auto_delete"`
	Internal   bool          `yaml:"internal"`
	Args       amqp091.Table `yaml:"args"`
}
type QueueDeclareAndBind struct {
	Name         string        `yaml:"name"`
	NoBind       bool          `yaml:"no_bind"`
	RoutingKey   string        `yaml:"routing_key"`
	ExchangeName string        `yaml:"exchange_name"`
	BindArgs     amqp091.Table `yaml:"bind_args"`
	Durable      bool          `yaml:"durable"`
	AutoDelete   bool          `yaml:"auto_delete"`
	Exclusive    bool          `yaml:"exclusive"`
	Args         amqp091.Table `yaml:"args"`
}
