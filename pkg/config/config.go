// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package config loads the rabbitbridge YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	bridge "github.com/GwynCerbin/rabbitbridge"
	"github.com/GwynCerbin/rabbitbridge/pkg/adapter"
	"github.com/GwynCerbin/rabbitbridge/pkg/backoff"
	"github.com/GwynCerbin/rabbitbridge/pkg/inbound"
	"github.com/GwynCerbin/rabbitbridge/pkg/outbound"
	"github.com/GwynCerbin/rabbitbridge/pkg/telemetry"
)

// Credentials never live in the file.
const (
	EnvUsername = "RABBITBRIDGE_USERNAME"
	EnvPassword = "RABBITBRIDGE_PASSWORD"
)

// Config holds all configuration of the rabbitbridge binary.
type Config struct {
	Broker adapter.Client `yaml:"broker"`
	// Bridge settings sit at the top level of the file.
	Bridge    bridge.Config    `yaml:",inline"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// LogConfig selects the zap preset and level.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration that relays the local topic app.messages
// into the durable queue app.queue and consumes that queue back on app.received.
func Default() *Config {
	return &Config{
		Broker: adapter.Client{
			Host:         "localhost:5672",
			VHost:        "/",
			TcpHeartBeat: 10 * time.Second,
			DialTimeout:  30 * time.Second,
			Prefetch:     64,
			Publisher: adapter.PublisherConfig{
				MessagePersistent: true,
				AppId:             "rabbitbridge",
			},
			Topology: adapter.Topology{
				Queues: []adapter.QueueDeclareAndBind{
					{Name: "app.queue", NoBind: true, Durable: true},
				},
			},
		},
		Bridge: bridge.Config{
			Routes: bridge.Routes{
				Outbound: map[string]string{"app.messages": "app.queue"},
				Inbound:  map[string]string{"app.queue": "app.received"},
			},
			Outbound: outbound.Config{
				Capacity: 1024,
				Retry: backoff.Policy{
					Base:        100 * time.Millisecond,
					Max:         10 * time.Second,
					MaxAttempts: 8,
				},
				BreakerThreshold: 5,
				BreakerTimeout:   30 * time.Second,
			},
			Inbound: inbound.Config{
				Capacity:   1024,
				AckTimeout: 30 * time.Second,
				NackPolicy: inbound.Requeue,
				RetryDelay: time.Second,
			},
			Reconnect: backoff.Policy{
				Base: 500 * time.Millisecond,
				Max:  30 * time.Second,
			},
			ShutdownGrace:  10 * time.Second,
			HealthInterval: 15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: telemetry.Config{
			Endpoint:       "localhost:4317",
			ServiceName:    "rabbitbridge",
			Insecure:       true,
			ExportInterval: 10 * time.Second,
			SampleRate:     0.1,
		},
	}
}

// Load reads filename over the defaults, applies credentials from the
// environment and validates the result. An empty or missing file yields the
// defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)

		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			// Routes from the file replace the defaults instead of merging into them.
			defaults := cfg.Bridge.Routes
			cfg.Bridge.Routes = bridge.Routes{}

			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}

			if len(cfg.Bridge.Routes.Outbound) == 0 && len(cfg.Bridge.Routes.Inbound) == 0 {
				cfg.Bridge.Routes = defaults
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvUsername); ok {
		c.Broker.Username = v
	}

	if v, ok := os.LookupEnv(EnvPassword); ok {
		c.Broker.Password = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return errors.New("broker.host cannot be empty")
	}

	if c.Broker.Prefetch < 0 {
		return errors.New("broker.prefetch cannot be negative")
	}

	if c.Broker.DialTimeout < 0 || c.Broker.TcpHeartBeat < 0 {
		return errors.New("broker.dial_timeout and broker.tcp_heartbeat cannot be negative")
	}

	if err := c.Bridge.Validate(); err != nil {
		return err
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Telemetry.Metrics || c.Telemetry.Traces {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint required when telemetry is enabled")
		}

		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return errors.New("telemetry.sample_rate must be between 0 and 1")
		}
	}

	return nil
}
