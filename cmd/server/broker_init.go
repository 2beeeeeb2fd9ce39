// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package main

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/canopy/internal/adapter"
	"github.com/tomtom215/canopy/internal/broker"
	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/supervisor/services"
)

// brokerComponents is the embedded NATS server and everything attached to
// it. The server outlives the supervisor tree: consumers stop first, then
// the relay flushes, then the server shuts down.
type brokerComponents struct {
	server   *broker.EmbeddedServer
	conn     *natsgo.Conn
	consumer *broker.MQTTConsumer
	relay    *broker.Relay
	monitor  *services.BrokerMonitor
}

func initBroker(ctx context.Context, cfg *config.Config, processor broker.Processor) (*brokerComponents, error) {
	bc := &brokerComponents{}

	srv, err := broker.NewEmbeddedServer(cfg.Broker)
	if err != nil {
		return nil, err
	}
	bc.server = srv
	logging.Info().
		Str("url", srv.ClientURL()).
		Str("mqtt", srv.MQTTAddr()).
		Msg("Embedded broker started")

	nc, err := natsgo.Connect(srv.ClientURL(),
		natsgo.Name("canopy-ingest"),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		bc.shutdown()
		return nil, fmt.Errorf("connect to embedded broker: %w", err)
	}
	bc.conn = nc

	js, err := jetstream.New(nc)
	if err != nil {
		bc.shutdown()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	streams, err := broker.NewStreamInitializer(js)
	if err != nil {
		bc.shutdown()
		return nil, err
	}

	names := []string{}
	if cfg.Broker.MQTTPort != 0 {
		if _, err := streams.EnsureStream(ctx, broker.IngestStreamConfig(cfg.Broker)); err != nil {
			bc.shutdown()
			return nil, err
		}
		mqtt, err := adapter.NewMQTTAdapter(cfg.Broker.TopicPattern, cfg.Server.MaxBatchSize)
		if err != nil {
			bc.shutdown()
			return nil, err
		}
		bc.consumer = broker.NewMQTTConsumer(js, broker.ConsumerConfigFrom(cfg.Broker), mqtt, processor)
		names = append(names, cfg.Broker.IngestStream)
	}

	if cfg.Broker.RelayEnabled {
		if _, err := streams.EnsureStream(ctx, broker.RelayStreamConfig(cfg.Broker)); err != nil {
			bc.shutdown()
			return nil, err
		}
		relay, err := broker.NewRelay(broker.RelayConfig{URL: srv.ClientURL(), Subject: cfg.Broker.RelaySubject})
		if err != nil {
			bc.shutdown()
			return nil, err
		}
		bc.relay = relay
		names = append(names, cfg.Broker.RelayStream)
	}

	bc.monitor = services.NewBrokerMonitor(srv, streams, 15*time.Second, names...)
	return bc, nil
}

func (bc *brokerComponents) shutdown() {
	if bc.relay != nil {
		if err := bc.relay.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing relay publisher")
		}
	}
	if bc.conn != nil {
		if err := bc.conn.Drain(); err != nil {
			logging.Warn().Err(err).Msg("Error draining broker connection")
		}
	}
	if bc.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bc.server.Shutdown(ctx); err != nil {
			logging.Error().Err(err).Msg("Embedded broker did not stop in time")
		}
	}
}
