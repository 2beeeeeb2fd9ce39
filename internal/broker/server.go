// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package broker runs the embedded NATS server that carries MQTT ingest
// and the optional JetStream relay of committed readings.
//
// Devices publish to the MQTT listener. NATS maps an MQTT topic such as
// canopy/ingest/site-1/gw-7 onto the subject canopy.ingest.site-1.gw-7,
// which the ingest stream captures. A durable pull consumer hands each
// message to the MQTT adapter and the ingest orchestrator and acknowledges
// it only after the batch has a definitive outcome. Admission rejections
// are negatively acknowledged with the advertised delay, so the broker
// redelivers the message once the limiter has room.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/tomtom215/canopy/internal/config"
)

// EmbeddedServer wraps the NATS server with lifecycle management.
type EmbeddedServer struct {
	server    *server.Server
	cfg       config.BrokerConfig
	clientURL string
}

// NewEmbeddedServer creates and starts the server with JetStream and, when
// MQTTPort is non-zero, the MQTT listener. It fails if the server is not
// ready within 30 seconds.
func NewEmbeddedServer(cfg config.BrokerConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName:         "canopy",
		Host:               cfg.Host,
		Port:               cfg.Port,
		JetStream:          true,
		StoreDir:           cfg.StoreDir,
		JetStreamMaxMemory: cfg.MaxMemory,
		JetStreamMaxStore:  cfg.MaxStore,
		MaxPayload:         4 * 1024 * 1024,
	}
	if cfg.MQTTPort != 0 {
		opts.MQTT = server.MQTTOpts{
			Host: cfg.Host,
			Port: cfg.MQTTPort,
		}
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	ns.SetLogger(newServerLogger(), false, false)

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	return &EmbeddedServer{
		server:    ns,
		cfg:       cfg,
		clientURL: ns.ClientURL(),
	}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// MQTTAddr returns the MQTT listener address, or "" when MQTT is off.
func (s *EmbeddedServer) MQTTAddr() string {
	if s.cfg.MQTTPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MQTTPort)
}

// Shutdown stops the server and waits for it unless ctx ends first.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// IsRunning reports server health.
func (s *EmbeddedServer) IsRunning() bool {
	return s.server.Running()
}

func (s *EmbeddedServer) JetStreamEnabled() bool {
	return s.server.JetStreamEnabled()
}
