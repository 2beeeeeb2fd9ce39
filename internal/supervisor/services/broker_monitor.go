// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
)

// BrokerServer is satisfied by *broker.EmbeddedServer.
type BrokerServer interface {
	IsRunning() bool
	JetStreamEnabled() bool
}

// StreamChecker is satisfied by *broker.StreamInitializer.
type StreamChecker interface {
	IsHealthy(ctx context.Context, name string) bool
}

// BrokerMonitor polls the embedded broker and its JetStream streams,
// exporting canopy_broker_up and logging every health change. It does not
// restart the broker: the server is owned by main and outlives the tree so
// consumers can drain into it during shutdown.
type BrokerMonitor struct {
	server   BrokerServer
	streams  StreamChecker
	names    []string
	interval time.Duration

	healthy map[string]bool
	log     zerolog.Logger
}

// NewBrokerMonitor checks server and the named streams every interval.
// streams may be nil when JetStream streams are not in use.
func NewBrokerMonitor(server BrokerServer, streams StreamChecker, interval time.Duration, names ...string) *BrokerMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &BrokerMonitor{
		server:   server,
		streams:  streams,
		names:    names,
		interval: interval,
		healthy:  make(map[string]bool),
		log:      logging.WithComponent("broker-monitor"),
	}
}

// Check runs one probe and reports whether every component is healthy.
func (m *BrokerMonitor) Check(ctx context.Context) bool {
	all := m.set("server", m.server.IsRunning() && m.server.JetStreamEnabled())
	if m.streams == nil {
		return all
	}
	for _, name := range m.names {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ok := m.streams.IsHealthy(probeCtx, name)
		cancel()
		all = m.set("stream:"+name, ok) && all
	}
	return all
}

func (m *BrokerMonitor) set(component string, ok bool) bool {
	v := 0.0
	if ok {
		v = 1
	}
	metrics.BrokerUp.WithLabelValues(component).Set(v)

	prev, seen := m.healthy[component]
	m.healthy[component] = ok
	switch {
	case !ok && (!seen || prev):
		m.log.Error().Str("broker_component", component).Msg("Broker component unhealthy")
	case ok && seen && !prev:
		m.log.Info().Str("broker_component", component).Msg("Broker component recovered")
	}
	return ok
}

// Serve implements suture.Service.
func (m *BrokerMonitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *BrokerMonitor) String() string {
	return "broker-monitor"
}
