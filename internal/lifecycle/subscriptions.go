// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
)

// SubscriptionSource reports registry totals.
type SubscriptionSource interface {
	Counts() (connections, subscriptions int64)
	Snapshot() models.TelemetrySubscriptionSnapshot
}

// SubscriptionMonitor exports connection and subscription gauges.
type SubscriptionMonitor struct {
	source   SubscriptionSource
	interval time.Duration
	log      zerolog.Logger
}

func NewSubscriptionMonitor(source SubscriptionSource, interval time.Duration) *SubscriptionMonitor {
	return &SubscriptionMonitor{
		source:   source,
		interval: interval,
		log:      logging.WithComponent("subscription-monitor"),
	}
}

func (m *SubscriptionMonitor) Serve(ctx context.Context) error {
	return every(ctx, m.interval, func(context.Context) { m.RunOnce() })
}

// RunOnce publishes the current totals.
func (m *SubscriptionMonitor) RunOnce() (connections, subscriptions int64) {
	connections, subscriptions = m.source.Counts()
	metrics.ActiveConnections.Set(float64(connections))
	metrics.ActiveSubscriptions.Set(float64(subscriptions))

	if m.log.GetLevel() <= zerolog.DebugLevel {
		snap := m.source.Snapshot()
		m.log.Debug().
			Int64("connections", connections).
			Int64("subscriptions", subscriptions).
			Int("streams", len(snap.Streams)).
			Msg("Subscription snapshot")
	}
	return connections, subscriptions
}

func (m *SubscriptionMonitor) String() string { return "subscription-monitor" }
