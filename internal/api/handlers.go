// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package api is the HTTP surface: batch ingest, simulator ingest, the
// ingestion audit and alert read APIs, the subscription snapshot, health
// probes, Prometheus metrics and the WebSocket upgrade.
package api

import (
	"context"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/canopy/internal/adapter"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/websocket"
)

// Processor runs a canonical batch through ingestion.
type Processor interface {
	Process(ctx context.Context, batch *models.IngestBatch) (*models.BatchResult, error)
}

// SessionReader reads the ingestion audit trail.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*models.IngestionSession, error)
	ListErrors(ctx context.Context, sessionID string) ([]*models.IngestionError, error)
}

// AlertService lists and acknowledges alert instances.
type AlertService interface {
	List(ctx context.Context, siteID string, state models.AlertState) ([]*models.AlertInstance, error)
	Acknowledge(ctx context.Context, id string) (*models.AlertInstance, error)
}

// SubscriptionSnapshotter reports the live subscription registry.
type SubscriptionSnapshotter interface {
	Snapshot() models.TelemetrySubscriptionSnapshot
}

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires a Handler. Processor, HTTPAdapter and Store are
// required; the rest disable their routes when nil.
type Dependencies struct {
	Processor      Processor
	HTTPAdapter    *adapter.HTTPAdapter
	Simulation     *adapter.SimulationAdapter
	SimulationTick time.Duration
	Sessions       SessionReader
	Alerts         AlertService
	Subscriptions  SubscriptionSnapshotter
	Hub            *websocket.Hub
	Store          Pinger

	MaxBodyBytes   int64
	AllowedOrigins []string
}

const storeBreaker = "store-readiness"

// Handler serves every route. Readiness starts false and is flipped by the
// process once the store is open and the change feed is established.
type Handler struct {
	deps      Dependencies
	breaker   *gobreaker.CircuitBreaker[struct{}]
	ready     atomic.Bool
	startTime time.Time
}

func NewHandler(deps Dependencies) *Handler {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	if deps.SimulationTick <= 0 {
		deps.SimulationTick = 10 * time.Second
	}
	h := &Handler{deps: deps, startTime: time.Now()}
	h.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        storeBreaker,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerTransition(name, from, to)
		},
	})
	return h
}

// SetReady flips the readiness probe.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

// Ready reports the readiness flag.
func (h *Handler) Ready() bool { return h.ready.Load() }
