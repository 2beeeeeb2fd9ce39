// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package supervisor runs canopy's long-lived workers under a suture tree.
//
// The tree has three layers, each its own supervisor so a crash loop in one
// does not take the others into backoff:
//   - storage: retention and maintenance workers (session cleanup, GC,
//     idempotency sweeps)
//   - pipeline: change feed consumers, the WebSocket hub, the MQTT
//     consumer, the simulator and the monitors
//   - api: the HTTP server
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/canopy/internal/config"
)

// Layer names a child supervisor of the tree.
type Layer string

const (
	LayerStorage  Layer = "storage"
	LayerPipeline Layer = "pipeline"
	LayerAPI      Layer = "api"
)

// Tree is the root supervisor and its layers.
type Tree struct {
	root   *suture.Supervisor
	layers map[Layer]*suture.Supervisor
	cfg    config.SupervisorConfig
}

// DefaultConfig matches suture's own defaults.
func DefaultConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// NewTree builds the tree. Zero fields of cfg take DefaultConfig values.
// Supervisor events (restarts, backoff, stop timeouts) go to logger.
func NewTree(logger *slog.Logger, cfg config.SupervisorConfig) *Tree {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay <= 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	// MustHook has a pointer receiver.
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = hook

	t := &Tree{
		root:   suture.New("canopy", rootSpec),
		layers: make(map[Layer]*suture.Supervisor, 3),
		cfg:    cfg,
	}
	// Children inherit the root's event hook when added.
	for _, l := range []Layer{LayerStorage, LayerPipeline, LayerAPI} {
		sup := suture.New(string(l)+"-layer", spec)
		t.layers[l] = sup
		t.root.Add(sup)
	}
	return t
}

// Add runs svc under layer l.
func (t *Tree) Add(l Layer, svc suture.Service) suture.ServiceToken {
	return t.layers[l].Add(svc)
}

// Remove stops a service previously added to layer l and waits up to
// the shutdown timeout for it to return.
func (t *Tree) Remove(l Layer, token suture.ServiceToken) error {
	return t.layers[l].RemoveAndWait(token, t.cfg.ShutdownTimeout)
}

// Serve blocks until ctx is canceled and every layer has stopped.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that ignored the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Config returns the effective configuration.
func (t *Tree) Config() config.SupervisorConfig {
	return t.cfg
}
