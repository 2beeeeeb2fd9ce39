// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package main is the entry point for the Canopy ingestion server.
//
// Canopy accepts sensor readings over HTTP, MQTT (through the embedded NATS
// broker) and a built-in simulator, runs every batch through admission,
// idempotency and normalization, commits accepted readings, and pushes
// them from the store's change feed to WebSocket subscribers, the alert
// evaluator and the optional JetStream relay.
//
// # Startup
//
//  1. Configuration (koanf: defaults, config.yaml, environment)
//  2. Reading store (badger or postgres) and idempotency keys
//  3. Ingest pipeline: admission, idempotency, normalization, orchestrator
//  4. Subscription registry, WebSocket hub, dispatcher
//  5. Alert evaluator and notifiers
//  6. Change feed workers, opened before readiness is reported
//  7. Embedded broker, MQTT consumer and relay (optional)
//  8. Supervisor tree: storage, pipeline and api layers
//
// # Shutdown
//
// On SIGINT or SIGTERM the server reports not-ready, stops admitting new
// batches, waits for admitted batches to finish, then stops the tree. The
// broker and the stores are closed last.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/canopy/internal/adapter"
	"github.com/tomtom215/canopy/internal/admission"
	"github.com/tomtom215/canopy/internal/alerting"
	"github.com/tomtom215/canopy/internal/api"
	"github.com/tomtom215/canopy/internal/changefeed"
	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/dispatch"
	"github.com/tomtom215/canopy/internal/ingest"
	"github.com/tomtom215/canopy/internal/lifecycle"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/normalize"
	"github.com/tomtom215/canopy/internal/registry"
	"github.com/tomtom215/canopy/internal/supervisor"
	"github.com/tomtom215/canopy/internal/supervisor/services"
	"github.com/tomtom215/canopy/internal/websocket"
)

const registryShards = 32

//nolint:gocyclo // sequential startup
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("store", cfg.Store.Driver).
		Bool("admission", cfg.Admission.Enabled).
		Bool("broker", cfg.Broker.Enabled).
		Bool("simulation", cfg.Simulation.Enabled).
		Msg("Starting Canopy")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persist, err := openPersistence(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open persistence")
	}
	defer persist.close()

	// Ingest pipeline.
	admit := admission.NewController(cfg.Admission)
	normalizer := normalize.NewService(persist.store, cfg.Normalization)
	orchestrator := ingest.New(admit, persist.dedup, normalizer, persist.store)

	// Real-time fanout.
	reg := registry.New(registryShards)
	hub := websocket.NewHub(reg, cfg.WebSocket)
	dispatcher := dispatch.New(reg, hub)

	tree := supervisor.NewTree(logging.NewSlogLogger(), cfg.Supervisor)
	workers := []*changefeed.Worker{
		changefeed.NewWorker("fanout", persist.store, dispatcher, cfg.ChangeFeed),
	}

	var evaluator *alerting.Evaluator
	if cfg.Alerting.Enabled {
		rules, err := alerting.LoadRules(cfg.Alerting)
		if err != nil {
			logging.Fatal().Err(err).Msg("Invalid alert rules")
		}
		notifiers := []alerting.Notifier{alerting.BroadcastFunc(hub.BroadcastAlert)}
		if cfg.Alerting.WebhookURL != "" {
			webhook := alerting.NewWebhookNotifier(alerting.WebhookConfig{
				URL:       cfg.Alerting.WebhookURL,
				Timeout:   cfg.Alerting.WebhookTimeout,
				PerMinute: cfg.Alerting.WebhookPerMinute,
			})
			notifiers = append(notifiers, webhook)
			tree.Add(supervisor.LayerPipeline, webhook)
		}
		evaluator = alerting.NewEvaluator(rules, persist.store, persist.alertInstances(), notifiers...)
		workers = append(workers, changefeed.NewWorker("alerts", persist.store, evaluator, cfg.ChangeFeed))
		logging.Info().Int("rules", len(rules)).Msg("Alert evaluator enabled")
	}

	var brk *brokerComponents
	if cfg.Broker.Enabled {
		brk, err = initBroker(ctx, cfg, orchestrator)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start broker")
		}
		if brk.relay != nil {
			workers = append(workers, changefeed.NewWorker("relay", persist.store, brk.relay, cfg.ChangeFeed))
		}
	}

	// A change feed that cannot be established is a configuration error:
	// the service must not report ready without it.
	for _, w := range workers {
		if err := w.Open(ctx); err != nil {
			logging.Fatal().Err(err).Str("consumer", w.String()).Msg("Failed to open change feed")
		}
	}

	var simAdapter *adapter.SimulationAdapter
	if cfg.Simulation.Enabled {
		simAdapter = adapter.NewSimulationAdapter(cfg.Server.MaxBatchSize)
	}

	deps := api.Dependencies{
		Processor:      orchestrator,
		HTTPAdapter:    adapter.NewHTTPAdapter(cfg.Server.MaxBatchSize),
		Simulation:     simAdapter,
		SimulationTick: cfg.Simulation.Tick,
		Sessions:       persist.store,
		Subscriptions:  reg,
		Hub:            hub,
		Store:          persist.store,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.Security.CORSOrigins,
	}
	if evaluator != nil {
		deps.Alerts = evaluator
	}
	handler := api.NewHandler(deps)
	if cfg.Security.RateLimitDisabled {
		logging.Warn().Msg("HTTP rate limiting is disabled; admission control still applies")
	}
	router := api.NewRouter(handler, api.NewChiMiddleware(api.ChiMiddlewareConfigFrom(cfg.Security)))

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.SetupChi(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// === SUPERVISOR TREE ===

	lc := cfg.Lifecycle
	tree.Add(supervisor.LayerStorage, lifecycle.NewSessionCleanup(persist.store, persist.dedup, lc.SessionCleanupInterval, lc.StaleSessionAge))
	tree.Add(supervisor.LayerStorage, persist.maintenance(lc))

	tree.Add(supervisor.LayerPipeline, hub)
	for _, w := range workers {
		tree.Add(supervisor.LayerPipeline, w)
	}
	tree.Add(supervisor.LayerPipeline, lifecycle.NewSubscriptionMonitor(reg, lc.SnapshotInterval))
	tree.Add(supervisor.LayerPipeline, lifecycle.NewFreshnessMonitor(persist.store, lc.FreshnessInterval, lc.FreshnessThreshold))
	if brk != nil {
		if brk.consumer != nil {
			tree.Add(supervisor.LayerPipeline, brk.consumer)
		}
		tree.Add(supervisor.LayerPipeline, brk.monitor)
	}
	if cfg.Simulation.Enabled {
		tree.Add(supervisor.LayerPipeline, adapter.NewSimulator(cfg.Simulation, simAdapter, orchestrator))
	}

	tree.Add(supervisor.LayerAPI, services.NewHTTPServerService(server, server.Addr, cfg.Server.ShutdownTimeout))

	treeCtx, stopTree := context.WithCancel(ctx)
	defer stopTree()
	errCh := tree.ServeBackground(treeCtx)
	handler.SetReady(true)
	logging.Info().Int("change_feeds", len(workers)).Msg("Canopy ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	treeDone := false
	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		treeDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree stopped unexpectedly")
		}
	}

	// Stop taking batches, let admitted ones commit, then stop the workers.
	handler.SetReady(false)
	admit.Close()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if err := admit.Drain(drainCtx); err != nil {
		logging.Warn().Err(err).Msg("In-flight batches did not finish before the shutdown timeout")
	}
	cancelDrain()

	stopTree()
	// ServeBackground sends exactly once and never closes the channel.
	if !treeDone {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}
	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}

	if brk != nil {
		brk.shutdown()
	}
	logging.Info().Msg("Canopy stopped")
}
