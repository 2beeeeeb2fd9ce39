// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package metrics holds the Prometheus collectors for ingestion, fanout,
// alerting and the HTTP surface. Ingestion and fanout are instrumented
// separately because dashboard clients never see ingestion failures.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	// Ingestion
	IngestReadings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_ingest_readings_total",
			Help: "Readings processed by protocol and outcome",
		},
		[]string{"protocol", "outcome"},
	)

	IngestRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_ingest_rejections_total",
			Help: "Rejected readings by reason",
		},
		[]string{"reason"},
	)

	IngestBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_ingest_batch_duration_seconds",
			Help:    "Time from batch receipt to durable write",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"protocol", "state"},
	)

	// Admission
	AdmissionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_admission_rejected_total",
			Help: "Requests rejected by admission control, by limiter",
		},
		[]string{"limiter"},
	)

	AdmissionQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_admission_queue_depth",
			Help: "Requests currently waiting in an admission queue",
		},
		[]string{"limiter"},
	)

	// Idempotency
	IdempotencyChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_idempotency_checks_total",
			Help: "Idempotency reservations by result",
		},
		[]string{"result"},
	)

	// Change feed
	ChangeFeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_changefeed_events_total",
			Help: "Committed events handed off per consumer",
		},
		[]string{"consumer"},
	)

	ChangeFeedPosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_changefeed_acked_position",
			Help: "Last acknowledged change-feed position per consumer",
		},
		[]string{"consumer"},
	)

	ChangeFeedLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_changefeed_lag_seconds",
			Help: "Age of the most recently handed-off reading at handoff time",
		},
		[]string{"consumer"},
	)

	ChangeFeedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_changefeed_errors_total",
			Help: "Change-feed read or handoff failures per consumer",
		},
		[]string{"consumer", "stage"},
	)

	// Real-time fanout
	DispatchPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_dispatch_pushes_total",
			Help: "Reading pushes to live connections by result",
		},
		[]string{"result"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_realtime_connections",
			Help: "Live real-time subscriber connections",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_realtime_subscriptions",
			Help: "Connection-stream subscription pairs in the registry",
		},
	)

	// Alerting
	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_alert_transitions_total",
			Help: "Alert instance transitions",
		},
		[]string{"transition", "severity"},
	)

	AlertNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_alert_notifications_total",
			Help: "Alert notifications by notifier and result",
		},
		[]string{"notifier", "result"},
	)

	// Lifecycle
	SessionsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_sessions_abandoned_total",
			Help: "Ingestion sessions closed by the cleanup worker",
		},
	)

	StaleStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_streams_stale",
			Help: "Streams whose latest reading is older than the freshness threshold",
		},
	)

	// MQTT
	MQTTMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_mqtt_messages_total",
			Help: "MQTT ingest messages by disposition",
		},
		[]string{"disposition"},
	)

	BrokerUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_broker_up",
			Help: "1 when the embedded broker component (server or a stream) is healthy",
		},
		[]string{"component"},
	)

	// HTTP
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_circuit_breaker_requests_total",
			Help: "Requests through a circuit breaker by result (success, failure, rejected)",
		},
		[]string{"name", "result"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordReadingOutcome counts one per-reading outcome.
func RecordReadingOutcome(protocol, outcome, reason string) {
	IngestReadings.WithLabelValues(protocol, outcome).Inc()
	if reason != "" {
		IngestRejections.WithLabelValues(reason).Inc()
	}
}

func RecordBatch(protocol, state string, d time.Duration) {
	IngestBatchDuration.WithLabelValues(protocol, state).Observe(d.Seconds())
}

func RecordAdmissionRejected(limiter string) {
	AdmissionRejected.WithLabelValues(limiter).Inc()
}

func RecordIdempotency(duplicate bool) {
	if duplicate {
		IdempotencyChecks.WithLabelValues("duplicate").Inc()
		return
	}
	IdempotencyChecks.WithLabelValues("fresh").Inc()
}

// RecordHandoff records n events handed off by consumer up to position.
// committedAt is the ingest time of the newest event.
func RecordHandoff(consumer string, n int, position uint64, committedAt time.Time) {
	ChangeFeedEvents.WithLabelValues(consumer).Add(float64(n))
	ChangeFeedPosition.WithLabelValues(consumer).Set(float64(position))
	if !committedAt.IsZero() {
		ChangeFeedLag.WithLabelValues(consumer).Set(time.Since(committedAt).Seconds())
	}
}

func RecordChangeFeedError(consumer, stage string) {
	ChangeFeedErrors.WithLabelValues(consumer, stage).Inc()
}

func RecordPush(ok bool) {
	DispatchPushes.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func RecordAlertTransition(transition, severity string) {
	AlertTransitions.WithLabelValues(transition, severity).Inc()
}

func RecordNotification(notifier string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	AlertNotifications.WithLabelValues(notifier, result).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func RecordBreakerTransition(name string, from, to gobreaker.State) {
	CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
	CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// RecordBreakerResult classifies the outcome of one call through a breaker.
func RecordBreakerResult(name string, err error) {
	switch {
	case err == nil:
		CircuitBreakerRequests.WithLabelValues(name, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		CircuitBreakerRequests.WithLabelValues(name, "rejected").Inc()
	default:
		CircuitBreakerRequests.WithLabelValues(name, "failure").Inc()
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func RecordAPIRequest(method, route string, status int, d time.Duration) {
	APIRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
