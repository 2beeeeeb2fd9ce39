// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
)

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	URL       string
	Headers   map[string]string
	Timeout   time.Duration
	PerMinute int
	QueueSize int
}

// WebhookPayload is the JSON body posted for each transition.
type WebhookPayload struct {
	EventType  string     `json:"event_type"` // alert_opened, alert_acknowledged, alert_closed
	Transition Transition `json:"transition"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"`
}

// WebhookNotifier queues transitions and posts them from its own goroutine
// so a slow endpoint never stalls evaluation. Posts are paced by a token
// bucket and guarded by a circuit breaker.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]
	queue   chan Transition
}

const webhookBreaker = "alert-webhook"

// NewWebhookNotifier creates a webhook notifier. Call Serve to start
// delivery.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	metrics.CircuitBreakerState.WithLabelValues(webhookBreaker).Set(0)

	return &WebhookNotifier{
		url:     cfg.URL,
		headers: headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), 1),
		queue:   make(chan Transition, cfg.QueueSize),
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        webhookBreaker,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("[CIRCUIT BREAKER] State transition")
				metrics.RecordBreakerTransition(name, from, to)
			},
		}),
	}
}

// Name returns the notifier name.
func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// Notify queues t. A full queue drops the transition.
func (n *WebhookNotifier) Notify(_ context.Context, t Transition) {
	select {
	case n.queue <- t:
	default:
		metrics.RecordNotification(n.Name(), errors.New("queue full"))
		logging.Warn().Str("alert_id", t.Instance.ID).Str("transition", t.Type).Msg("Webhook queue full, dropping alert notification")
	}
}

// Serve implements suture.Service.
func (n *WebhookNotifier) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			err := n.Send(ctx, t)
			metrics.RecordNotification(n.Name(), err)
			if err != nil {
				logging.Warn().Err(err).Str("alert_id", t.Instance.ID).Str("transition", t.Type).Msg("Alert webhook delivery failed")
			}
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (n *WebhookNotifier) String() string {
	return "alert-webhook"
}

// Send posts t through the circuit breaker.
func (n *WebhookNotifier) Send(ctx context.Context, t Transition) error {
	_, err := n.cb.Execute(func() (struct{}, error) {
		return struct{}{}, n.post(ctx, t)
	})
	metrics.RecordBreakerResult(webhookBreaker, err)
	return err
}

func (n *WebhookNotifier) post(ctx context.Context, t Transition) error {
	body, err := json.Marshal(WebhookPayload{
		EventType:  "alert_" + t.Type,
		Transition: t,
		Timestamp:  time.Now().UTC(),
		Source:     "canopy",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
