// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package alerting

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/canopy/internal/models"
)

func sampleTransition() Transition {
	return Transition{
		Type:     TransitionOpened,
		Instance: models.AlertInstance{ID: "al-1", RuleID: "greenhouse-hot", StreamID: "temp-1", State: models.AlertOpen},
		Rule:     hotGreenhouse(),
	}
}

func TestWebhookDeliversPayload(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}, PerMinute: 6000})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Serve(ctx) }()

	n.Notify(ctx, sampleTransition())

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		count := len(got)
		mu.Unlock()
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("webhook not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got[0].EventType != "alert_opened" || got[0].Transition.Instance.ID != "al-1" || got[0].Source != "canopy" {
		t.Errorf("payload = %+v", got[0])
	}
}

func TestWebhookBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
	for i := 0; i < 5; i++ {
		if err := n.Send(context.Background(), sampleTransition()); err == nil {
			t.Fatal("expected error from failing endpoint")
		}
	}
	if err := n.Send(context.Background(), sampleTransition()); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("sixth send = %v, want open breaker", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 5 {
		t.Errorf("endpoint calls = %d, want 5", calls)
	}
}

func TestWebhookNotifyDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	n := NewWebhookNotifier(WebhookConfig{URL: "http://127.0.0.1:1", QueueSize: 1})
	n.Notify(context.Background(), sampleTransition())
	n.Notify(context.Background(), sampleTransition())
	if len(n.queue) != 1 {
		t.Errorf("queue length = %d", len(n.queue))
	}
}
