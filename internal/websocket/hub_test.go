// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package websocket

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/registry"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

func newTestHub(buffer int) (*Hub, *registry.Registry) {
	reg := registry.New(4)
	return NewHub(reg, config.WebSocketConfig{SendBuffer: buffer}), reg
}

// createTestClient registers a client with no connection behind it.
func createTestClient(hub *Hub, id string) *Client {
	c := &Client{id: id, hub: hub, send: make(chan []byte, hub.cfg.SendBuffer)}
	hub.register(c)
	return c
}

func TestHubSendTargetsOneClient(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(4)
	a := createTestClient(hub, "a")
	b := createTestClient(hub, "b")

	if err := hub.Send("a", []byte("frame")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := string(<-a.send); got != "frame" {
		t.Errorf("a received %q", got)
	}
	if len(b.send) != 0 {
		t.Error("b received a frame addressed to a")
	}
}

func TestHubSendErrors(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(1)
	createTestClient(hub, "a")

	if err := hub.Send("ghost", []byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("unknown connection: %v", err)
	}
	if err := hub.Send("a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := hub.Send("a", []byte("2")); !errors.Is(err, ErrSlowConsumer) {
		t.Errorf("full buffer: %v", err)
	}
}

func TestHubDisconnectDropsSubscriptions(t *testing.T) {
	t.Parallel()
	hub, reg := newTestHub(4)
	c := createTestClient(hub, "a")
	reg.Subscribe("a", "stream-1")
	reg.Subscribe("a", "stream-2")

	hub.Disconnect("a")
	hub.Disconnect("a")

	if _, ok := <-c.send; ok {
		t.Error("send channel still open after disconnect")
	}
	if hub.GetClientCount() != 0 {
		t.Errorf("clients = %d", hub.GetClientCount())
	}
	if subs := reg.Subscribers("stream-1"); len(subs) != 0 {
		t.Errorf("stream-1 subscribers = %v", subs)
	}
	if err := hub.Send("a", []byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after disconnect = %v", err)
	}
}

func TestSubscribeAfterDisconnectIsDropped(t *testing.T) {
	t.Parallel()
	hub, reg := newTestHub(4)
	c := createTestClient(hub, "a")
	c.handle(ClientMessage{Type: MessageTypeSubscribe, StreamID: "stream-1"})
	<-c.send

	// A frame still queued in the read loop when the hub drops the client.
	hub.Disconnect("a")
	c.handle(ClientMessage{Type: MessageTypeSubscribe, StreamID: "stream-2"})

	if subs := reg.Subscribers("stream-2"); len(subs) != 0 {
		t.Errorf("stream-2 subscribers = %v", subs)
	}
	if subs := reg.Subscribers("stream-1"); len(subs) != 0 {
		t.Errorf("stream-1 subscribers = %v", subs)
	}
}

func TestHubBroadcastAlertReachesEveryClient(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(4)
	a := createTestClient(hub, "a")
	b := createTestClient(hub, "b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()

	hub.BroadcastAlert(&models.AlertInstance{ID: "al-1", RuleID: "co2-high", StreamID: "s1", State: models.AlertOpen})

	for _, c := range []*Client{a, b} {
		select {
		case frame := <-c.send:
			var msg struct {
				Type string               `json:"type"`
				Data models.AlertInstance `json:"data"`
			}
			if err := json.Unmarshal(frame, &msg); err != nil {
				t.Fatal(err)
			}
			if msg.Type != MessageTypeAlert || msg.Data.ID != "al-1" {
				t.Errorf("client %s got %+v", c.id, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %s received nothing", c.id)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("RunWithContext = %v", err)
	}
	if hub.GetClientCount() != 0 {
		t.Error("clients left open after shutdown")
	}
}

func TestHubBroadcastRemovesSlowClient(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(1)
	slow := createTestClient(hub, "slow")
	slow.send <- []byte("backlog")
	fast := createTestClient(hub, "fast")

	hub.broadcastToClients([]byte("alert"))

	if got := string(<-fast.send); got != "alert" {
		t.Errorf("fast got %q", got)
	}
	if hub.GetClientCount() != 1 {
		t.Errorf("clients = %d, want slow client removed", hub.GetClientCount())
	}
}

func TestGetShutdownReason(t *testing.T) {
	t.Parallel()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()

	if got := getShutdownReason(canceled); got != ShutdownReasonContextCanceled {
		t.Errorf("canceled = %s", got)
	}
	if got := getShutdownReason(expired); got != ShutdownReasonContextDeadline {
		t.Errorf("deadline = %s", got)
	}
}
