// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/registry"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled is the normal graceful shutdown path.
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline may indicate a hung operation during shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Hub owns every live connection and routes frames to them.
type Hub struct {
	clients   map[string]*Client
	broadcast chan []byte
	reg       *registry.Registry
	cfg       config.WebSocketConfig
	mu        sync.RWMutex
}

// NewHub creates a hub whose clients subscribe through reg.
func NewHub(reg *registry.Registry, cfg config.WebSocketConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 * 1024
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Hub{
		clients:   make(map[string]*Client),
		broadcast: make(chan []byte, 256),
		reg:       reg,
		cfg:       cfg,
	}
}

// Attach wraps an upgraded connection in a Client, registers it and starts
// its pumps. Registration is synchronous so the client can be addressed
// before its first subscribe message is read.
func (h *Hub) Attach(conn *websocket.Conn) *Client {
	client := NewClient(h, conn)
	h.register(client)
	client.Start()
	return client
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	n := len(h.clients)
	h.mu.Unlock()

	h.reg.Register(client.id)
	metrics.ActiveConnections.Set(float64(n))
	logging.Debug().Str("conn_id", client.id).Int("total_clients", n).Msg("websocket client connected")
}

// remove drops the client and every subscription it held. It is safe to
// call more than once.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	close(client.send)
	n := len(h.clients)
	h.mu.Unlock()

	streams := h.reg.RemoveConnection(client.id)
	metrics.ActiveConnections.Set(float64(n))
	logging.Debug().
		Str("conn_id", client.id).
		Int("subscriptions_dropped", len(streams)).
		Int("total_clients", n).
		Msg("websocket client disconnected")
}

// subscribe adds a subscription for client if it is still connected. The
// read lock orders it against remove, so a subscribe racing a disconnect
// either lands before RemoveConnection or not at all.
func (h *Hub) subscribe(client *Client, streamID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client.id] != client {
		return false
	}
	h.reg.Subscribe(client.id, streamID)
	return true
}

// Send queues frame for connID without blocking. It returns
// ErrConnectionClosed for an unknown connection and ErrSlowConsumer when
// the connection's buffer is full.
func (h *Hub) Send(connID string, frame []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return ErrConnectionClosed
	}
	select {
	case client.send <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Disconnect closes connID. The registry entry is removed with it.
func (h *Hub) Disconnect(connID string) {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		h.remove(client)
	}
}

// RunWithContext drains the broadcast channel until ctx is done, then
// closes every client. It returns ctx.Err().
//
// DETERMINISM: shutdown is checked before each broadcast so a canceled hub
// never delivers another frame.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case frame := <-h.broadcast:
			h.broadcastToClients(frame)
		}
	}
}

// Serve implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	return h.RunWithContext(ctx)
}

// String implements fmt.Stringer for suture logging.
func (h *Hub) String() string {
	return "websocket-hub"
}

func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()

	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ShutdownReasonContextDeadline
	default:
		return ShutdownReasonContextCanceled
	}
}

// sortedClients returns the clients ordered by ID. h.mu must be held.
// DETERMINISM: map iteration order would otherwise make delivery order
// vary between runs.
func (h *Hub) sortedClients() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	return clients
}

// broadcastToClients sends frame to every client. Clients whose buffers are
// full are removed.
func (h *Hub) broadcastToClients(frame []byte) {
	h.mu.RLock()
	var toRemove []*Client
	for _, client := range h.sortedClients() {
		select {
		case client.send <- frame:
		default:
			toRemove = append(toRemove, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range toRemove {
		logging.Warn().Str("conn_id", client.id).Msg("websocket client too slow for broadcast, disconnecting")
		h.remove(client)
	}
}

func (h *Hub) closeAllClients() {
	h.mu.RLock()
	clients := h.sortedClients()
	h.mu.RUnlock()

	for _, client := range clients {
		h.remove(client)
	}
}

// BroadcastAlert queues an alert transition for every connected client.
func (h *Hub) BroadcastAlert(inst *models.AlertInstance) {
	frame, err := EncodeAlert(inst)
	if err != nil {
		logging.Error().Err(err).Str("alert_id", inst.ID).Msg("failed to encode alert frame")
		return
	}
	select {
	case h.broadcast <- frame:
	default:
		logging.Warn().Str("alert_id", inst.ID).Msg("broadcast channel full, dropping alert message")
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
