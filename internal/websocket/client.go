// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package websocket

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/canopy/internal/logging"
)

// Client is a middleman between the websocket connection and the hub
type Client struct {
	// id is the connection ID used as the registry key. UUIDv7 keeps IDs
	// ordered by connect time for deterministic broadcast order.
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewClient creates a new Client with a fresh connection ID
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Client{
		id:   id.String(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.cfg.SendBuffer),
	}
}

// ID returns the client's connection ID
func (c *Client) ID() string {
	return c.id
}

// reply queues a control frame. A full buffer drops the reply; the client
// is about to be disconnected by the next targeted send anyway.
func (c *Client) reply(msg Message) {
	_ = c.hub.Send(c.id, mustEncode(msg))
}

// handle applies one client message.
func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})

	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		streamID := strings.TrimSpace(msg.StreamID)
		if streamID == "" || len(streamID) > maxStreamIDLength {
			c.reply(Message{Type: MessageTypeError, Data: errorData{Message: "streamId is required and must be at most 128 characters"}})
			return
		}
		if msg.Type == MessageTypeSubscribe {
			if !c.hub.subscribe(c, streamID) {
				return
			}
			c.reply(Message{Type: MessageTypeSubscribed, Data: streamAck{StreamID: streamID}})
			return
		}
		c.hub.reg.Unsubscribe(c.id, streamID)
		c.reply(Message{Type: MessageTypeUnsubscribed, Data: streamAck{StreamID: streamID}})

	default:
		c.reply(Message{Type: MessageTypeError, Data: errorData{Message: "unknown message type"}})
	}
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close() // Explicitly ignore error - best-effort cleanup
	}()

	pongWait := c.hub.cfg.PongWait
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Str("conn_id", c.id).Msg("unexpected websocket close")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(Message{Type: MessageTypeError, Data: errorData{Message: "malformed message"}})
			continue
		}
		c.handle(msg)
	}
}

// writePump pumps frames from the hub to the websocket connection
func (c *Client) writePump() {
	pingPeriod := (c.hub.cfg.PongWait * 9) / 10
	writeWait := c.hub.cfg.WriteWait
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.remove(c)
		_ = c.conn.Close() // Explicitly ignore error - best-effort cleanup
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Debug().Err(err).Str("conn_id", c.id).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
