// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package websocket

import (
	"errors"

	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/models"
)

// Message types for WebSocket communication
const (
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypeReading      = "reading"
	MessageTypeAlert        = "alert"
	MessageTypeError        = "error"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// maxStreamIDLength bounds the stream IDs a client may subscribe to.
const maxStreamIDLength = 128

var (
	// ErrConnectionClosed is returned by Send for a connection the hub no
	// longer holds.
	ErrConnectionClosed = errors.New("websocket: connection closed")

	// ErrSlowConsumer is returned by Send when the connection's send buffer
	// is full.
	ErrSlowConsumer = errors.New("websocket: send buffer full")
)

// Message is a server to client frame.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ClientMessage is a client to server frame.
type ClientMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId,omitempty"`
}

type streamAck struct {
	StreamID string `json:"streamId"`
}

type errorData struct {
	Message string `json:"message"`
}

// MarshalMessage converts a message to JSON
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodeReading builds the reading frame for ev. The frame is encoded once
// and shared by every subscriber.
func EncodeReading(ev models.ReadingEvent) ([]byte, error) {
	return MarshalMessage(Message{Type: MessageTypeReading, Data: ev})
}

// EncodeAlert builds the alert frame for an instance transition.
func EncodeAlert(inst *models.AlertInstance) ([]byte, error) {
	return MarshalMessage(Message{Type: MessageTypeAlert, Data: inst})
}

func mustEncode(msg Message) []byte {
	b, err := MarshalMessage(msg)
	if err != nil {
		// Only server-defined payloads reach here.
		panic(err)
	}
	return b
}
