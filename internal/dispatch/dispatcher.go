// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package dispatch pushes committed readings to live subscribers.
//
// The dispatcher is the "fanout" change-feed consumer. For each committed
// reading it looks up the stream's subscribers in the registry and hands
// one shared frame to the transport per connection. A connection that
// cannot take the frame is removed from the registry and disconnected;
// delivery to the other subscribers continues.
package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/registry"
	"github.com/tomtom215/canopy/internal/store"
	"github.com/tomtom215/canopy/internal/websocket"
)

// Transport delivers encoded frames to individual connections.
// Send must not block.
type Transport interface {
	Send(connID string, frame []byte) error
	Disconnect(connID string)
}

// Dispatcher routes reading events to subscribed connections.
type Dispatcher struct {
	reg       *registry.Registry
	transport Transport
	log       zerolog.Logger
}

// New returns a dispatcher over reg and transport.
func New(reg *registry.Registry, transport Transport) *Dispatcher {
	return &Dispatcher{
		reg:       reg,
		transport: transport,
		log:       logging.WithComponent("dispatch"),
	}
}

// Push delivers ev to every connection subscribed to streamID and returns
// the number of successful deliveries. Failed connections are removed.
func (d *Dispatcher) Push(streamID string, ev models.ReadingEvent) int {
	subscribers := d.reg.Subscribers(streamID)
	if len(subscribers) == 0 {
		return 0
	}

	frame, err := websocket.EncodeReading(ev)
	if err != nil {
		d.log.Error().Err(err).Str("stream_id", streamID).Msg("Failed to encode reading frame")
		return 0
	}

	delivered := 0
	for _, connID := range subscribers {
		if err := d.transport.Send(connID, frame); err != nil {
			metrics.RecordPush(false)
			d.log.Debug().
				Err(err).
				Str("conn_id", connID).
				Str("stream_id", streamID).
				Msg("Push failed, removing connection")
			d.reg.RemoveConnection(connID)
			d.transport.Disconnect(connID)
			continue
		}
		metrics.RecordPush(true)
		delivered++
	}
	return delivered
}

// Handle implements changefeed.Handler. Events are pushed in commit order;
// per-connection failures are absorbed, so Handle never asks for a retry.
func (d *Dispatcher) Handle(ctx context.Context, events []store.ChangeEvent) error {
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.Push(ev.Reading.StreamID, models.EventFromReading(&ev.Reading))
	}
	return nil
}
