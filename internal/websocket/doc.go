// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

/*
Package websocket serves the real-time telemetry subscription protocol.

Dashboards connect, name the streams they want, and receive a reading
frame for every committed reading on those streams. The hub keeps one
Client per connection, addressed by a connection ID that is also the key
in the subscription registry.

Protocol:

Client to server:

	{"type":"subscribe","streamId":"<id>"}
	{"type":"unsubscribe","streamId":"<id>"}
	{"type":"ping"}

Server to client:

	{"type":"reading","data":{"streamId":"<id>","timestamp":"...","value":21.5,"unit":"°C"}}
	{"type":"alert","data":{...AlertInstance...}}
	{"type":"subscribed","data":{"streamId":"<id>"}}
	{"type":"unsubscribed","data":{"streamId":"<id>"}}
	{"type":"error","data":{"message":"..."}}
	{"type":"pong"}

Delivery:

Targeted frames go through Hub.Send, which never blocks: a client whose
send buffer is full is treated as gone. The dispatcher then drops the
connection from the registry and the hub closes it. Hub-wide frames
(alerts) go through the broadcast channel drained by RunWithContext.

Each client has two goroutines:
  - readPump: reads protocol messages and answers pings
  - writePump: writes queued frames and keeps the connection alive

When either pump exits the hub removes the client, which also drops every
subscription it held.

See Also:

  - internal/registry: stream and connection subscription index
  - internal/dispatch: routes committed readings to subscribers
  - internal/api: WebSocket upgrade endpoint
*/
package websocket
