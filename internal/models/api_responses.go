// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package models

import "time"

// APIResponse is the envelope for every JSON response of the HTTP API.
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// APIError carries a stable machine-readable Code alongside the message.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// TelemetrySubscriptionSnapshot is a point-in-time view of the live
// subscription registry. It is derived on demand and never persisted.
type TelemetrySubscriptionSnapshot struct {
	CapturedAt         time.Time      `json:"capturedAt"`
	TotalConnections   int            `json:"totalConnections"`
	TotalSubscriptions int            `json:"totalSubscriptions"`
	Streams            map[string]int `json:"streams"`
}

// HealthStatus is returned by the liveness and readiness endpoints.
type HealthStatus struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}
