// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package alerting

import (
	"context"

	"github.com/tomtom215/canopy/internal/models"
)

// Transition types.
const (
	TransitionOpened       = "opened"
	TransitionAcknowledged = "acknowledged"
	TransitionClosed       = "closed"
)

// Transition describes one instance state change.
type Transition struct {
	Type     string               `json:"type"`
	Instance models.AlertInstance `json:"instance"`
	Rule     models.AlertRule     `json:"rule"`
}

// Notifier is told about every transition. Notify is called on the
// evaluation path and must not block.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, t Transition)
}

// BroadcastFunc adapts a live-client broadcast (the WebSocket hub) to
// Notifier.
type BroadcastFunc func(inst *models.AlertInstance)

func (f BroadcastFunc) Name() string { return "websocket" }

func (f BroadcastFunc) Notify(_ context.Context, t Transition) {
	inst := t.Instance
	f(&inst)
}
