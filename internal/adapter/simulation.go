// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package adapter

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/validation"
)

// SimulationTick is the payload of one simulator tick.
type SimulationTick struct {
	SimulatorID string              `json:"simulatorId" validate:"required,identifier"`
	EquipmentID string              `json:"equipmentId" validate:"required,identifier"`
	GeneratedAt time.Time           `json:"generatedAt" validate:"required"`
	Readings    []models.RawReading `json:"readings"`
}

// SimulationContext carries the site and the tick length the simulator
// runs at.
type SimulationContext struct {
	SiteID     string
	Tick       time.Duration
	ReceivedAt time.Time
}

// SimulationAdapter decodes simulator ticks.
type SimulationAdapter struct {
	maxReadings int
}

func NewSimulationAdapter(maxReadings int) *SimulationAdapter {
	return &SimulationAdapter{maxReadings: maxReadings}
}

// Ingest decodes a tick and keys every reading by stream and tick slot.
func (a *SimulationAdapter) Ingest(payload []byte, sc SimulationContext) (*models.IngestBatch, error) {
	var tick SimulationTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return nil, malformed(models.ProtocolSimulation, err)
	}
	if verr := validation.ValidateStruct(&tick); verr != nil {
		return nil, invalid(models.ProtocolSimulation, verr)
	}
	if err := checkSize(models.ProtocolSimulation, len(tick.Readings), a.maxReadings); err != nil {
		return nil, err
	}
	if sc.Tick <= 0 {
		return nil, &AdapterError{Protocol: models.ProtocolSimulation, Code: CodeValidation, Message: "tick interval must be positive"}
	}

	slot := tick.GeneratedAt.UTC().Truncate(sc.Tick)
	readings := make([]models.RawReading, len(tick.Readings))
	for i, r := range tick.Readings {
		generated := r.Timestamp
		if generated.IsZero() {
			generated = tick.GeneratedAt
			r.Timestamp = generated
		}
		r.IdempotencyKey = SimulationKey(r.StreamKey, generated, sc.Tick)
		readings[i] = r
	}

	received := sc.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	return &models.IngestBatch{
		SiteID:         sc.SiteID,
		EquipmentID:    tick.EquipmentID,
		Protocol:       models.ProtocolSimulation,
		IdempotencyKey: fmt.Sprintf("%s@%d", tick.SimulatorID, slot.UnixMilli()),
		Readings:       readings,
		ReceivedAt:     received,
		Source:         tick.SimulatorID,
	}, nil
}

// SimulationKey is the idempotency key of a simulated reading: its stream
// and generation time truncated to the tick.
func SimulationKey(streamKey string, generated time.Time, tick time.Duration) string {
	slot := generated.UTC().Truncate(tick)
	return canonicalStreamKey(streamKey) + "@" + strconv.FormatInt(slot.UnixMilli(), 10)
}
