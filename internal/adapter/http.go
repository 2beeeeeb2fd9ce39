// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/validation"
)

// HTTPContext is what the HTTP layer knows about a request besides its body.
type HTTPContext struct {
	SiteID string
	// HeaderKey is the Idempotency-Key request header, if any.
	HeaderKey  string
	RemoteAddr string
	ReceivedAt time.Time
}

// HTTPAdapter decodes POST /sites/{siteId}/ingest bodies.
type HTTPAdapter struct {
	maxReadings int
}

// NewHTTPAdapter returns an adapter accepting at most maxReadings per batch.
func NewHTTPAdapter(maxReadings int) *HTTPAdapter {
	return &HTTPAdapter{maxReadings: maxReadings}
}

// Ingest decodes payload. The site comes from the URL, never the body.
func (a *HTTPAdapter) Ingest(payload []byte, pc HTTPContext) (*models.IngestBatch, error) {
	var body batchBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, malformed(models.ProtocolHTTP, err)
	}
	if verr := validation.ValidateStruct(&body); verr != nil {
		return nil, invalid(models.ProtocolHTTP, verr)
	}
	if body.EquipmentID == "" {
		return nil, &AdapterError{Protocol: models.ProtocolHTTP, Code: CodeValidation, Message: "equipmentId is required"}
	}
	if err := checkSize(models.ProtocolHTTP, len(body.Readings), a.maxReadings); err != nil {
		return nil, err
	}

	protocol := models.ProtocolHTTP
	if body.Protocol != "" {
		protocol = models.Protocol(body.Protocol)
	}

	key := body.IdempotencyKey
	if key == "" {
		key = pc.HeaderKey
	}
	if key == "" {
		sum := sha256.Sum256(payload)
		key = "sha256:" + hex.EncodeToString(sum[:])
	}

	received := pc.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	batch := &models.IngestBatch{
		SiteID:         pc.SiteID,
		EquipmentID:    body.EquipmentID,
		Protocol:       protocol,
		IdempotencyKey: key,
		Readings:       body.Readings,
		ReceivedAt:     received,
		Source:         pc.RemoteAddr,
	}
	if err := checkKeys(batch); err != nil {
		return nil, err
	}
	return batch, nil
}
