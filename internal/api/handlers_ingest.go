// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/canopy/internal/adapter"
	"github.com/tomtom215/canopy/internal/admission"
	"github.com/tomtom215/canopy/internal/ingest"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
)

// IdempotencyKeyHeader may carry the batch key instead of the body field.
const IdempotencyKeyHeader = "Idempotency-Key"

// Ingest handles POST /sites/{siteId}/ingest.
//
// 202 carries the per-reading outcomes. 429 carries Retry-After. 400 means
// the payload itself can never be accepted; 503 means a store failure
// rejected the batch or the server is draining, and a retry with the same
// key is safe.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	batch, err := h.deps.HTTPAdapter.Ingest(body, adapter.HTTPContext{
		SiteID:     chi.URLParam(r, "siteId"),
		HeaderKey:  r.Header.Get(IdempotencyKeyHeader),
		RemoteAddr: r.RemoteAddr,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		respondAdapterError(w, r, err)
		return
	}
	h.process(w, r, batch)
}

// Simulate handles POST /sites/{siteId}/simulate with one simulator tick.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Simulation == nil {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "simulation ingest is disabled", nil)
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	batch, err := h.deps.Simulation.Ingest(body, adapter.SimulationContext{
		SiteID:     chi.URLParam(r, "siteId"),
		Tick:       h.deps.SimulationTick,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		respondAdapterError(w, r, err)
		return
	}
	h.process(w, r, batch)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.deps.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, r, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large", nil)
			return nil, false
		}
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "could not read request body", err)
		return nil, false
	}
	return body, true
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, batch *models.IngestBatch) {
	ctx := logging.ContextWithSite(r.Context(), batch.SiteID)
	result, err := h.deps.Processor.Process(ctx, batch)
	if err == nil {
		respondData(w, r, http.StatusAccepted, result)
		return
	}

	if retry, limited := admission.RetryAfter(err); limited {
		secs := setRetryAfter(w, retry)
		respondErrorDetails(w, r, http.StatusTooManyRequests, ErrCodeTooManyRequests,
			"ingest capacity exceeded, retry later",
			map[string]interface{}{"retryAfterSeconds": secs})
		return
	}
	if errors.Is(err, ingest.ErrInvalidBatch) {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidBatch, err.Error(), nil)
		return
	}
	var stage *ingest.StageError
	if errors.As(err, &stage) {
		setRetryAfter(w, 5*time.Second)
		logging.Ctx(ctx).Error().Err(err).Str("stage", string(stage.Stage)).Str("session_id", stage.SessionID).Msg("Batch failed")
		respondErrorDetails(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable,
			"batch could not be stored, retry with the same idempotency key",
			map[string]interface{}{"sessionId": stage.SessionID, "stage": string(stage.Stage)})
		return
	}
	if errors.Is(err, admission.ErrClosed) {
		setRetryAfter(w, 5*time.Second)
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "server is shutting down, retry later", nil)
		return
	}
	respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "ingest failed", err)
}

func respondAdapterError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := adapter.AsAdapterError(err)
	if !ok {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload", err)
		return
	}
	var details map[string]interface{}
	if len(ae.Fields) > 0 {
		fields := make([]map[string]interface{}, len(ae.Fields))
		for i, f := range ae.Fields {
			fields[i] = map[string]interface{}{"field": f.Field, "tag": f.Tag, "message": f.Message}
		}
		details = map[string]interface{}{"fields": fields}
	}
	status := http.StatusBadRequest
	if ae.Code == adapter.CodeBatchTooLarge {
		status = http.StatusRequestEntityTooLarge
	}
	respondErrorDetails(w, r, status, ae.Code, ae.Message, details)
}
