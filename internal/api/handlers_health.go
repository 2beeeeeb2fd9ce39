// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
)

// HealthLive reports that the process is up, regardless of dependencies.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, models.HealthStatus{
		Status: "alive",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	})
}

// HealthReady returns 200 only after startup completed and while the store
// answers. The store ping goes through a circuit breaker so a dead store is
// not hammered by probes.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{"startup": "complete", "store": "ok"}
	ready := true

	if !h.ready.Load() {
		components["startup"] = "pending"
		ready = false
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	_, err := h.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, h.deps.Store.Ping(ctx)
	})
	metrics.RecordBreakerResult(storeBreaker, err)
	if err != nil {
		components["store"] = err.Error()
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondData(w, r, code, models.HealthStatus{
		Status:     status,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Components: components,
	})
}
