// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/canopy/internal/alerting"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/store"
)

// SessionDetail is the audit view of one batch.
type SessionDetail struct {
	Session *models.IngestionSession `json:"session"`
	Errors  []*models.IngestionError `json:"errors"`
}

// Session handles GET /sites/{siteId}/sessions/{sessionId}. A session of
// another site is reported as not found.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteId")
	sessionID := chi.URLParam(r, "sessionId")

	sess, err := h.deps.Sessions.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.SiteID != siteID) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "session not found", nil)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not load session", err)
		return
	}
	errs, err := h.deps.Sessions.ListErrors(r.Context(), sessionID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not load session errors", err)
		return
	}
	if errs == nil {
		errs = []*models.IngestionError{}
	}
	respondData(w, r, http.StatusOK, SessionDetail{Session: sess, Errors: errs})
}

// Alerts handles GET /sites/{siteId}/alerts?state=open.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	state := models.AlertState(r.URL.Query().Get("state"))
	switch state {
	case "", models.AlertOpen, models.AlertAcknowledged, models.AlertClosed:
	default:
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "state must be open, acknowledged or closed", nil)
		return
	}

	list, err := h.deps.Alerts.List(r.Context(), chi.URLParam(r, "siteId"), state)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not list alerts", err)
		return
	}
	if list == nil {
		list = []*models.AlertInstance{}
	}
	respondData(w, r, http.StatusOK, list)
}

// AcknowledgeAlert handles POST /alerts/{alertId}/ack.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	inst, err := h.deps.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "alertId"))
	if errors.Is(err, alerting.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "alert not found", nil)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not acknowledge alert", err)
		return
	}
	if inst.State == models.AlertClosed {
		respondError(w, r, http.StatusConflict, ErrCodeConflict, "alert is already closed", nil)
		return
	}
	respondData(w, r, http.StatusOK, inst)
}

// SubscriptionSnapshot handles GET /subscriptions/snapshot.
func (h *Handler) SubscriptionSnapshot(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, h.deps.Subscriptions.Snapshot())
}
