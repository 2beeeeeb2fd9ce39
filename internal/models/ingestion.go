// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package models

import "time"

// Outcome is the definitive per-reading result returned to the caller.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Rejection reasons recorded on IngestionError rows and returned to callers.
const (
	ReasonInvalidValue     = "invalid value"
	ReasonOutOfRange       = "out of range"
	ReasonUnknownUnit      = "unknown unit"
	ReasonUnitMismatch     = "unit mismatch"
	ReasonStreamNotFound   = "stream not found"
	ReasonInvalidStreamKey = "invalid stream key"
	ReasonFutureTimestamp  = "timestamp in future"
	ReasonStaleTimestamp   = "timestamp too old"
	ReasonStoreUnavailable = "store unavailable"
	ReasonInvalidKey       = "invalid idempotency key"
)

// ReadingResult is the outcome of one reading within a batch.
type ReadingResult struct {
	Index     int     `json:"index"`
	StreamKey string  `json:"streamKey"`
	StreamID  string  `json:"streamId,omitempty"`
	Status    Outcome `json:"status"`
	Reason    string  `json:"reason,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

// SessionState tracks an IngestionSession through its lifecycle.
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionClosed    SessionState = "closed"
	SessionRejected  SessionState = "rejected"
	SessionAbandoned SessionState = "abandoned"
)

// IngestionSession is one adapter batch. A session left open past the
// cleanup age means the process died mid-batch.
//
// ReservedKeys lists the idempotency keys the session may hold while its
// readings are not yet committed. It is cleared when the session closes.
type IngestionSession struct {
	ID             string       `json:"id"`
	SiteID         string       `json:"siteId"`
	EquipmentID    string       `json:"equipmentId"`
	Protocol       Protocol     `json:"protocol"`
	IdempotencyKey string       `json:"idempotencyKey"`
	StartedAt      time.Time    `json:"startedAt"`
	ClosedAt       *time.Time   `json:"closedAt,omitempty"`
	State          SessionState `json:"state"`
	Stage          string       `json:"stage"`
	Accepted       int          `json:"accepted"`
	Duplicates     int          `json:"duplicates"`
	Rejected       int          `json:"rejected"`
	ReservedKeys   []string     `json:"reservedKeys,omitempty"`
}

// IngestionError is an append-only record of one rejected reading.
type IngestionError struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	ReadingIndex int       `json:"readingIndex"`
	RawPayload   string    `json:"rawPayload"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// BatchResult is the synchronous response to an ingest call.
type BatchResult struct {
	SessionID  string          `json:"sessionId"`
	State      string          `json:"state"`
	Accepted   int             `json:"accepted"`
	Duplicates int             `json:"duplicates"`
	Rejected   int             `json:"rejected"`
	Readings   []ReadingResult `json:"readings"`
}
