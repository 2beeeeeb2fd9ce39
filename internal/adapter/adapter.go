// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package adapter turns protocol payloads into canonical IngestBatches.
//
// An adapter parses its wire format, maps device identifiers onto
// (siteId, equipmentId), attaches its protocol tag, and settles the batch
// idempotency key. It never touches the store; the result goes to the
// ingest orchestrator.
//
//   - HTTP: the client supplies the key in the body or the Idempotency-Key
//     header. Without one the key is the SHA-256 of the body, so a byte
//     identical retry is still recognized.
//   - MQTT: the key is derived from the topic and the broker message id.
//   - Simulation: each reading is keyed by its stream and its generation
//     time truncated to the tick, so replaying a tick is a duplicate.
package adapter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/canopy/internal/idempotency"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/validation"
)

// ErrEmptyBatch is returned for a payload carrying no readings.
var ErrEmptyBatch = errors.New("adapter: batch has no readings")

// Error codes carried by AdapterError.
const (
	CodeMalformed     = "MALFORMED_PAYLOAD"
	CodeValidation    = "VALIDATION_ERROR"
	CodeEmptyBatch    = "EMPTY_BATCH"
	CodeBatchTooLarge = "BATCH_TOO_LARGE"
	CodeUnroutable    = "UNROUTABLE"
)

// AdapterError rejects a whole payload before it reaches the orchestrator.
// It is permanent: resending the same payload fails the same way.
type AdapterError struct {
	Protocol models.Protocol
	Code     string
	Message  string
	Fields   []validation.FieldError
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s adapter: %s: %v", e.Protocol, e.Message, e.Err)
	}
	return fmt.Sprintf("%s adapter: %s", e.Protocol, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// AsAdapterError unwraps an *AdapterError.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	ok := errors.As(err, &ae)
	return ae, ok
}

// checkKeys rejects a batch whose resolved keys the idempotency service
// would refuse, so the client gets a 400 instead of every reading being
// rejected one by one.
func checkKeys(b *models.IngestBatch) error {
	scope := b.Scope()
	for i := range b.Readings {
		if err := idempotency.ValidateKey(models.ReadingKey(b.IdempotencyKey, i, &b.Readings[i]), scope); err != nil {
			return &AdapterError{
				Protocol: b.Protocol,
				Code:     CodeValidation,
				Message: fmt.Sprintf("idempotency key for reading %d must be 1-%d bytes without control separators",
					i, idempotency.MaxKeyLength),
				Err: err,
			}
		}
	}
	return nil
}

func malformed(p models.Protocol, err error) *AdapterError {
	return &AdapterError{Protocol: p, Code: CodeMalformed, Message: "payload is not a valid batch", Err: err}
}

func emptyBatch(p models.Protocol) *AdapterError {
	return &AdapterError{Protocol: p, Code: CodeEmptyBatch, Message: "batch has no readings", Err: ErrEmptyBatch}
}

func tooLarge(p models.Protocol, n, limit int) *AdapterError {
	return &AdapterError{
		Protocol: p,
		Code:     CodeBatchTooLarge,
		Message:  fmt.Sprintf("batch has %d readings, limit is %d", n, limit),
	}
}

func invalid(p models.Protocol, verr *validation.RequestValidationError) *AdapterError {
	return &AdapterError{Protocol: p, Code: CodeValidation, Message: verr.Error(), Fields: verr.Fields}
}

// batchBody is the shared JSON batch schema of the HTTP and MQTT adapters.
// Readings are checked one by one downstream, so a bad reading never fails
// the batch here.
type batchBody struct {
	EquipmentID    string              `json:"equipmentId" validate:"omitempty,identifier"`
	Protocol       string              `json:"protocol,omitempty" validate:"omitempty,oneof=http mqtt simulation"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty" validate:"omitempty,max=256"`
	Readings       []models.RawReading `json:"readings"`
}

func checkSize(p models.Protocol, n, limit int) error {
	if n == 0 {
		return emptyBatch(p)
	}
	if limit > 0 && n > limit {
		return tooLarge(p, n, limit)
	}
	return nil
}

// canonicalStreamKey renders a stream key as "type:channel" when it
// parses, so "CO2" and "co2:0" name the same stream in derived keys.
func canonicalStreamKey(key string) string {
	st, ch, err := models.ParseStreamKey(key)
	if err != nil {
		return strings.TrimSpace(key)
	}
	return string(st) + ":" + ch
}
