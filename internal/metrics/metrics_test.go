// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordReadingOutcome(t *testing.T) {
	before := testutil.ToFloat64(IngestReadings.WithLabelValues("http", "rejected"))
	beforeReason := testutil.ToFloat64(IngestRejections.WithLabelValues("invalid value"))

	RecordReadingOutcome("http", "rejected", "invalid value")
	RecordReadingOutcome("http", "accepted", "")

	if got := testutil.ToFloat64(IngestReadings.WithLabelValues("http", "rejected")); got != before+1 {
		t.Errorf("rejected = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(IngestRejections.WithLabelValues("invalid value")); got != beforeReason+1 {
		t.Errorf("reason counter = %v, want %v", got, beforeReason+1)
	}
}

func TestRecordHandoffSetsPosition(t *testing.T) {
	before := testutil.ToFloat64(ChangeFeedEvents.WithLabelValues("test-consumer"))
	RecordHandoff("test-consumer", 3, 42, time.Now().Add(-time.Second))

	if got := testutil.ToFloat64(ChangeFeedEvents.WithLabelValues("test-consumer")); got != before+3 {
		t.Errorf("events = %v, want %v", got, before+3)
	}

	if got := testutil.ToFloat64(ChangeFeedPosition.WithLabelValues("test-consumer")); got != 42 {
		t.Errorf("position = %v, want 42", got)
	}
	if lag := testutil.ToFloat64(ChangeFeedLag.WithLabelValues("test-consumer")); lag < 1 {
		t.Errorf("lag = %v, want >= 1s", lag)
	}
}

func TestRecordNotification(t *testing.T) {
	before := testutil.ToFloat64(AlertNotifications.WithLabelValues("webhook", "error"))
	RecordNotification("webhook", errors.New("timeout"))
	if got := testutil.ToFloat64(AlertNotifications.WithLabelValues("webhook", "error")); got != before+1 {
		t.Errorf("error count = %v, want %v", got, before+1)
	}
}
