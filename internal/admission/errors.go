// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package admission gates protocol adapters before any ingestion work is
// done. Two limiters are composed and both must admit: a segmented sliding
// window and a token bucket. Each has a bounded oldest-first queue, and a
// rejection always carries a positive retry hint.
package admission

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned once the controller has stopped accepting work.
var ErrClosed = errors.New("admission: controller closed")

// ErrTooManyPermits is returned when a single request asks for more permits
// than the limiter could ever grant.
var ErrTooManyPermits = errors.New("admission: permits exceed limiter capacity")

// RateLimitedError is the structured rejection signal. Callers should retry
// after RetryAfter; it is never an application error.
type RateLimitedError struct {
	Limiter    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %s", e.Limiter, e.RetryAfter)
}

// RetryAfter extracts the retry hint from err, if err is a rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// minRetryAfter keeps hints strictly positive even at segment boundaries.
const minRetryAfter = time.Millisecond

func rejection(limiter string, d time.Duration) *RateLimitedError {
	if d < minRetryAfter {
		d = minRetryAfter
	}
	return &RateLimitedError{Limiter: limiter, RetryAfter: d}
}
