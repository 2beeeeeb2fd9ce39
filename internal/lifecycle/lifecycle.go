// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package lifecycle holds the periodic housekeeping workers: closing
// sessions abandoned by a crash, exporting subscription counts, flagging
// streams that stopped reporting, and reclaiming storage.
//
// Every worker is a suture.Service. A pass that fails is logged and retried
// on the next tick; only context cancellation ends Serve.
package lifecycle

import (
	"context"
	"time"
)

// every calls fn immediately and then once per interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}
