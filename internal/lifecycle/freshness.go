// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
)

// LatestSource reports the newest committed reading time per stream.
type LatestSource interface {
	LatestReadings(ctx context.Context) (map[string]time.Time, error)
}

// FreshnessMonitor flags streams whose newest reading is older than the
// threshold. Each stream logs once when it goes stale and once when it
// recovers.
type FreshnessMonitor struct {
	source    LatestSource
	interval  time.Duration
	threshold time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	stale map[string]struct{}
}

func NewFreshnessMonitor(source LatestSource, interval, threshold time.Duration) *FreshnessMonitor {
	return &FreshnessMonitor{
		source:    source,
		interval:  interval,
		threshold: threshold,
		log:       logging.WithComponent("freshness-monitor"),
		now:       time.Now,
		stale:     make(map[string]struct{}),
	}
}

func (f *FreshnessMonitor) Serve(ctx context.Context) error {
	return every(ctx, f.interval, func(ctx context.Context) {
		if _, err := f.RunOnce(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn().Err(err).Msg("Freshness pass failed")
		}
	})
}

// RunOnce returns the IDs of the currently stale streams, sorted.
func (f *FreshnessMonitor) RunOnce(ctx context.Context) ([]string, error) {
	latest, err := f.source.LatestReadings(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := f.now().Add(-f.threshold)

	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]struct{})
	for streamID, ts := range latest {
		if !ts.Before(cutoff) {
			if _, was := f.stale[streamID]; was {
				f.log.Info().Str("stream_id", streamID).Time("latest", ts).Msg("Stream reporting again")
			}
			continue
		}
		next[streamID] = struct{}{}
		if _, was := f.stale[streamID]; !was {
			f.log.Warn().
				Str("stream_id", streamID).
				Time("latest", ts).
				Dur("threshold", f.threshold).
				Msg("Stream went stale")
		}
	}
	f.stale = next
	metrics.StaleStreams.Set(float64(len(next)))

	out := make([]string, 0, len(next))
	for id := range next {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Stale reports whether streamID was stale at the last pass.
func (f *FreshnessMonitor) Stale(streamID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stale[streamID]
	return ok
}

func (f *FreshnessMonitor) String() string { return "freshness-monitor" }
