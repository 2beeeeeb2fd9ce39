// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/logging"
)

// GarbageCollector reclaims space in an embedded database.
type GarbageCollector interface {
	RunGC() error
}

// Sweeper drops expired in-memory entries.
type Sweeper interface {
	Sweep() int
}

// Maintenance runs value-log GC on the badger stores and sweeps expired
// idempotency keys. Either side may be nil.
type Maintenance struct {
	collectors []GarbageCollector
	sweeper    Sweeper
	interval   time.Duration
	log        zerolog.Logger
}

func NewMaintenance(interval time.Duration, sweeper Sweeper, collectors ...GarbageCollector) *Maintenance {
	return &Maintenance{
		collectors: collectors,
		sweeper:    sweeper,
		interval:   interval,
		log:        logging.WithComponent("maintenance"),
	}
}

func (m *Maintenance) Serve(ctx context.Context) error {
	return every(ctx, m.interval, func(context.Context) { m.RunOnce() })
}

// RunOnce returns the number of swept keys and the first GC error.
func (m *Maintenance) RunOnce() (swept int, err error) {
	start := time.Now()
	if m.sweeper != nil {
		swept = m.sweeper.Sweep()
	}
	for _, gc := range m.collectors {
		if gcErr := gc.RunGC(); gcErr != nil {
			m.log.Error().Err(gcErr).Msg("Value log GC failed")
			if err == nil {
				err = gcErr
			}
		}
	}
	if swept > 0 {
		m.log.Info().Int("swept", swept).Dur("duration", time.Since(start)).Msg("Expired idempotency keys removed")
	}
	return swept, err
}

func (m *Maintenance) String() string { return "maintenance" }
