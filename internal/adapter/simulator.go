// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package adapter

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/admission"
	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
)

// Processor consumes canonical batches; the ingest orchestrator in production.
type Processor interface {
	Process(ctx context.Context, batch *models.IngestBatch) (*models.BatchResult, error)
}

// profile is the synthetic signal of one stream type.
type profile struct {
	unit string
	// base and amplitude shape a day/night sine wave peaking mid-afternoon.
	base, amplitude float64
	// walk is the step size of a bounded random walk layered on top.
	walk     float64
	min, max float64
	// daylight-only signals are zero at night.
	daylight bool
}

var profiles = map[models.StreamType]profile{
	models.StreamTemperature:      {unit: "°F", base: 72, amplitude: 8, walk: 0.3, min: 50, max: 100},
	models.StreamWaterTemperature: {unit: "°C", base: 20, amplitude: 1.5, walk: 0.1, min: 12, max: 28},
	models.StreamHumidity:         {unit: "%", base: 65, amplitude: -12, walk: 1, min: 30, max: 95},
	models.StreamCO2:              {unit: "ppm", base: 800, amplitude: -200, walk: 25, min: 380, max: 1500},
	models.StreamPH:               {unit: "pH", base: 6.0, walk: 0.05, min: 5.2, max: 6.8},
	models.StreamEC:               {unit: "mS/cm", base: 1.8, walk: 0.05, min: 0.8, max: 3},
	models.StreamPPFD:             {unit: "µmol/m²/s", base: 0, amplitude: 900, walk: 20, min: 0, max: 1500, daylight: true},
	models.StreamDLI:              {unit: "mol/m²/d", base: 18, walk: 0.2, min: 5, max: 40},
	models.StreamVPD:              {unit: "kPa", base: 1.0, amplitude: 0.3, walk: 0.05, min: 0.3, max: 2},
	models.StreamSoilMoisture:     {unit: "%", base: 35, walk: 0.5, min: 15, max: 60},
}

// Simulator generates synthetic ticks and feeds them through the
// simulation adapter, exactly as an external simulator posting to the API
// would.
type Simulator struct {
	cfg     config.SimulationConfig
	adapter *SimulationAdapter
	sink    Processor
	log     zerolog.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	drift map[string]float64
}

// NewSimulator returns a simulator for cfg.
func NewSimulator(cfg config.SimulationConfig, adapter *SimulationAdapter, sink Processor) *Simulator {
	seed := uint64(cfg.Seed)
	return &Simulator{
		cfg:     cfg,
		adapter: adapter,
		sink:    sink,
		log:     logging.WithComponent("simulator"),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		drift:   make(map[string]float64),
	}
}

// Generate builds the tick for time at.
func (s *Simulator) Generate(at time.Time) SimulationTick {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC().Truncate(s.cfg.Tick)
	tick := SimulationTick{
		SimulatorID: "sim-" + s.cfg.EquipmentID,
		EquipmentID: s.cfg.EquipmentID,
		GeneratedAt: at,
		Readings:    make([]models.RawReading, 0, len(s.cfg.Streams)),
	}
	// Fraction of the day, shifted so the sine peaks at 15:00.
	hour := float64(at.Hour()) + float64(at.Minute())/60
	phase := math.Sin(2 * math.Pi * (hour - 9) / 24)
	for _, key := range s.cfg.Streams {
		st, _, err := models.ParseStreamKey(key)
		if err != nil {
			continue
		}
		p := profiles[st]
		d := s.drift[key] + (s.rng.Float64()*2-1)*p.walk
		d = math.Max(-5*p.walk, math.Min(5*p.walk, d))
		s.drift[key] = d

		v := p.base + p.amplitude*phase + d
		if p.daylight && phase < 0 {
			v = 0
		}
		v = math.Max(p.min, math.Min(p.max, v))
		tick.Readings = append(tick.Readings, models.RawReading{
			StreamKey: key,
			Timestamp: at,
			Value:     models.Value(math.Round(v*100) / 100),
			Unit:      p.unit,
		})
	}
	return tick
}

// RunTick generates and ingests the tick for time at.
func (s *Simulator) RunTick(ctx context.Context, at time.Time) (*models.BatchResult, error) {
	payload, err := json.Marshal(s.Generate(at))
	if err != nil {
		return nil, fmt.Errorf("encode simulation tick: %w", err)
	}
	batch, err := s.adapter.Ingest(payload, SimulationContext{SiteID: s.cfg.SiteID, Tick: s.cfg.Tick})
	if err != nil {
		return nil, err
	}
	return s.sink.Process(ctx, batch)
}

// Serve implements suture.Service.
func (s *Simulator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.log.Info().
		Str("site_id", s.cfg.SiteID).
		Str("equipment_id", s.cfg.EquipmentID).
		Dur("tick", s.cfg.Tick).
		Strs("streams", s.cfg.Streams).
		Msg("Simulator started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			res, err := s.RunTick(ctx, now)
			if err != nil {
				if retry, limited := admission.RetryAfter(err); limited {
					// The next tick is a fresh slot; nothing to replay.
					s.log.Debug().Dur("retry_after", retry).Msg("Simulation tick rate limited")
					continue
				}
				s.log.Warn().Err(err).Msg("Simulation tick failed")
				continue
			}
			s.log.Trace().Int("accepted", res.Accepted).Int("duplicates", res.Duplicates).Msg("Simulation tick ingested")
		}
	}
}

func (s *Simulator) String() string { return "simulator" }
