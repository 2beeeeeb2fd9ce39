// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package normalize

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/store"
)

type fakeCatalog struct {
	mu      sync.Mutex
	streams map[string]*models.SensorStream
	creates int
	err     error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{streams: make(map[string]*models.SensorStream)}
}

func (f *fakeCatalog) FindStream(_ context.Context, id models.StreamIdentity) (*models.SensorStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.streams[id.Key()]; ok {
		return s, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeCatalog) CreateStream(_ context.Context, s *models.SensorStream) (*models.SensorStream, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.streams[s.Identity().Key()]; ok {
		return existing, false, nil
	}
	cp := *s
	cp.ID = "stream-" + string(s.StreamType)
	f.streams[s.Identity().Key()] = &cp
	f.creates++
	return &cp, true, nil
}

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(cat StreamCatalog, autoCreate bool) *Service {
	s := NewService(cat, config.NormalizationConfig{
		AutoCreateStreams: autoCreate,
		SkewTolerance:     30 * time.Second,
		MaxAge:            7 * 24 * time.Hour,
	})
	s.now = func() time.Time { return testNow }
	return s
}

func ident(t models.StreamType) models.StreamIdentity {
	return models.StreamIdentity{SiteID: "site-1", EquipmentID: "gw-1", StreamType: t, Channel: models.DefaultChannel}
}

func TestNormalizeRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		typ    models.StreamType
		raw    models.RawReading
		reason string
	}{
		{"nan", models.StreamTemperature, models.RawReading{Timestamp: testNow, Value: models.Value(math.NaN()), Unit: "°F"}, models.ReasonInvalidValue},
		{"infinity", models.StreamTemperature, models.RawReading{Timestamp: testNow, Value: models.Value(math.Inf(1)), Unit: "°F"}, models.ReasonInvalidValue},
		{"empty unit", models.StreamTemperature, models.RawReading{Timestamp: testNow, Value: 20, Unit: ""}, models.ReasonUnknownUnit},
		{"bogus unit", models.StreamTemperature, models.RawReading{Timestamp: testNow, Value: 20, Unit: "furlongs"}, models.ReasonUnknownUnit},
		{"wrong dimension", models.StreamTemperature, models.RawReading{Timestamp: testNow, Value: 20, Unit: "ppm"}, models.ReasonUnitMismatch},
		{"humidity over 100", models.StreamHumidity, models.RawReading{Timestamp: testNow, Value: 120, Unit: "%RH"}, models.ReasonOutOfRange},
		{"negative co2", models.StreamCO2, models.RawReading{Timestamp: testNow, Value: -1, Unit: "ppm"}, models.ReasonOutOfRange},
		{"ph 15", models.StreamPH, models.RawReading{Timestamp: testNow, Value: 15, Unit: "pH"}, models.ReasonOutOfRange},
		{"future", models.StreamTemperature, models.RawReading{Timestamp: testNow.Add(time.Minute), Value: 20, Unit: "°C"}, models.ReasonFutureTimestamp},
		{"ancient", models.StreamTemperature, models.RawReading{Timestamp: testNow.AddDate(0, 0, -8), Value: 20, Unit: "°C"}, models.ReasonStaleTimestamp},
		{"missing timestamp", models.StreamTemperature, models.RawReading{Value: 20, Unit: "°C"}, models.ReasonStaleTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := newTestService(newFakeCatalog(), true)
			raw := tt.raw
			_, err := svc.Normalize(context.Background(), &raw, ident(tt.typ))
			ve, ok := AsValidation(err)
			if !ok {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Reason != tt.reason {
				t.Errorf("reason = %q, want %q (%s)", ve.Reason, tt.reason, ve.Detail)
			}
		})
	}
}

func TestNormalizeSkewToleranceBoundary(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeCatalog(), true)
	raw := models.RawReading{Timestamp: testNow.Add(30 * time.Second), Value: 20, Unit: "°C"}
	if _, err := svc.Normalize(context.Background(), &raw, ident(models.StreamTemperature)); err != nil {
		t.Errorf("reading exactly at the skew tolerance rejected: %v", err)
	}
}

func TestNormalizeConvertsToCanonicalUnit(t *testing.T) {
	t.Parallel()
	cat := newFakeCatalog()
	svc := newTestService(cat, true)
	ctx := context.Background()
	id := ident(models.StreamTemperature)

	first, err := svc.Normalize(ctx, &models.RawReading{Timestamp: testNow, Value: 68, Unit: "F"}, id)
	if err != nil {
		t.Fatal(err)
	}
	if !first.StreamCreated || first.Stream.Unit != "°F" || first.Value != 68 {
		t.Fatalf("first = %+v", first)
	}

	second, err := svc.Normalize(ctx, &models.RawReading{Timestamp: testNow, Value: 25, Unit: "°C"}, id)
	if err != nil {
		t.Fatal(err)
	}
	if second.Unit != "°F" || math.Abs(second.Value-77) > 1e-9 {
		t.Errorf("25°C stored as %v %s, want 77 °F", second.Value, second.Unit)
	}
	if !second.Converted() || second.StreamCreated {
		t.Errorf("second = %+v", second)
	}
	if cat.creates != 1 {
		t.Errorf("creates = %d, want 1", cat.creates)
	}
}

func TestNormalizeRangeUsesCanonicalUnit(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeCatalog(), true)
	// 180°F is 82.2°C, inside the air temperature range.
	if _, err := svc.Normalize(context.Background(), &models.RawReading{Timestamp: testNow, Value: 180, Unit: "°F"}, ident(models.StreamTemperature)); err != nil {
		t.Errorf("180°F rejected: %v", err)
	}
	// 200°F is 93.3°C, outside it.
	_, err := svc.Normalize(context.Background(), &models.RawReading{Timestamp: testNow, Value: 200, Unit: "°F"}, ident(models.StreamTemperature))
	if ve, ok := AsValidation(err); !ok || ve.Reason != models.ReasonOutOfRange {
		t.Errorf("200°F = %v, want out of range", err)
	}
}

func TestNormalizeWithoutAutoCreate(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeCatalog(), false)
	_, err := svc.Normalize(context.Background(), &models.RawReading{Timestamp: testNow, Value: 20, Unit: "°C"}, ident(models.StreamTemperature))
	if ve, ok := AsValidation(err); !ok || ve.Reason != models.ReasonStreamNotFound {
		t.Errorf("err = %v, want stream not found", err)
	}
}

func TestNormalizeCatalogFailureIsNotValidation(t *testing.T) {
	t.Parallel()
	cat := newFakeCatalog()
	cat.err = errors.New("disk on fire")
	svc := newTestService(cat, true)
	_, err := svc.Normalize(context.Background(), &models.RawReading{Timestamp: testNow, Value: 20, Unit: "°C"}, ident(models.StreamTemperature))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := AsValidation(err); ok {
		t.Errorf("infrastructure failure reported as validation: %v", err)
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v        float64
		from, to string
		want     float64
	}{
		{32, "°F", "°C", 0},
		{100, "C", "F", 212},
		{0, "°C", "K", 273.15},
		{1500, "µS/cm", "mS/cm", 1.5},
		{1.2, "kPa", "hPa", 12},
		{50, "%RH", "%", 50},
		{400, "umol/m2/s", "µmol/m²/s", 400},
	}
	for _, tt := range tests {
		got, err := Convert(tt.v, tt.from, tt.to)
		if err != nil {
			t.Errorf("Convert(%v, %s, %s): %v", tt.v, tt.from, tt.to, err)
			continue
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Convert(%v, %s, %s) = %v, want %v", tt.v, tt.from, tt.to, got, tt.want)
		}
	}

	if _, err := Convert(1, "°C", "ppm"); !errors.Is(err, ErrIncompatibleUnits) {
		t.Errorf("cross-dimension convert = %v", err)
	}
	if _, err := Convert(1, "parsecs", "°C"); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("unknown unit convert = %v", err)
	}
}
