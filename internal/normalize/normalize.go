// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package normalize turns raw device readings into canonical readings:
// the value is converted into the stream's canonical unit, checked against
// the physical range of the stream type, and its timestamp is checked for
// clock skew and staleness. Streams are provisioned on first sight when
// auto-create is enabled.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/store"
)

// ValidationError rejects a single reading. It is permanent for that
// reading; the rest of the batch proceeds.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func invalid(reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsValidation unwraps a *ValidationError.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

// CanonicalReading is a reading ready to be persisted.
type CanonicalReading struct {
	Stream    *models.SensorStream
	Timestamp time.Time
	Value     float64
	// Unit is always Stream.Unit.
	Unit string

	// SourceValue and SourceUnit are what the device sent.
	SourceValue float64
	SourceUnit  string

	// StreamCreated is set when this reading provisioned the stream.
	StreamCreated bool
}

// Converted reports whether the value was converted from another unit.
func (c *CanonicalReading) Converted() bool {
	return c.SourceUnit != c.Unit
}

// StreamCatalog is the part of the store the normalizer needs.
type StreamCatalog interface {
	FindStream(ctx context.Context, id models.StreamIdentity) (*models.SensorStream, error)
	CreateStream(ctx context.Context, s *models.SensorStream) (*models.SensorStream, bool, error)
}

// Service normalizes readings. Streams never change once created, so
// lookups are cached for the life of the process.
type Service struct {
	catalog StreamCatalog
	cfg     config.NormalizationConfig
	now     func() time.Time

	cache sync.Map // StreamIdentity.Key() -> *models.SensorStream
}

// NewService returns a normalizer backed by catalog.
func NewService(catalog StreamCatalog, cfg config.NormalizationConfig) *Service {
	return &Service{catalog: catalog, cfg: cfg, now: time.Now}
}

// Normalize canonicalizes raw for the stream identified by id. It returns
// a *ValidationError for anything wrong with the reading itself; any other
// error is an infrastructure failure.
func (s *Service) Normalize(ctx context.Context, raw *models.RawReading, id models.StreamIdentity) (*CanonicalReading, error) {
	value := float64(raw.Value)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, invalid(models.ReasonInvalidValue, "value %v is not finite", value)
	}

	ts, err := s.checkTimestamp(raw.Timestamp)
	if err != nil {
		return nil, err
	}

	sourceUnit, ok := CanonicalUnit(raw.Unit)
	if !ok {
		return nil, invalid(models.ReasonUnknownUnit, "unit %q is not recognized", raw.Unit)
	}
	wantDim, ok := StreamDimension(id.StreamType)
	if !ok {
		return nil, invalid(models.ReasonInvalidStreamKey, "unknown stream type %q", id.StreamType)
	}
	if units[sourceUnit].dim != wantDim {
		return nil, invalid(models.ReasonUnitMismatch, "%s is not a unit of %s", sourceUnit, id.StreamType)
	}

	stream, created, err := s.resolveStream(ctx, id, sourceUnit)
	if err != nil {
		return nil, err
	}

	converted, err := Convert(value, sourceUnit, stream.Unit)
	if err != nil {
		return nil, invalid(models.ReasonUnitMismatch, "%v", err)
	}

	if err := checkRange(id.StreamType, converted, stream.Unit); err != nil {
		return nil, err
	}

	return &CanonicalReading{
		Stream:        stream,
		Timestamp:     ts,
		Value:         converted,
		Unit:          stream.Unit,
		SourceValue:   value,
		SourceUnit:    sourceUnit,
		StreamCreated: created,
	}, nil
}

func (s *Service) checkTimestamp(ts time.Time) (time.Time, error) {
	if ts.IsZero() {
		return time.Time{}, invalid(models.ReasonStaleTimestamp, "timestamp missing")
	}
	ts = ts.UTC()
	now := s.now().UTC()
	if ts.After(now.Add(s.cfg.SkewTolerance)) {
		return time.Time{}, invalid(models.ReasonFutureTimestamp,
			"%s is %s ahead of server time", ts.Format(time.RFC3339Nano), ts.Sub(now).Round(time.Millisecond))
	}
	if s.cfg.MaxAge > 0 && ts.Before(now.Add(-s.cfg.MaxAge)) {
		return time.Time{}, invalid(models.ReasonStaleTimestamp,
			"%s is older than %s", ts.Format(time.RFC3339Nano), s.cfg.MaxAge)
	}
	return ts, nil
}

func checkRange(t models.StreamType, v float64, unit string) error {
	r := streamRanges[t]
	base, ok := toBase(v, unit)
	if !ok {
		return invalid(models.ReasonUnknownUnit, "stream unit %q is not recognized", unit)
	}
	// Conversions can land a hair outside an exact bound.
	const eps = 1e-9
	if base < r.min-eps || base > r.max+eps {
		lo, _ := Convert(r.min, baseUnits[r.dim], unit)
		hi, _ := Convert(r.max, baseUnits[r.dim], unit)
		return invalid(models.ReasonOutOfRange, "%g %s outside [%g, %g] for %s", v, unit, lo, hi, t)
	}
	return nil
}

func (s *Service) resolveStream(ctx context.Context, id models.StreamIdentity, unit string) (*models.SensorStream, bool, error) {
	cacheKey := id.Key()
	if v, ok := s.cache.Load(cacheKey); ok {
		return v.(*models.SensorStream), false, nil
	}

	stream, err := s.catalog.FindStream(ctx, id)
	switch {
	case err == nil:
		s.cache.Store(cacheKey, stream)
		return stream, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("find stream %s: %w", cacheKey, err)
	}

	if !s.cfg.AutoCreateStreams {
		return nil, false, invalid(models.ReasonStreamNotFound, "no stream %s", cacheKey)
	}

	// The first reading's unit becomes canonical. A concurrent creator may
	// win; CreateStream then returns its stream and that unit stands.
	stream, created, err := s.catalog.CreateStream(ctx, &models.SensorStream{
		SiteID:      id.SiteID,
		EquipmentID: id.EquipmentID,
		StreamType:  id.StreamType,
		Channel:     id.Channel,
		Unit:        unit,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("create stream %s: %w", cacheKey, err)
	}
	s.cache.Store(cacheKey, stream)
	if created {
		logging.Info().
			Str("stream_id", stream.ID).
			Str("stream", cacheKey).
			Str("unit", stream.Unit).
			Msg("Provisioned sensor stream")
	}
	return stream, created, nil
}
