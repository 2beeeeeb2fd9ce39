// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package idempotency deduplicates ingestion work. A key is reserved with a
// single compare-and-swap against the backing store, so redundant transport
// paths delivering the same batch concurrently see exactly one Fresh result.
// Keys are remembered for a retention window; a replay after that window is
// treated as new data.
//
// Every reservation records its owner, the ingestion session that made it.
// Release only forgets a key its owner still holds, so a session abandoned
// by a crash can give back its own keys without touching another session's.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
)

// Result of a reservation attempt.
type Result int

const (
	Fresh Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

// ErrInvalidKey is returned for an empty key or a key containing the scope separator.
var ErrInvalidKey = errors.New("idempotency: invalid key")

// Store is the atomic reservation backend.
type Store interface {
	// Reserve records key for owner for ttl if no live record exists and
	// reports whether this call created it. It must be a single atomic
	// operation.
	Reserve(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release forgets key if owner holds it, so it can be reserved again.
	Release(ctx context.Context, key, owner string) error
}

// Service scopes keys and applies the retention window.
type Service struct {
	store     Store
	retention time.Duration
}

// NewService returns a Service reserving keys in store for retention.
func NewService(store Store, retention time.Duration) *Service {
	return &Service{store: store, retention: retention}
}

// Retention is how long a reserved key is remembered.
func (s *Service) Retention() time.Duration { return s.retention }

// CheckAndReserve reserves key within scope on behalf of owner. Concurrent
// calls with the same (key, scope) observe exactly one Fresh.
func (s *Service) CheckAndReserve(ctx context.Context, key, owner string, scope models.IdempotencyScope) (Result, error) {
	full, err := scopedKey(key, scope)
	if err != nil {
		return Fresh, err
	}
	created, err := s.store.Reserve(ctx, full, owner, s.retention)
	if err != nil {
		return Fresh, fmt.Errorf("reserve idempotency key: %w", err)
	}
	metrics.RecordIdempotency(!created)
	if created {
		return Fresh, nil
	}
	return Duplicate, nil
}

// Release undoes owner's reservation of key after its work failed, so the
// sender's retry is processed instead of being reported as a duplicate. A
// key reserved by anyone else is left alone.
func (s *Service) Release(ctx context.Context, key, owner string, scope models.IdempotencyScope) error {
	full, err := scopedKey(key, scope)
	if err != nil {
		return err
	}
	return s.store.Release(ctx, full, owner)
}

// ValidateKey reports whether key can be reserved within scope.
func ValidateKey(key string, scope models.IdempotencyScope) error {
	_, err := scopedKey(key, scope)
	return err
}

const scopeSeparator = "\x1f"

// MaxKeyLength is the longest key, before scoping, that can be reserved.
const MaxKeyLength = 512

func scopedKey(key string, scope models.IdempotencyScope) (string, error) {
	if key == "" || len(key) > MaxKeyLength {
		return "", ErrInvalidKey
	}
	for _, part := range []string{scope.SiteID, scope.EquipmentID, string(scope.Protocol), key} {
		for i := 0; i < len(part); i++ {
			if part[i] == scopeSeparator[0] {
				return "", ErrInvalidKey
			}
		}
	}
	return scope.SiteID + scopeSeparator + scope.EquipmentID + scopeSeparator + string(scope.Protocol) + scopeSeparator + key, nil
}
