// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
)

// SessionStore is the audit subset SessionCleanup needs.
type SessionStore interface {
	ListOpenSessions(ctx context.Context, startedBefore time.Time) ([]*models.IngestionSession, error)
	UpdateSession(ctx context.Context, s *models.IngestionSession) error
	SessionCommitted(ctx context.Context, sessionID string) (bool, error)
}

// KeyReleaser gives back idempotency keys held by a session.
type KeyReleaser interface {
	Release(ctx context.Context, key, owner string, scope models.IdempotencyScope) error
}

// SessionCleanup closes sessions that stayed open longer than the stale
// age. An open session that old means the process died mid-batch. If none
// of its readings committed, the keys it reserved are released so the
// sender's retry is stored instead of being reported as a duplicate.
type SessionCleanup struct {
	store    SessionStore
	keys     KeyReleaser
	interval time.Duration
	maxAge   time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewSessionCleanup returns a cleanup worker. keys may be nil, in which
// case abandoned sessions keep their reservations until they expire.
func NewSessionCleanup(store SessionStore, keys KeyReleaser, interval, maxAge time.Duration) *SessionCleanup {
	return &SessionCleanup{
		store:    store,
		keys:     keys,
		interval: interval,
		maxAge:   maxAge,
		log:      logging.WithComponent("session-cleanup"),
		now:      time.Now,
	}
}

func (c *SessionCleanup) Serve(ctx context.Context) error {
	return every(ctx, c.interval, func(ctx context.Context) {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("Session cleanup pass failed")
		}
	})
}

// RunOnce marks every stale open session Abandoned and returns how many
// were closed.
func (c *SessionCleanup) RunOnce(ctx context.Context) (int, error) {
	now := c.now().UTC()
	stale, err := c.store.ListOpenSessions(ctx, now.Add(-c.maxAge))
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, sess := range stale {
		released, err := c.releaseKeys(ctx, sess)
		if err != nil {
			// Left open so the next pass retries the release.
			return closed, err
		}
		sess.State = models.SessionAbandoned
		sess.ClosedAt = &now
		sess.ReservedKeys = nil
		if err := c.store.UpdateSession(ctx, sess); err != nil {
			return closed, err
		}
		closed++
		metrics.SessionsAbandoned.Inc()
		c.log.Warn().
			Str("session_id", sess.ID).
			Str("site_id", sess.SiteID).
			Str("stage", sess.Stage).
			Int("keys_released", released).
			Time("started_at", sess.StartedAt).
			Msg("Abandoned ingestion session closed")
	}
	return closed, nil
}

// releaseKeys gives back the session's reservations unless its readings
// committed, in which case a retry must still be reported as a duplicate.
func (c *SessionCleanup) releaseKeys(ctx context.Context, sess *models.IngestionSession) (int, error) {
	if c.keys == nil || len(sess.ReservedKeys) == 0 {
		return 0, nil
	}
	committed, err := c.store.SessionCommitted(ctx, sess.ID)
	if err != nil {
		return 0, fmt.Errorf("check session %s: %w", sess.ID, err)
	}
	if committed {
		return 0, nil
	}
	scope := models.IdempotencyScope{SiteID: sess.SiteID, EquipmentID: sess.EquipmentID, Protocol: sess.Protocol}
	for _, key := range sess.ReservedKeys {
		if err := c.keys.Release(ctx, key, sess.ID, scope); err != nil {
			return 0, fmt.Errorf("release key for session %s: %w", sess.ID, err)
		}
	}
	return len(sess.ReservedKeys), nil
}

func (c *SessionCleanup) String() string { return "session-cleanup" }
