// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package store persists readings, the stream catalog, and the ingestion
// audit trail, and exposes the committed readings as an ordered change feed.
//
// Two drivers are provided:
//   - BadgerStore keeps readings in a sequence-keyed log inside BadgerDB.
//     The log is the change feed; consumers track a named cursor.
//   - PostgresStore writes rows with pgx and reads the change feed from a
//     logical replication slot decoded with pgoutput.
//
// Readings are append-only. A reading is visible on the change feed only
// after the transaction that wrote it committed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/canopy/internal/models"
)

var (
	// ErrNotFound is returned when a stream, session, or cursor does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// StreamCatalog owns SensorStream identities.
type StreamCatalog interface {
	// FindStream looks a stream up by its natural key.
	FindStream(ctx context.Context, id models.StreamIdentity) (*models.SensorStream, error)

	// GetStream looks a stream up by ID.
	GetStream(ctx context.Context, streamID string) (*models.SensorStream, error)

	// CreateStream inserts s unless a stream with the same identity exists,
	// in which case the existing stream is returned unchanged. The boolean
	// reports whether s was inserted.
	CreateStream(ctx context.Context, s *models.SensorStream) (*models.SensorStream, bool, error)

	// ListStreams returns the streams of a site, or all streams if siteID is empty.
	ListStreams(ctx context.Context, siteID string) ([]*models.SensorStream, error)
}

// ReadingStore is the durable append-only reading table.
type ReadingStore interface {
	// AppendReadings writes readings in one transaction. Seq is set on
	// each reading to its commit position.
	AppendReadings(ctx context.Context, readings []*models.SensorReading) error

	// CountReadings returns the number of readings of a stream.
	CountReadings(ctx context.Context, streamID string) (int, error)

	// LatestReadings returns the newest reading timestamp per stream.
	LatestReadings(ctx context.Context) (map[string]time.Time, error)

	// SessionCommitted reports whether any reading of an open session has
	// been committed.
	SessionCommitted(ctx context.Context, sessionID string) (bool, error)
}

// AuditStore holds ingestion sessions and their errors.
type AuditStore interface {
	CreateSession(ctx context.Context, s *models.IngestionSession) error
	UpdateSession(ctx context.Context, s *models.IngestionSession) error
	GetSession(ctx context.Context, sessionID string) (*models.IngestionSession, error)

	// ListOpenSessions returns sessions still open that started before cutoff.
	ListOpenSessions(ctx context.Context, startedBefore time.Time) ([]*models.IngestionSession, error)

	AppendErrors(ctx context.Context, errs []*models.IngestionError) error
	ListErrors(ctx context.Context, sessionID string) ([]*models.IngestionError, error)
}

// Position is a change feed position. Positions never decrease along a
// feed. Events committed in one transaction may share a position, in which
// case Next never splits them across calls.
type Position uint64

// ChangeEvent is one committed reading insert.
type ChangeEvent struct {
	Position Position
	Reading  models.SensorReading
}

// ChangeFeed opens consumers on the ordered stream of committed inserts.
type ChangeFeed interface {
	// Subscribe opens the named consumer. Delivery resumes after the last
	// position the consumer acknowledged, so anything delivered but not
	// acknowledged before a crash is delivered again.
	Subscribe(ctx context.Context, consumer string) (Subscription, error)
}

// Subscription is a single consumer's view of the change feed. It is not
// safe for concurrent use.
type Subscription interface {
	// Next blocks until at least one event is available or ctx is done,
	// and returns events in commit order. It returns at most max events
	// unless a single transaction is larger.
	Next(ctx context.Context, max int) ([]ChangeEvent, error)

	// Ack confirms every event up to and including pos.
	Ack(ctx context.Context, pos Position) error

	// Acked returns the last confirmed position.
	Acked() Position

	Close() error
}

// Store is everything the service needs from persistence.
type Store interface {
	StreamCatalog
	ReadingStore
	AuditStore
	ChangeFeed

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

var (
	_ Store = (*BadgerStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
