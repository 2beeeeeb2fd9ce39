// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
)

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	DSN string

	// SlotName is the prefix of the logical replication slots; each change
	// feed consumer gets SlotName_<consumer>.
	SlotName    string
	Publication string

	// StatusInterval is how often standby status updates are sent while a
	// subscription is idle.
	StatusInterval time.Duration
}

// PostgresStore implements Store on PostgreSQL. sensor_readings is
// published for logical replication; the change feed decodes its inserts
// with the pgoutput plugin.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig

	mu     sync.Mutex
	closed bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sensor_streams (
		id           TEXT PRIMARY KEY,
		site_id      TEXT NOT NULL,
		equipment_id TEXT NOT NULL,
		stream_type  TEXT NOT NULL,
		channel      TEXT NOT NULL,
		unit         TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (site_id, equipment_id, stream_type, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		seq             BIGSERIAL PRIMARY KEY,
		id              TEXT NOT NULL UNIQUE,
		stream_id       TEXT NOT NULL REFERENCES sensor_streams(id),
		site_id         TEXT NOT NULL,
		ts              TIMESTAMPTZ NOT NULL,
		value           DOUBLE PRECISION NOT NULL,
		unit            TEXT NOT NULL,
		ingested_at     TIMESTAMPTZ NOT NULL,
		source_protocol TEXT NOT NULL,
		session_id      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS sensor_readings_stream_ts ON sensor_readings (stream_id, ts)`,
	`CREATE INDEX IF NOT EXISTS sensor_readings_session ON sensor_readings (session_id)`,
	`CREATE TABLE IF NOT EXISTS ingestion_sessions (
		id              TEXT PRIMARY KEY,
		site_id         TEXT NOT NULL,
		equipment_id    TEXT NOT NULL,
		protocol        TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		started_at      TIMESTAMPTZ NOT NULL,
		closed_at       TIMESTAMPTZ,
		state           TEXT NOT NULL,
		stage           TEXT NOT NULL,
		accepted        INTEGER NOT NULL DEFAULT 0,
		duplicates      INTEGER NOT NULL DEFAULT 0,
		rejected        INTEGER NOT NULL DEFAULT 0,
		reserved_keys   TEXT[]
	)`,
	`ALTER TABLE ingestion_sessions ADD COLUMN IF NOT EXISTS reserved_keys TEXT[]`,
	`CREATE INDEX IF NOT EXISTS ingestion_sessions_open ON ingestion_sessions (started_at) WHERE state = 'open'`,
	`CREATE TABLE IF NOT EXISTS ingestion_errors (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL,
		reading_index INTEGER NOT NULL,
		raw_payload   TEXT NOT NULL,
		reason        TEXT NOT NULL,
		detail        TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ingestion_errors_session ON ingestion_errors (session_id, reading_index)`,
}

// OpenPostgres connects, applies the schema and ensures the publication
// exists. A failure here is a configuration error: the service must not
// become ready without a working change feed.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 10 * time.Second
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, cfg: cfg}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logging.Info().
		Str("publication", cfg.Publication).
		Str("slot_prefix", cfg.SlotName).
		Msg("Postgres reading store opened")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)`, s.cfg.Publication,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check publication: %w", err)
	}
	if !exists {
		stmt := fmt.Sprintf(`CREATE PUBLICATION %s FOR TABLE sensor_readings WITH (publish = 'insert')`,
			pgx.Identifier{s.cfg.Publication}.Sanitize())
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create publication %s: %w", s.cfg.Publication, err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	logging.Info().Msg("Postgres reading store closed")
	return nil
}

func (s *PostgresStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

const streamColumns = `id, site_id, equipment_id, stream_type, channel, unit, created_at`

func scanStream(row pgx.Row) (*models.SensorStream, error) {
	var st models.SensorStream
	var typ string
	err := row.Scan(&st.ID, &st.SiteID, &st.EquipmentID, &typ, &st.Channel, &st.Unit, &st.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.StreamType = models.StreamType(typ)
	st.CreatedAt = st.CreatedAt.UTC()
	return &st, nil
}

func (s *PostgresStore) FindStream(ctx context.Context, id models.StreamIdentity) (*models.SensorStream, error) {
	return scanStream(s.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM sensor_streams
		 WHERE site_id = $1 AND equipment_id = $2 AND stream_type = $3 AND channel = $4`,
		id.SiteID, id.EquipmentID, string(id.StreamType), id.Channel))
}

func (s *PostgresStore) GetStream(ctx context.Context, streamID string) (*models.SensorStream, error) {
	return scanStream(s.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM sensor_streams WHERE id = $1`, streamID))
}

func (s *PostgresStore) CreateStream(ctx context.Context, in *models.SensorStream) (*models.SensorStream, bool, error) {
	st := *in
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sensor_streams (`+streamColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (site_id, equipment_id, stream_type, channel) DO NOTHING`,
		st.ID, st.SiteID, st.EquipmentID, string(st.StreamType), st.Channel, st.Unit, st.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create stream: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return &st, true, nil
	}
	existing, err := s.FindStream(ctx, st.Identity())
	if err != nil {
		return nil, false, fmt.Errorf("load existing stream: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) ListStreams(ctx context.Context, siteID string) ([]*models.SensorStream, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+streamColumns+` FROM sensor_streams WHERE $1 = '' OR site_id = $1 ORDER BY created_at`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SensorStream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendReadings(ctx context.Context, readings []*models.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, r := range readings {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		batch.Queue(
			`INSERT INTO sensor_readings (id, stream_id, site_id, ts, value, unit, ingested_at, source_protocol, session_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING seq`,
			r.ID, r.StreamID, r.SiteID, r.Timestamp, r.Value, r.Unit, r.IngestedAt, string(r.SourceProtocol), r.SessionID)
	}
	results := tx.SendBatch(ctx, batch)
	seqs := make([]int64, len(readings))
	for i := range readings {
		if err := results.QueryRow().Scan(&seqs[i]); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert reading %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert readings: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit readings: %w", err)
	}
	for i, r := range readings {
		r.Seq = uint64(seqs[i])
	}
	return nil
}

func (s *PostgresStore) CountReadings(ctx context.Context, streamID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sensor_readings WHERE stream_id = $1`, streamID).Scan(&n)
	return n, err
}

func (s *PostgresStore) SessionCommitted(ctx context.Context, sessionID string) (bool, error) {
	var committed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sensor_readings WHERE session_id = $1)`, sessionID).Scan(&committed)
	return committed, err
}

func (s *PostgresStore) LatestReadings(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT stream_id, max(ts) FROM sensor_readings GROUP BY stream_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			ts time.Time
		)
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts.UTC()
	}
	return out, rows.Err()
}

const sessionColumns = `id, site_id, equipment_id, protocol, idempotency_key, started_at, closed_at, state, stage, accepted, duplicates, rejected, reserved_keys`

func scanSession(row pgx.Row) (*models.IngestionSession, error) {
	var (
		sess           models.IngestionSession
		protocol, stat string
	)
	err := row.Scan(&sess.ID, &sess.SiteID, &sess.EquipmentID, &protocol, &sess.IdempotencyKey,
		&sess.StartedAt, &sess.ClosedAt, &stat, &sess.Stage, &sess.Accepted, &sess.Duplicates, &sess.Rejected,
		&sess.ReservedKeys)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Protocol = models.Protocol(protocol)
	sess.State = models.SessionState(stat)
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.IngestionSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.SiteID, sess.EquipmentID, string(sess.Protocol), sess.IdempotencyKey, sess.StartedAt,
		sess.ClosedAt, string(sess.State), sess.Stage, sess.Accepted, sess.Duplicates, sess.Rejected,
		sess.ReservedKeys)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *models.IngestionSession) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_sessions
		 SET closed_at = $2, state = $3, stage = $4, accepted = $5, duplicates = $6, rejected = $7,
		     reserved_keys = $8
		 WHERE id = $1`,
		sess.ID, sess.ClosedAt, string(sess.State), sess.Stage, sess.Accepted, sess.Duplicates, sess.Rejected,
		sess.ReservedKeys)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.IngestionSession, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM ingestion_sessions WHERE id = $1`, sessionID))
}

func (s *PostgresStore) ListOpenSessions(ctx context.Context, startedBefore time.Time) ([]*models.IngestionSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM ingestion_sessions
		 WHERE state = 'open' AND started_at < $1 ORDER BY started_at`, startedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.IngestionSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendErrors(ctx context.Context, errs []*models.IngestionError) error {
	if len(errs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(errs))
	for _, e := range errs {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		rows = append(rows, []any{e.ID, e.SessionID, e.ReadingIndex, e.RawPayload, e.Reason, e.Detail, e.CreatedAt})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"ingestion_errors"},
		[]string{"id", "session_id", "reading_index", "raw_payload", "reason", "detail", "created_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("append errors: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListErrors(ctx context.Context, sessionID string) ([]*models.IngestionError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, reading_index, raw_payload, reason, detail, created_at
		 FROM ingestion_errors WHERE session_id = $1 ORDER BY reading_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.IngestionError
	for rows.Next() {
		var e models.IngestionError
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ReadingIndex, &e.RawPayload, &e.Reason, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
