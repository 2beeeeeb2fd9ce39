// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
)

const (
	outputPlugin      = "pgoutput"
	readingsTable     = "sensor_readings"
	pgDuplicateObject = "42710"
)

// pgSubscription decodes pgoutput inserts on sensor_readings from one
// replication slot. Events of a transaction are released only when its
// commit arrives and all carry the commit's end LSN as their position, so
// acknowledging a position never skips part of a transaction.
//
// Commits with no reading inserts still move the confirmed position once
// nothing before them is outstanding, otherwise an idle readings table
// would keep the slot pinning WAL written by other tables.
type pgSubscription struct {
	conn     *pgconn.PgConn
	slot     string
	interval time.Duration

	relations map[uint32]*pglogrepl.RelationMessage
	inTx      []ChangeEvent
	ready     []ChangeEvent

	acked      Position
	delivered  Position // highest position handed out by Next
	idle       Position // end LSN of the latest commit without readings
	lastStatus time.Time
}

// SlotFor returns the replication slot name of a change feed consumer.
func (s *PostgresStore) SlotFor(consumer string) string {
	return s.cfg.SlotName + "_" + consumer
}

// Subscribe opens a replication connection, creates the consumer's slot on
// first use and starts streaming from the slot's confirmed position.
func (s *PostgresStore) Subscribe(ctx context.Context, consumer string) (Subscription, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if consumer == "" {
		return nil, errors.New("store: consumer name required")
	}

	connCfg, err := pgconn.ParseConfig(s.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	connCfg.RuntimeParams["replication"] = "database"
	connCfg.RuntimeParams["timezone"] = "UTC"

	conn, err := pgconn.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("replication connect: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("identify system: %w", err)
	}

	slot := s.SlotFor(consumer)
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, slot, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Mode: pglogrepl.LogicalReplication})
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		logging.Info().Str("slot", slot).Str("xlogpos", sysident.XLogPos.String()).Msg("Created replication slot")
	case errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject:
	default:
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("create replication slot %s: %w", slot, err)
	}

	pluginArgs := []string{
		"proto_version '1'",
		"publication_names '" + strings.ReplaceAll(s.cfg.Publication, "'", "''") + "'",
	}
	if err := pglogrepl.StartReplication(ctx, conn, slot, 0,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("start replication on %s: %w", slot, err)
	}

	return &pgSubscription{
		conn:       conn,
		slot:       slot,
		interval:   s.cfg.StatusInterval,
		relations:  make(map[uint32]*pglogrepl.RelationMessage),
		lastStatus: time.Now(),
	}, nil
}

func (sub *pgSubscription) Next(ctx context.Context, max int) ([]ChangeEvent, error) {
	for len(sub.ready) == 0 {
		if time.Since(sub.lastStatus) >= sub.interval {
			if err := sub.sendStatus(ctx); err != nil {
				return nil, err
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, sub.lastStatus.Add(sub.interval))
		msg, err := sub.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return nil, fmt.Errorf("receive replication message: %w", err)
		}

		if err := sub.handle(ctx, msg); err != nil {
			return nil, err
		}
	}

	// Hand out whole transactions only.
	n := 0
	for n < len(sub.ready) {
		pos := sub.ready[n].Position
		end := n
		for end < len(sub.ready) && sub.ready[end].Position == pos {
			end++
		}
		if n > 0 && end > max {
			break
		}
		n = end
	}
	out := sub.ready[:n:n]
	sub.ready = sub.ready[n:]
	sub.delivered = out[len(out)-1].Position
	return out, nil
}

func (sub *pgSubscription) handle(ctx context.Context, msg pgproto3.BackendMessage) error {
	switch m := msg.(type) {
	case *pgproto3.CopyData:
		if len(m.Data) == 0 {
			return nil
		}
		switch m.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			if ka.ReplyRequested {
				return sub.sendStatus(ctx)
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(m.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}
			return sub.decode(xld.WALData)
		}
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error: %s (%s)", m.Message, m.Code)
	}
	return nil
}

func (sub *pgSubscription) decode(walData []byte) error {
	logical, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("parse logical message: %w", err)
	}
	switch m := logical.(type) {
	case *pglogrepl.RelationMessage:
		sub.relations[m.RelationID] = m
	case *pglogrepl.BeginMessage:
		sub.inTx = sub.inTx[:0]
	case *pglogrepl.InsertMessage:
		rel, ok := sub.relations[m.RelationID]
		if !ok {
			return fmt.Errorf("insert for unknown relation %d", m.RelationID)
		}
		if rel.RelationName != readingsTable {
			return nil
		}
		r, err := decodeReading(rel, m.Tuple)
		if err != nil {
			return err
		}
		sub.inTx = append(sub.inTx, ChangeEvent{Reading: r})
	case *pglogrepl.CommitMessage:
		sub.commit(Position(m.TransactionEndLSN))
	}
	return nil
}

// commit releases the buffered transaction ending at pos.
func (sub *pgSubscription) commit(pos Position) {
	if len(sub.inTx) == 0 {
		if pos > sub.idle {
			sub.idle = pos
		}
		sub.skipIdle()
		return
	}
	for i := range sub.inTx {
		sub.inTx[i].Position = pos
	}
	sub.ready = append(sub.ready, sub.inTx...)
	sub.inTx = nil
}

// skipIdle confirms the latest empty commit when every reading before it
// has been delivered and acknowledged.
func (sub *pgSubscription) skipIdle() {
	if len(sub.ready) == 0 && len(sub.inTx) == 0 && sub.acked >= sub.delivered && sub.idle > sub.acked {
		sub.acked = sub.idle
	}
}

func decodeReading(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (models.SensorReading, error) {
	var r models.SensorReading
	if tuple == nil {
		return r, errors.New("insert without tuple")
	}
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) || col.DataType != pglogrepl.TupleDataTypeText {
			continue
		}
		val := string(col.Data)
		var err error
		switch rel.Columns[i].Name {
		case "seq":
			r.Seq, err = strconv.ParseUint(val, 10, 64)
		case "id":
			r.ID = val
		case "stream_id":
			r.StreamID = val
		case "site_id":
			r.SiteID = val
		case "ts":
			r.Timestamp, err = parsePgTimestamp(val)
		case "value":
			r.Value, err = strconv.ParseFloat(val, 64)
		case "unit":
			r.Unit = val
		case "ingested_at":
			r.IngestedAt, err = parsePgTimestamp(val)
		case "source_protocol":
			r.SourceProtocol = models.Protocol(val)
		case "session_id":
			r.SessionID = val
		}
		if err != nil {
			return r, fmt.Errorf("decode column %s: %w", rel.Columns[i].Name, err)
		}
	}
	return r, nil
}

var pgTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00:00",
}

func parsePgTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range pgTimestampLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

// Ack confirms pos to the server, which may then recycle WAL up to it.
func (sub *pgSubscription) Ack(ctx context.Context, pos Position) error {
	if !sub.confirm(pos) {
		return nil
	}
	return sub.sendStatus(ctx)
}

func (sub *pgSubscription) confirm(pos Position) bool {
	if pos <= sub.acked {
		return false
	}
	sub.acked = pos
	sub.skipIdle()
	return true
}

func (sub *pgSubscription) Acked() Position { return sub.acked }

func (sub *pgSubscription) sendStatus(ctx context.Context) error {
	lsn := pglogrepl.LSN(sub.acked)
	err := pglogrepl.SendStandbyStatusUpdate(ctx, sub.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
		ClientTime:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("send standby status on %s: %w", sub.slot, err)
	}
	sub.lastStatus = time.Now()
	return nil
}

func (sub *pgSubscription) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sub.acked > 0 {
		_ = sub.sendStatus(ctx)
	}
	return sub.conn.Close(ctx)
}

// DropSlot removes a consumer's replication slot. Unused slots pin WAL on
// the server, so operators retire consumers with this.
func (s *PostgresStore) DropSlot(ctx context.Context, consumer string) error {
	_, err := s.pool.Exec(ctx, `SELECT pg_drop_replication_slot($1)`, s.SlotFor(consumer))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("drop slot: %w", err)
	}
	return nil
}
