// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/canopy/internal/models"
)

func (s *BadgerStore) FindStream(ctx context.Context, id models.StreamIdentity) (*models.SensorStream, error) {
	var stream models.SensorStream
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixStreamIdent, []byte(id.Key())))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		streamID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, key(prefixStream, streamID), &stream)
	})
	if err != nil {
		return nil, err
	}
	return &stream, nil
}

func (s *BadgerStore) GetStream(ctx context.Context, streamID string) (*models.SensorStream, error) {
	var stream models.SensorStream
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixStream, []byte(streamID)), &stream)
	})
	if err != nil {
		return nil, err
	}
	return &stream, nil
}

func (s *BadgerStore) CreateStream(ctx context.Context, in *models.SensorStream) (*models.SensorStream, bool, error) {
	var (
		out     models.SensorStream
		created bool
	)
	identKey := key(prefixStreamIdent, []byte(in.Identity().Key()))

	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		item, err := txn.Get(identKey)
		switch {
		case err == nil:
			streamID, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			return getJSON(txn, key(prefixStream, streamID), &out)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		out = *in
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = time.Now().UTC()
		}
		if err := setJSON(txn, key(prefixStream, []byte(out.ID)), &out); err != nil {
			return err
		}
		created = true
		return txn.Set(identKey, []byte(out.ID))
	})
	if err != nil {
		return nil, false, fmt.Errorf("create stream: %w", err)
	}
	return &out, created, nil
}

func (s *BadgerStore) ListStreams(ctx context.Context, siteID string) ([]*models.SensorStream, error) {
	var streams []*models.SensorStream
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixStream)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var st models.SensorStream
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return err
			}
			if siteID == "" || st.SiteID == siteID {
				streams = append(streams, &st)
			}
		}
		return nil
	})
	return streams, err
}

// AppendReadings commits the readings in one transaction and assigns each
// the next sequence number. The same transaction marks each reading's
// session as committed; the mark lives until the session is closed.
func (s *BadgerStore) AppendReadings(ctx context.Context, readings []*models.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	seq := s.lastSeq
	err := s.update(ctx, func(txn *badger.Txn) error {
		seq = s.lastSeq
		counts := make(map[string]uint64)
		latest := make(map[string]time.Time)
		sessions := make(map[string]struct{})
		for _, r := range readings {
			seq++
			r.Seq = seq
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if err := setJSON(txn, key(prefixReading, encodeSeq(seq)), r); err != nil {
				return err
			}
			counts[r.StreamID]++
			if r.Timestamp.After(latest[r.StreamID]) {
				latest[r.StreamID] = r.Timestamp
			}
			if r.SessionID != "" {
				sessions[r.SessionID] = struct{}{}
			}
		}
		for sessionID := range sessions {
			if err := txn.Set(key(prefixCommitted, []byte(sessionID)), encodeSeq(seq)); err != nil {
				return err
			}
		}
		for streamID, n := range counts {
			if err := addCounter(txn, key(prefixReadingCount, []byte(streamID)), n); err != nil {
				return err
			}
		}
		for streamID, ts := range latest {
			if err := raiseLatest(txn, key(prefixLatest, []byte(streamID)), ts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, r := range readings {
			r.Seq = 0
		}
		return fmt.Errorf("append readings: %w", err)
	}
	s.lastSeq = seq
	s.wake()
	return nil
}

func addCounter(txn *badger.Txn, k []byte, n uint64) error {
	var cur uint64
	item, err := txn.Get(k)
	switch {
	case err == nil:
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cur = decodeSeq(v)
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}
	return txn.Set(k, encodeSeq(cur+n))
}

func raiseLatest(txn *badger.Txn, k []byte, ts time.Time) error {
	item, err := txn.Get(k)
	switch {
	case err == nil:
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if int64(decodeSeq(v)) >= ts.UnixNano() {
			return nil
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}
	return txn.Set(k, encodeSeq(uint64(ts.UnixNano())))
}

func (s *BadgerStore) CountReadings(ctx context.Context, streamID string) (int, error) {
	var n uint64
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixReadingCount, []byte(streamID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		n = decodeSeq(v)
		return nil
	})
	return int(n), err
}

func (s *BadgerStore) SessionCommitted(ctx context.Context, sessionID string) (bool, error) {
	var committed bool
	err := s.view(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key(prefixCommitted, []byte(sessionID)))
		switch {
		case err == nil:
			committed = true
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return nil
	})
	return committed, err
}

func (s *BadgerStore) LatestReadings(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixLatest)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			streamID := strings.TrimPrefix(string(item.Key()), prefixLatest)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[streamID] = time.Unix(0, int64(decodeSeq(v))).UTC()
		}
		return nil
	})
	return out, err
}
