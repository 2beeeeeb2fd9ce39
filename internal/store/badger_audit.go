// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/canopy/internal/models"
)

func (s *BadgerStore) CreateSession(ctx context.Context, sess *models.IngestionSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return putSession(txn, sess)
	})
}

func (s *BadgerStore) UpdateSession(ctx context.Context, sess *models.IngestionSession) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var existing models.IngestionSession
		if err := getJSON(txn, key(prefixSession, []byte(sess.ID)), &existing); err != nil {
			return err
		}
		return putSession(txn, sess)
	})
}

// putSession writes the session and keeps the open-session index and the
// commit mark in step with its state.
func putSession(txn *badger.Txn, sess *models.IngestionSession) error {
	if err := setJSON(txn, key(prefixSession, []byte(sess.ID)), sess); err != nil {
		return err
	}
	openKey := key(prefixOpenSession, []byte(sess.ID))
	if sess.State == models.SessionOpen {
		return txn.Set(openKey, encodeSeq(uint64(sess.StartedAt.UnixNano())))
	}
	if err := txn.Delete(key(prefixCommitted, []byte(sess.ID))); err != nil {
		return err
	}
	return txn.Delete(openKey)
}

func (s *BadgerStore) GetSession(ctx context.Context, sessionID string) (*models.IngestionSession, error) {
	var sess models.IngestionSession
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixSession, []byte(sessionID)), &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BadgerStore) ListOpenSessions(ctx context.Context, startedBefore time.Time) ([]*models.IngestionSession, error) {
	var out []*models.IngestionSession
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixOpenSession)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !time.Unix(0, int64(decodeSeq(v))).Before(startedBefore) {
				continue
			}
			id := item.Key()[len(prefixOpenSession):]
			var sess models.IngestionSession
			if err := getJSON(txn, key(prefixSession, id), &sess); err != nil {
				return fmt.Errorf("load session %s: %w", id, err)
			}
			out = append(out, &sess)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) AppendErrors(ctx context.Context, errs []*models.IngestionError) error {
	if len(errs) == 0 {
		return nil
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, e := range errs {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			k := key(prefixError, []byte(e.SessionID), []byte{':'}, encodeSeq(uint64(e.ReadingIndex)))
			if err := setJSON(txn, k, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) ListErrors(ctx context.Context, sessionID string) ([]*models.IngestionError, error) {
	var out []*models.IngestionError
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = key(prefixError, []byte(sessionID), []byte{':'})
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e models.IngestionError
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}
