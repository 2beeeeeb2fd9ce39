// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const prefixIdempotency = "idem:"

// maxConflictRetries bounds retries after badger.ErrConflict. A conflict
// means another transaction touched the key first, so the retry normally
// resolves to Duplicate on its first read.
const maxConflictRetries = 3

// BadgerStore reserves keys in BadgerDB. Each reservation is one
// read-then-set transaction; badger's optimistic concurrency control aborts
// the later of two racing transactions with ErrConflict, which makes the
// pair an atomic compare-and-swap. Expiry uses badger's native TTL. The
// value is the owner, so Release can tell whose reservation it is deleting.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore uses db, which may be shared with the reading store.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Reserve(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	k := []byte(prefixIdempotency + key)
	val := []byte(owner)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		var created bool
		err := s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(k)
			switch {
			case err == nil:
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return fmt.Errorf("get key: %w", err)
			}
			e := badger.NewEntry(k, val)
			if ttl > 0 {
				e = e.WithTTL(ttl)
			}
			if err := txn.SetEntry(e); err != nil {
				return fmt.Errorf("set key: %w", err)
			}
			created = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return false, err
		}
		return created, nil
	}
}

func (s *BadgerStore) Release(_ context.Context, key, owner string) error {
	k := []byte(prefixIdempotency + key)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get key: %w", err)
		}
		held, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(held) != owner {
			return nil
		}
		return txn.Delete(k)
	})
}
