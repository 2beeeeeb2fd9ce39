// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// badgerSubscription walks the reading log from a persisted cursor.
// delivered runs ahead of acked while a batch is being handed off.
type badgerSubscription struct {
	store     *BadgerStore
	consumer  string
	acked     Position
	delivered Position
	closed    bool
}

// Subscribe opens consumer at its persisted cursor, or at the start of the
// log for a new consumer.
func (s *BadgerStore) Subscribe(ctx context.Context, consumer string) (Subscription, error) {
	if consumer == "" {
		return nil, errors.New("store: consumer name required")
	}
	var pos Position
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixCursor, []byte(consumer)))
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
		pos = Position(decodeSeq(v))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", consumer, err)
	}
	return &badgerSubscription{store: s, consumer: consumer, acked: pos, delivered: pos}, nil
}

func (sub *badgerSubscription) Next(ctx context.Context, max int) ([]ChangeEvent, error) {
	if max <= 0 {
		max = 1
	}
	for {
		if sub.closed {
			return nil, ErrClosed
		}
		// Grab the wake channel before reading so an append that lands
		// between the read and the wait is not missed.
		wait := sub.store.waitCh()

		events, err := sub.read(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			sub.delivered = events[len(events)-1].Position
			return events, nil
		}

		timer := time.NewTimer(sub.store.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wait:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (sub *badgerSubscription) read(ctx context.Context, max int) ([]ChangeEvent, error) {
	var events []ChangeEvent
	err := sub.store.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixReading)
		if max < opts.PrefetchSize {
			opts.PrefetchSize = max
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(key(prefixReading, encodeSeq(uint64(sub.delivered)+1))); it.Valid() && len(events) < max; it.Next() {
			item := it.Item()
			ev := ChangeEvent{Position: Position(decodeSeq(item.Key()[len(prefixReading):]))}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ev.Reading)
			}); err != nil {
				return fmt.Errorf("decode reading %d: %w", ev.Position, err)
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

// Ack persists pos as the consumer's cursor. Positions behind the current
// cursor are ignored.
func (sub *badgerSubscription) Ack(ctx context.Context, pos Position) error {
	if sub.closed {
		return ErrClosed
	}
	if pos <= sub.acked {
		return nil
	}
	err := sub.store.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(key(prefixCursor, []byte(sub.consumer)), encodeSeq(uint64(pos)))
	})
	if err != nil {
		return fmt.Errorf("ack %s at %d: %w", sub.consumer, pos, err)
	}
	sub.acked = pos
	return nil
}

func (sub *badgerSubscription) Acked() Position { return sub.acked }

// Close drops unacknowledged progress; a new subscription resumes at the
// last acknowledged position.
func (sub *badgerSubscription) Close() error {
	sub.closed = true
	return nil
}
