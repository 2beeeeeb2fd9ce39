// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/models"
)

// Key layout:
//
//	al:<id>               instance JSON
//	aa:<rule>\x1f<stream> id of the active instance
const (
	instancePrefix = "al:"
	activePrefix   = "aa:"
)

// BadgerInstanceStore persists instances in the reading store's badger
// database. Create checks and sets the active index in one transaction.
type BadgerInstanceStore struct {
	db *badger.DB
}

func NewBadgerInstanceStore(db *badger.DB) *BadgerInstanceStore {
	return &BadgerInstanceStore{db: db}
}

func (s *BadgerInstanceStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getInstance(txn *badger.Txn, id string) (*models.AlertInstance, error) {
	item, err := txn.Get([]byte(instancePrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var inst models.AlertInstance
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &inst)
	}); err != nil {
		return nil, fmt.Errorf("decode alert instance %s: %w", id, err)
	}
	return &inst, nil
}

func putInstance(txn *badger.Txn, inst *models.AlertInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return txn.Set([]byte(instancePrefix+inst.ID), data)
}

func (s *BadgerInstanceStore) FindActive(_ context.Context, ruleID, streamID string) (*models.AlertInstance, error) {
	var out *models.AlertInstance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activePrefix + activeKey(ruleID, streamID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = getInstance(txn, string(id))
		return err
	})
	return out, err
}

func (s *BadgerInstanceStore) Create(_ context.Context, inst *models.AlertInstance) error {
	return s.update(func(txn *badger.Txn) error {
		key := []byte(activePrefix + activeKey(inst.RuleID, inst.StreamID))
		if inst.Active() {
			_, err := txn.Get(key)
			if err == nil {
				return ErrActiveExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(key, []byte(inst.ID)); err != nil {
				return err
			}
		}
		return putInstance(txn, inst)
	})
}

func (s *BadgerInstanceStore) Update(_ context.Context, inst *models.AlertInstance) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := getInstance(txn, inst.ID); err != nil {
			return err
		}
		if !inst.Active() {
			key := []byte(activePrefix + activeKey(inst.RuleID, inst.StreamID))
			item, err := txn.Get(key)
			switch {
			case err == nil:
				id, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if string(id) == inst.ID {
					if err := txn.Delete(key); err != nil {
						return err
					}
				}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
		}
		return putInstance(txn, inst)
	})
}

func (s *BadgerInstanceStore) Get(_ context.Context, id string) (*models.AlertInstance, error) {
	var out *models.AlertInstance
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getInstance(txn, id)
		return err
	})
	return out, err
}

func (s *BadgerInstanceStore) List(_ context.Context, siteID string, state models.AlertState) ([]*models.AlertInstance, error) {
	var out []*models.AlertInstance
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(instancePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var inst models.AlertInstance
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &inst)
			}); err != nil {
				return err
			}
			if inst.SiteID != siteID || (state != "" && inst.State != state) {
				continue
			}
			out = append(out, &inst)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByOpened(out)
	return out, nil
}
