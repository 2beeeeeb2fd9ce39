// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package main

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/canopy/internal/alerting"
	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/idempotency"
	"github.com/tomtom215/canopy/internal/lifecycle"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/store"
)

// persistence is everything opened from the store and idempotency
// sections of the config.
type persistence struct {
	store store.Store
	dedup *idempotency.Service

	// badgerStore is set for the badger driver; keyStore when idempotency
	// keys live in their own badger database.
	badgerStore *store.BadgerStore
	keyStore    *store.BadgerStore
	memoryKeys  *idempotency.MemoryStore
}

func openPersistence(ctx context.Context, cfg *config.Config) (*persistence, error) {
	p := &persistence{}

	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:            cfg.Store.PostgresDSN,
			SlotName:       cfg.Store.SlotName,
			Publication:    cfg.Store.Publication,
			StatusInterval: cfg.ChangeFeed.StatusInterval,
		})
		if err != nil {
			return nil, err
		}
		p.store = pg
	default:
		bs, err := store.OpenBadger(store.BadgerConfig{
			Path:         cfg.Store.BadgerPath,
			InMemory:     cfg.Store.InMemory,
			SyncWrites:   true,
			PollInterval: cfg.ChangeFeed.PollInterval,
		})
		if err != nil {
			return nil, err
		}
		p.store = bs
		p.badgerStore = bs
	}

	var keys idempotency.Store
	switch cfg.Idempotency.Backend {
	case "badger":
		ks, err := store.OpenBadger(store.BadgerConfig{
			Path:       cfg.Idempotency.Path,
			InMemory:   cfg.Idempotency.Path == "",
			SyncWrites: true,
		})
		if err != nil {
			p.close()
			return nil, fmt.Errorf("open idempotency store: %w", err)
		}
		p.keyStore = ks
		keys = idempotency.NewBadgerStore(ks.DB())
	default:
		p.memoryKeys = idempotency.NewMemoryStore(cfg.Idempotency.MaxKeys)
		keys = p.memoryKeys
	}
	p.dedup = idempotency.NewService(keys, cfg.Idempotency.Retention)

	logging.Info().
		Str("store", cfg.Store.Driver).
		Str("idempotency", cfg.Idempotency.Backend).
		Dur("retention", cfg.Idempotency.Retention).
		Msg("Persistence opened")
	return p, nil
}

// alertInstances keeps alert instances next to the readings when badger is
// available so they survive restarts.
func (p *persistence) alertInstances() alerting.InstanceStore {
	var db *badger.DB
	switch {
	case p.badgerStore != nil:
		db = p.badgerStore.DB()
	case p.keyStore != nil:
		db = p.keyStore.DB()
	default:
		logging.Warn().Msg("Alert instances are kept in memory and will not survive a restart")
		return alerting.NewMemoryInstanceStore()
	}
	return alerting.NewBadgerInstanceStore(db)
}

func (p *persistence) maintenance(cfg config.LifecycleConfig) *lifecycle.Maintenance {
	var collectors []lifecycle.GarbageCollector
	if p.badgerStore != nil {
		collectors = append(collectors, p.badgerStore)
	}
	if p.keyStore != nil {
		collectors = append(collectors, p.keyStore)
	}
	var sweeper lifecycle.Sweeper
	if p.memoryKeys != nil {
		sweeper = p.memoryKeys
	}
	return lifecycle.NewMaintenance(cfg.MaintenanceInterval, sweeper, collectors...)
}

func (p *persistence) close() {
	if p.keyStore != nil {
		if err := p.keyStore.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing idempotency store")
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing reading store")
		}
	}
}
