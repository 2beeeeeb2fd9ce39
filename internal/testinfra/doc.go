// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package testinfra starts Docker containers for integration tests.
//
// Everything here is behind the integration build tag:
//
//	go test -tags integration ./internal/store/...
//
// Tests call SkipIfNoDocker first so they skip cleanly on machines without
// a Docker daemon. The first run pulls images; later runs use the cache.
//
// # PostgreSQL
//
// NewPostgresContainer starts PostgreSQL with wal_level=logical so the
// postgres reading store can create its replication slots:
//
//	pg, err := testinfra.NewPostgresContainer(ctx)
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer testinfra.CleanupContainer(t, pg)
//	st, err := store.OpenPostgres(ctx, store.PostgresConfig{DSN: pg.DSN, ...})
package testinfra
