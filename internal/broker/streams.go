// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/canopy/internal/adapter"
	"github.com/tomtom215/canopy/internal/config"
)

// JetStreamContext is the subset of jetstream.JetStream StreamInitializer uses.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamInitializer creates or updates streams before consumers and
// publishers start. EnsureStream is idempotent.
type StreamInitializer struct {
	js JetStreamContext
}

func NewStreamInitializer(js JetStreamContext) (*StreamInitializer, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context required")
	}
	return &StreamInitializer{js: js}, nil
}

// IngestStreamConfig captures every MQTT topic under the ingest pattern.
// Messages are removed once the durable consumer acknowledged them.
func IngestStreamConfig(cfg config.BrokerConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      cfg.IngestStream,
		Subjects:  []string{adapter.TopicToSubject(cfg.TopicPattern)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   jetstream.DiscardOld,
	}
}

// RelayStreamConfig holds relayed reading events for external consumers.
// The duplicate window absorbs change-feed redelivery after a restart.
func RelayStreamConfig(cfg config.BrokerConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       cfg.RelayStream,
		Subjects:   []string{cfg.RelaySubject + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 10 * time.Minute,
		Discard:    jetstream.DiscardOld,
	}
}

// EnsureStream creates sc, or updates it if it already exists.
func (s *StreamInitializer) EnsureStream(ctx context.Context, sc jetstream.StreamConfig) (jetstream.Stream, error) {
	_, err := s.js.Stream(ctx, sc.Name)
	if err == nil {
		stream, err := s.js.UpdateStream(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("update stream %s: %w", sc.Name, err)
		}
		return stream, nil
	}

	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err := s.js.CreateStream(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", sc.Name, err)
		}
		return stream, nil
	}

	return nil, fmt.Errorf("check stream %s: %w", sc.Name, err)
}

// IsHealthy reports whether the named stream can be queried.
func (s *StreamInitializer) IsHealthy(ctx context.Context, name string) bool {
	_, err := s.js.Stream(ctx, name)
	return err == nil
}
