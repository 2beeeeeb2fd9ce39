// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/adapter"
	"github.com/tomtom215/canopy/internal/admission"
	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/ingest"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
)

// Processor runs a canonical batch through ingestion.
type Processor interface {
	Process(ctx context.Context, batch *models.IngestBatch) (*models.BatchResult, error)
}

// ConsumerConfig tunes the MQTT ingest consumer.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	MaxDeliveries int
	AckWait       time.Duration
	FetchBatch    int
	FetchWait     time.Duration
	// FailureDelay is the redelivery delay after an infrastructure failure.
	FailureDelay time.Duration
}

// ConsumerConfigFrom derives consumer settings from the broker section.
func ConsumerConfigFrom(cfg config.BrokerConfig) ConsumerConfig {
	return ConsumerConfig{
		Stream:        cfg.IngestStream,
		Durable:       cfg.DurableName,
		MaxDeliveries: cfg.MaxDeliveries,
	}
}

func (c *ConsumerConfig) applyDefaults() {
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 20
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 32
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
	if c.FailureDelay <= 0 {
		c.FailureDelay = 5 * time.Second
	}
}

// MQTTConsumer pulls MQTT messages off the ingest stream.
type MQTTConsumer struct {
	js        jetstream.JetStream
	cfg       ConsumerConfig
	adapter   *adapter.MQTTAdapter
	processor Processor
	log       zerolog.Logger
}

// NewMQTTConsumer returns a consumer feeding processor.
func NewMQTTConsumer(js jetstream.JetStream, cfg ConsumerConfig, mqtt *adapter.MQTTAdapter, processor Processor) *MQTTConsumer {
	cfg.applyDefaults()
	return &MQTTConsumer{
		js:        js,
		cfg:       cfg,
		adapter:   mqtt,
		processor: processor,
		log:       logging.WithComponent("mqtt-consumer"),
	}
}

// Serve implements suture.Service. An error returned here (consumer
// creation, lost connection) lets the supervisor restart the loop; the
// durable consumer keeps its position across restarts.
func (c *MQTTConsumer) Serve(ctx context.Context) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliveries,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s on %s: %w", c.cfg.Durable, c.cfg.Stream, err)
	}
	c.log.Info().Str("stream", c.cfg.Stream).Str("durable", c.cfg.Durable).Msg("MQTT ingest consumer started")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := cons.Fetch(c.cfg.FetchBatch, jetstream.FetchMaxWait(c.cfg.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch from %s: %w", c.cfg.Stream, err)
		}
		for msg := range batch.Messages() {
			c.handle(ctx, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("Fetch ended with error")
		}
	}
}

// handle settles one message. Every path ends in exactly one of Ack, Nak
// with delay, or Term.
func (c *MQTTConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	meta, err := msg.Metadata()
	if err != nil {
		c.log.Error().Err(err).Str("subject", msg.Subject()).Msg("Message without JetStream metadata")
		_ = msg.Term()
		return
	}

	topic := adapter.SubjectToTopic(msg.Subject())
	batch, err := c.adapter.Ingest(msg.Data(), adapter.MQTTContext{
		Topic:      topic,
		MessageID:  strconv.FormatUint(meta.Sequence.Stream, 10),
		ReceivedAt: meta.Timestamp.UTC(),
	})
	if err != nil {
		// A payload that cannot be decoded never will be.
		c.log.Warn().Err(err).Str("topic", topic).Uint64("seq", meta.Sequence.Stream).Msg("Dropping undecodable MQTT payload")
		metrics.RecordReadingOutcome(string(models.ProtocolMQTT), string(models.OutcomeRejected), "malformed payload")
		_ = msg.Term()
		return
	}

	result, err := c.processor.Process(ctx, batch)
	if err != nil {
		if retry, limited := admission.RetryAfter(err); limited {
			c.log.Debug().Dur("retry_after", retry).Str("topic", topic).Msg("MQTT batch rate limited")
			_ = msg.NakWithDelay(retry)
			return
		}
		if errors.Is(err, ingest.ErrInvalidBatch) {
			c.log.Warn().Err(err).Str("topic", topic).Msg("Dropping invalid MQTT batch")
			_ = msg.Term()
			return
		}
		c.log.Warn().Err(err).Str("topic", topic).Uint64("delivery", meta.NumDelivered).Msg("MQTT batch failed, will be redelivered")
		_ = msg.NakWithDelay(c.cfg.FailureDelay)
		return
	}

	if err := msg.Ack(); err != nil {
		// The batch is committed; a redelivery is absorbed as duplicates.
		c.log.Warn().Err(err).Str("session_id", result.SessionID).Msg("Failed to ack MQTT message")
	}
}

func (c *MQTTConsumer) String() string { return "mqtt-consumer" }
