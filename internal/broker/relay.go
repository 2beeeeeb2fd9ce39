// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/store"
)

// RelayConfig configures the JetStream relay publisher.
type RelayConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Relay republishes committed readings to "<subject>.<streamId>" for
// consumers outside this process. It is a change-feed handler, so it only
// ever sees committed readings. The reading ID is the Nats-Msg-Id; the
// relay stream's duplicate window drops re-deliveries.
type Relay struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[struct{}]
	subject   string
	logger    watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

// NewRelay connects a watermill NATS publisher.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	logger := newWatermillLogger("relay")
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // the relay stream is created by StreamInitializer
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create relay publisher: %w", err)
	}

	return newRelay(pub, cfg.Subject, logger), nil
}

func newRelay(pub message.Publisher, subject string, logger watermill.LoggerAdapter) *Relay {
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "relay-publisher",
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerTransition(name, from, to)
			logger.Info("Relay circuit breaker state changed", watermill.LogFields{"from": from.String(), "to": to.String()})
		},
	})
	return &Relay{publisher: pub, breaker: breaker, subject: subject, logger: logger}
}

// Topic returns the subject a stream's events are published on.
func (r *Relay) Topic(streamID string) string {
	return r.subject + "." + streamID
}

// Handle implements changefeed.Handler. The first failed publish fails the
// batch, which the worker retries without acknowledging.
func (r *Relay) Handle(ctx context.Context, events []store.ChangeEvent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("relay is closed")
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := json.Marshal(models.EventFromReading(&ev.Reading))
		if err != nil {
			return fmt.Errorf("encode reading %s: %w", ev.Reading.ID, err)
		}
		msg := message.NewMessage(ev.Reading.ID, payload)
		msg.Metadata.Set(natsgo.MsgIdHdr, ev.Reading.ID)
		msg.Metadata.Set("site_id", ev.Reading.SiteID)
		msg.Metadata.Set("position", fmt.Sprintf("%d", ev.Position))

		topic := r.Topic(ev.Reading.StreamID)
		_, err = r.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, r.publisher.Publish(topic, msg)
		})
		metrics.RecordBreakerResult("relay-publisher", err)
		if err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

// Close shuts the publisher down.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.publisher.Close()
}
