// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package changefeed runs consumers of the store's committed-insert feed.
//
// A Worker owns one named cursor. It reads a batch, hands it to its Handler
// and only then acknowledges the batch's last position. A crash between
// handoff and acknowledgment re-delivers the batch on restart, so handlers
// must tolerate duplicates. Handler failures are retried with exponential
// backoff without advancing the cursor.
package changefeed

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/store"
)

// Handler receives committed events in commit order.
type Handler interface {
	Handle(ctx context.Context, events []store.ChangeEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, events []store.ChangeEvent) error

func (f HandlerFunc) Handle(ctx context.Context, events []store.ChangeEvent) error {
	return f(ctx, events)
}

// Worker consumes the change feed for one consumer name.
type Worker struct {
	name    string
	feed    store.ChangeFeed
	handler Handler
	cfg     config.ChangeFeedConfig
	log     zerolog.Logger

	mu  sync.Mutex
	sub store.Subscription

	ready   atomic.Bool
	handled atomic.Uint64
}

// NewWorker returns a worker that delivers the feed to handler under name.
func NewWorker(name string, feed store.ChangeFeed, handler Handler, cfg config.ChangeFeedConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Worker{
		name:    name,
		feed:    feed,
		handler: handler,
		cfg:     cfg,
		log:     logging.WithComponent("changefeed").With().Str("consumer", name).Logger(),
	}
}

// Open subscribes the worker's cursor. Call it at startup: a failure here
// (a replication slot that cannot be created, say) is a configuration
// error and the service must not become ready.
func (w *Worker) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return nil
	}
	sub, err := w.feed.Subscribe(ctx, w.name)
	if err != nil {
		return fmt.Errorf("open change feed consumer %s: %w", w.name, err)
	}
	w.sub = sub
	w.ready.Store(true)
	w.log.Info().Uint64("position", uint64(sub.Acked())).Msg("Change feed consumer opened")
	return nil
}

// Ready reports whether the worker holds an open subscription.
func (w *Worker) Ready() bool { return w.ready.Load() }

// Handled returns the number of events handed off since start.
func (w *Worker) Handled() uint64 { return w.handled.Load() }

// Serve implements suture.Service. It returns ctx.Err() on shutdown after
// checkpointing the cursor.
func (w *Worker) Serve(ctx context.Context) error {
	attempt := 0
	for {
		sub, err := w.subscription(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.RecordChangeFeedError(w.name, "subscribe")
			w.log.Warn().Err(err).Int("attempt", attempt).Msg("Change feed subscribe failed")
			if !w.sleep(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}
		attempt = 0

		err = w.run(ctx, sub)
		w.drop(sub)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RecordChangeFeedError(w.name, "read")
		w.log.Warn().Err(err).Msg("Change feed interrupted, reconnecting")
		if !w.sleep(ctx, 0) {
			return ctx.Err()
		}
	}
}

func (w *Worker) subscription(ctx context.Context) (store.Subscription, error) {
	if err := w.Open(ctx); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub, nil
}

func (w *Worker) drop(sub store.Subscription) {
	w.mu.Lock()
	if w.sub == sub {
		w.sub = nil
		w.ready.Store(false)
	}
	w.mu.Unlock()
	if err := sub.Close(); err != nil {
		w.log.Debug().Err(err).Msg("Closing change feed subscription")
	}
}

// run is the read, hand off, acknowledge loop. It returns on a read or
// acknowledgment error, or when ctx is done.
func (w *Worker) run(ctx context.Context, sub store.Subscription) error {
	for {
		events, err := sub.Next(ctx, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			continue
		}

		if err := w.handoff(ctx, events); err != nil {
			// Only ctx ends handoff retries; the batch is re-delivered later.
			return err
		}

		last := events[len(events)-1]
		if err := w.ack(ctx, sub, last.Position); err != nil {
			metrics.RecordChangeFeedError(w.name, "ack")
			return err
		}
		w.handled.Add(uint64(len(events)))
		metrics.RecordHandoff(w.name, len(events), uint64(last.Position), last.Reading.IngestedAt)
	}
}

// handoff retries the handler with exponential backoff until it succeeds
// or ctx is done.
func (w *Worker) handoff(ctx context.Context, events []store.ChangeEvent) error {
	for attempt := 0; ; attempt++ {
		err := w.handler.Handle(ctx, events)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RecordChangeFeedError(w.name, "handoff")
		w.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("events", len(events)).
			Uint64("first_position", uint64(events[0].Position)).
			Msg("Change feed handoff failed, retrying")
		if !w.sleep(ctx, attempt) {
			return ctx.Err()
		}
	}
}

// ack confirms pos. If ctx is already done the acknowledgment still goes
// out on a short detached context so shutdown checkpoints the cursor.
func (w *Worker) ack(ctx context.Context, sub store.Subscription, pos store.Position) error {
	ackCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	return sub.Ack(ackCtx, pos)
}

// Backoff returns the delay before retry attempt: initial * 2^attempt,
// capped at maxDelay.
func Backoff(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt > 50 {
		return maxDelay
	}
	d := time.Duration(float64(initial) * math.Pow(2, float64(attempt)))
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

func (w *Worker) sleep(ctx context.Context, attempt int) bool {
	t := time.NewTimer(Backoff(w.cfg.BackoffInitial, w.cfg.BackoffMax, attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// String implements fmt.Stringer for suture logging.
func (w *Worker) String() string {
	return "changefeed-" + w.name
}
