// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package admission

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/canopy/internal/config"
)

// Controller composes the sliding window and the token bucket. A request is
// admitted only when both admit; a sliding window permit taken for a request
// the bucket then rejects is refunded.
type Controller struct {
	window *SlidingWindowLimiter
	bucket *TokenBucketLimiter

	closed   atomic.Bool
	inflight sync.WaitGroup
	disabled bool
}

// NewController builds both limiters from configuration.
func NewController(cfg config.AdmissionConfig) *Controller {
	return &Controller{
		window: NewSlidingWindowLimiter(SlidingWindowConfig{
			Window:      cfg.Window,
			Segments:    cfg.Segments,
			PermitLimit: cfg.PermitLimit,
			QueueLimit:  cfg.WindowQueue,
			MaxWait:     cfg.MaxQueueWait,
		}),
		bucket: NewTokenBucketLimiter(TokenBucketConfig{
			Capacity:     cfg.Capacity,
			RefillTokens: cfg.RefillTokens,
			RefillPeriod: cfg.RefillPeriod,
			QueueLimit:   cfg.BucketQueue,
			MaxWait:      cfg.MaxQueueWait,
		}),
		disabled: !cfg.Enabled,
	}
}

// Admit gates one unit of work. On success the caller must invoke release
// when the unit is finished so shutdown can wait for it.
func (c *Controller) Admit(ctx context.Context) (release func(), err error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.disabled {
		segment, err := c.window.acquire(ctx, 1)
		if err != nil {
			return nil, err
		}
		if err := c.bucket.Acquire(ctx, 1); err != nil {
			c.window.refund(segment, 1)
			return nil, err
		}
	}

	c.inflight.Add(1)
	// Close may have raced with the acquire; the unit still counts as
	// in flight so Drain waits for it.
	var once sync.Once
	return func() { once.Do(c.inflight.Done) }, nil
}

// Close stops new admissions. Units already admitted are unaffected.
func (c *Controller) Close() {
	c.closed.Store(true)
}

// Drain blocks until every admitted unit has been released or ctx ends.
func (c *Controller) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Window exposes the sliding window limiter for inspection.
func (c *Controller) Window() *SlidingWindowLimiter { return c.window }
