// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/canopy/internal/metrics"
)

// TokenBucketName labels token bucket rejections.
const TokenBucketName = "token_bucket"

// TokenBucketConfig sizes a TokenBucketLimiter: Capacity tokens, refilled
// at RefillTokens per RefillPeriod.
type TokenBucketConfig struct {
	Capacity     int
	RefillTokens int
	RefillPeriod time.Duration
	QueueLimit   int
	MaxWait      time.Duration
}

// TokenBucketLimiter wraps rate.Limiter. Reservations on a rate.Limiter are
// granted in call order, which gives the queue its oldest-first property;
// the limiter here only bounds how many reservations may be waiting.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	cfg     TokenBucketConfig
	queued  int
	now     func() time.Time
}

func NewTokenBucketLimiter(cfg TokenBucketConfig) *TokenBucketLimiter {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillTokens < 1 {
		cfg.RefillTokens = 1
	}
	if cfg.RefillPeriod <= 0 {
		cfg.RefillPeriod = time.Second
	}
	if cfg.QueueLimit < 0 {
		cfg.QueueLimit = 0
	}
	perSecond := float64(cfg.RefillTokens) / cfg.RefillPeriod.Seconds()
	return &TokenBucketLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.Capacity),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (l *TokenBucketLimiter) Name() string { return TokenBucketName }

// Acquire consumes permits tokens, waiting in line when the bucket is empty
// and the queue has room.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, permits int) error {
	if permits > l.cfg.Capacity {
		return ErrTooManyPermits
	}

	l.mu.Lock()
	now := l.now()
	r := l.limiter.ReserveN(now, permits)
	if !r.OK() {
		l.mu.Unlock()
		return ErrTooManyPermits
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		l.mu.Unlock()
		return nil
	}
	if l.queued >= l.cfg.QueueLimit || delay > l.cfg.MaxWait {
		r.CancelAt(now)
		l.mu.Unlock()
		metrics.RecordAdmissionRejected(TokenBucketName)
		return rejection(TokenBucketName, delay)
	}
	l.queued++
	metrics.AdmissionQueued.WithLabelValues(TokenBucketName).Set(float64(l.queued))
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.queued--
		metrics.AdmissionQueued.WithLabelValues(TokenBucketName).Set(float64(l.queued))
		l.mu.Unlock()
	}()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		r.CancelAt(l.now())
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Tokens reports the tokens available now.
func (l *TokenBucketLimiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.TokensAt(l.now())
}
