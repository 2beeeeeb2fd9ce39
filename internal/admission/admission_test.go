// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/canopy/internal/config"
)

func TestSlidingWindowRejectsOverLimitWithRetryAfter(t *testing.T) {
	t.Parallel()

	const limit = 5
	l := NewSlidingWindowLimiter(SlidingWindowConfig{
		Window:      time.Second,
		Segments:    10,
		PermitLimit: limit,
	})
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if err := l.Acquire(ctx, 1); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}

	err := l.Acquire(ctx, 1)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("request %d: expected RateLimitedError, got %v", limit+1, err)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", rl.RetryAfter)
	}
	if rl.Limiter != SlidingWindowName {
		t.Errorf("Limiter = %q", rl.Limiter)
	}
}

func TestSlidingWindowRetryAfterTracksOldestSegment(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindowLimiter(SlidingWindowConfig{Window: time.Second, Segments: 10, PermitLimit: 2})
	base := time.Unix(1_700_000_000, 0)
	clock := base
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(300 * time.Millisecond)
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(500 * time.Millisecond)

	d, ok := RetryAfter(l.Acquire(ctx, 1))
	if !ok {
		t.Fatal("expected rejection")
	}
	// The first permit's segment began at base and leaves the window at base+1s.
	if d != 500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 500ms", d)
	}

	clock = base.Add(time.Second)
	if err := l.Acquire(ctx, 1); err != nil {
		t.Errorf("after the oldest segment expired: %v", err)
	}
}

func TestSlidingWindowQueueAbsorbsBurst(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindowLimiter(SlidingWindowConfig{
		Window:      100 * time.Millisecond,
		Segments:    5,
		PermitLimit: 1,
		QueueLimit:  1,
		MaxWait:     2 * time.Second,
	})
	ctx := context.Background()

	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}

	queued := make(chan error, 1)
	go func() { queued <- l.Acquire(ctx, 1) }()

	// Wait until the goroutine is parked in the queue.
	deadline := time.Now().Add(time.Second)
	for {
		l.mu.Lock()
		n := l.mu.len()
		l.mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, ok := RetryAfter(l.Acquire(ctx, 1)); !ok {
		t.Error("expected rejection once the queue is full")
	}

	select {
	case err := <-queued:
		if err != nil {
			t.Errorf("queued request failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never admitted")
	}
}

func TestSlidingWindowQueueIsOldestFirst(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindowLimiter(SlidingWindowConfig{
		Window:      60 * time.Millisecond,
		Segments:    3,
		PermitLimit: 1,
		QueueLimit:  3,
		MaxWait:     5 * time.Second,
	})
	ctx := context.Background()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := l.Acquire(ctx, 1); err != nil {
				t.Errorf("waiter %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		// Let each waiter enqueue before the next one starts.
		for {
			l.mu.Lock()
			n := l.mu.len()
			l.mu.Unlock()
			if n >= i || func() bool { mu.Lock(); defer mu.Unlock(); return len(order) > 0 }() {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	for i, id := range order {
		if id != i+1 {
			t.Fatalf("grant order = %v, want [1 2 3]", order)
		}
	}
}

func TestSlidingWindowTooManyPermits(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindowLimiter(SlidingWindowConfig{Window: time.Second, Segments: 1, PermitLimit: 2})
	if err := l.Acquire(context.Background(), 3); !errors.Is(err, ErrTooManyPermits) {
		t.Errorf("err = %v, want ErrTooManyPermits", err)
	}
}

func TestTokenBucketRejectsWhenEmpty(t *testing.T) {
	t.Parallel()

	l := NewTokenBucketLimiter(TokenBucketConfig{
		Capacity:     2,
		RefillTokens: 1,
		RefillPeriod: time.Hour,
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx, 1); err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
	}

	d, ok := RetryAfter(l.Acquire(ctx, 1))
	if !ok {
		t.Fatal("expected rejection from empty bucket")
	}
	if d <= 50*time.Minute || d > time.Hour {
		t.Errorf("RetryAfter = %v, want close to 1h", d)
	}
	// The cancelled reservation must not have consumed a future token.
	if tokens := l.Tokens(); tokens < -0.01 {
		t.Errorf("tokens = %v after rejected request", tokens)
	}
}

func TestTokenBucketQueueWaitsForRefill(t *testing.T) {
	t.Parallel()

	l := NewTokenBucketLimiter(TokenBucketConfig{
		Capacity:     1,
		RefillTokens: 1,
		RefillPeriod: 50 * time.Millisecond,
		QueueLimit:   1,
		MaxWait:      time.Second,
	})
	ctx := context.Background()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("queued acquire: %v", err)
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Errorf("waited %v, expected to wait for refill", waited)
	}
}

func TestTokenBucketQueueHonoursContext(t *testing.T) {
	t.Parallel()

	l := NewTokenBucketLimiter(TokenBucketConfig{
		Capacity:     1,
		RefillTokens: 1,
		RefillPeriod: 10 * time.Second,
		QueueLimit:   1,
		MaxWait:      time.Minute,
	})
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func testAdmissionConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		Enabled:      true,
		Window:       time.Second,
		Segments:     10,
		PermitLimit:  10,
		Capacity:     1,
		RefillTokens: 1,
		RefillPeriod: time.Hour,
	}
}

func TestControllerRefundsWindowWhenBucketRejects(t *testing.T) {
	t.Parallel()

	c := NewController(testAdmissionConfig())
	ctx := context.Background()

	release, err := c.Admit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	release()

	_, err = c.Admit(ctx)
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.Limiter != TokenBucketName {
		t.Fatalf("err = %v, want token bucket rejection", err)
	}
	if n := c.Window().Count(); n != 1 {
		t.Errorf("window count = %d, want 1 after refund", n)
	}
}

func TestSlidingWindowRefundReturnsToChargedSegment(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		// refundAt is when the first permit is refunded.
		refundAt time.Duration
		// checkAt is when the window is counted afterwards.
		checkAt time.Duration
		want    int64
	}{
		{"same segment", 0, 0, 1},
		{"later segment keeps the later permit", 1500 * time.Millisecond, 10 * time.Second, 1},
		{"later segment before either expires", 1500 * time.Millisecond, 1500 * time.Millisecond, 1},
		{"charged segment already expired", 10 * time.Second, 10 * time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := NewSlidingWindowLimiter(SlidingWindowConfig{Window: 10 * time.Second, Segments: 10, PermitLimit: 10})
			clock := base
			l.now = func() time.Time { return clock }
			ctx := context.Background()

			first, err := l.acquire(ctx, 1)
			if err != nil {
				t.Fatal(err)
			}
			clock = base.Add(tt.refundAt)
			if _, err := l.acquire(ctx, 1); err != nil {
				t.Fatal(err)
			}
			l.refund(first, 1)

			clock = base.Add(tt.checkAt)
			if n := l.Count(); n != tt.want {
				t.Errorf("window count = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestControllerCloseAndDrain(t *testing.T) {
	t.Parallel()

	cfg := testAdmissionConfig()
	cfg.Enabled = false
	c := NewController(cfg)

	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	if _, err := c.Admit(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain with unit in flight = %v", err)
	}

	release()
	release() // idempotent
	if err := c.Drain(context.Background()); err != nil {
		t.Errorf("Drain after release = %v", err)
	}
}
