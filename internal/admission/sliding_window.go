// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package admission

import (
	"context"
	"time"

	"github.com/tomtom215/canopy/internal/metrics"
)

// SlidingWindowName labels sliding window rejections.
const SlidingWindowName = "sliding_window"

// SlidingWindowConfig sizes a SlidingWindowLimiter.
type SlidingWindowConfig struct {
	Window      time.Duration
	Segments    int
	PermitLimit int
	QueueLimit  int
	MaxWait     time.Duration
}

// SlidingWindowLimiter admits a request when the sum of the trailing
// Segments segment counts plus the request stays within PermitLimit.
// Segments are aligned to absolute time, so a segment drops out of the
// window exactly Window after it began.
type SlidingWindowLimiter struct {
	mu     *lockedQueue
	segDur time.Duration
	limit  int
	counts []int64
	// segIdx[i] is the absolute segment number counts[i] belongs to.
	segIdx []int64
	cfg    SlidingWindowConfig
	now    func() time.Time
}

// NewSlidingWindowLimiter validates cfg and returns a limiter.
func NewSlidingWindowLimiter(cfg SlidingWindowConfig) *SlidingWindowLimiter {
	if cfg.Segments < 1 {
		cfg.Segments = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.PermitLimit < 1 {
		cfg.PermitLimit = 1
	}
	segDur := cfg.Window / time.Duration(cfg.Segments)
	if segDur <= 0 {
		segDur = 1
	}
	return &SlidingWindowLimiter{
		mu:     newLockedQueue(cfg.QueueLimit),
		segDur: segDur,
		limit:  cfg.PermitLimit,
		counts: make([]int64, cfg.Segments),
		segIdx: make([]int64, cfg.Segments),
		cfg:    cfg,
		now:    time.Now,
	}
}

func (l *SlidingWindowLimiter) Name() string { return SlidingWindowName }

func (l *SlidingWindowLimiter) segmentOf(t time.Time) int64 {
	return t.UnixNano() / int64(l.segDur)
}

// inWindow sums the trailing segments ending at cur. Must hold the lock.
func (l *SlidingWindowLimiter) inWindow(cur int64) int64 {
	oldest := cur - int64(len(l.counts)) + 1
	var total int64
	for i, idx := range l.segIdx {
		if idx >= oldest && idx <= cur {
			total += l.counts[i]
		}
	}
	return total
}

// record adds n permits to segment cur. Must hold the lock.
func (l *SlidingWindowLimiter) record(cur int64, n int64) {
	slot := int(cur % int64(len(l.counts)))
	if l.segIdx[slot] != cur {
		l.segIdx[slot] = cur
		l.counts[slot] = 0
	}
	l.counts[slot] += n
}

// tryTake grants n permits if they fit. Must hold the lock.
func (l *SlidingWindowLimiter) tryTake(now time.Time, n int) bool {
	cur := l.segmentOf(now)
	if l.inWindow(cur)+int64(n) > int64(l.limit) {
		return false
	}
	l.record(cur, int64(n))
	return true
}

// retryAfter computes how long until `need` permits fit, by walking the
// segments oldest first and summing what each expiry frees. Must hold the lock.
func (l *SlidingWindowLimiter) retryAfter(now time.Time, need int) time.Duration {
	cur := l.segmentOf(now)
	excess := l.inWindow(cur) + int64(need) - int64(l.limit)
	if excess <= 0 {
		return minRetryAfter
	}
	oldest := cur - int64(len(l.counts)) + 1
	var freed int64
	for k := oldest; k <= cur; k++ {
		slot := int(k % int64(len(l.counts)))
		if l.segIdx[slot] == k {
			freed += l.counts[slot]
		}
		if freed >= excess {
			expiry := time.Unix(0, (k+int64(len(l.counts)))*int64(l.segDur))
			return expiry.Sub(now)
		}
	}
	return l.cfg.Window
}

// nextBoundary is when the oldest segment leaves the window.
func (l *SlidingWindowLimiter) nextBoundary(now time.Time) time.Duration {
	next := time.Unix(0, (l.segmentOf(now)+1)*int64(l.segDur))
	return next.Sub(now)
}

// drain grants queued waiters oldest first while they fit. Must hold the lock.
func (l *SlidingWindowLimiter) drain(now time.Time) {
	for {
		w := l.mu.head()
		if w == nil || !l.tryTake(now, w.permits) {
			return
		}
		w.segment = l.segmentOf(now)
		l.mu.grantHead()
	}
}

// Acquire takes permits or waits in the queue. It returns a
// *RateLimitedError when the queue is full or the wait exceeds MaxWait.
func (l *SlidingWindowLimiter) Acquire(ctx context.Context, permits int) error {
	_, err := l.acquire(ctx, permits)
	return err
}

// acquire is Acquire that also reports the segment the permits were
// charged to, for a later refund.
func (l *SlidingWindowLimiter) acquire(ctx context.Context, permits int) (int64, error) {
	if permits > l.limit {
		return 0, ErrTooManyPermits
	}

	l.mu.Lock()
	now := l.now()
	l.drain(now)
	if l.mu.len() == 0 && l.tryTake(now, permits) {
		l.mu.Unlock()
		return l.segmentOf(now), nil
	}
	if l.mu.full() || l.cfg.MaxWait <= 0 {
		d := l.retryAfter(now, permits+l.mu.queuedPermits())
		l.mu.Unlock()
		metrics.RecordAdmissionRejected(SlidingWindowName)
		return 0, rejection(SlidingWindowName, d)
	}
	w := l.mu.enqueue(permits)
	metrics.AdmissionQueued.WithLabelValues(SlidingWindowName).Set(float64(l.mu.len()))
	l.mu.Unlock()

	deadline := time.NewTimer(l.cfg.MaxWait)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		wake := l.nextBoundary(l.now())
		l.mu.Unlock()
		tick := time.NewTimer(wake)

		select {
		case <-w.granted:
			tick.Stop()
			return w.segment, nil
		case <-tick.C:
			l.mu.Lock()
			l.drain(l.now())
			l.mu.Unlock()
		case <-deadline.C:
			tick.Stop()
			if err := l.abandon(w, true); err != nil {
				return 0, err
			}
			return w.segment, nil
		case <-ctx.Done():
			tick.Stop()
			if err := l.abandon(w, false); err == nil {
				return w.segment, nil
			}
			return 0, ctx.Err()
		}
	}
}

// abandon removes w from the queue. If w was granted concurrently the grant
// wins and nil is returned.
func (l *SlidingWindowLimiter) abandon(w *waiter, timedOut bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.mu.remove(w) {
		return nil
	}
	metrics.AdmissionQueued.WithLabelValues(SlidingWindowName).Set(float64(l.mu.len()))
	if !timedOut {
		return context.Canceled
	}
	metrics.RecordAdmissionRejected(SlidingWindowName)
	return rejection(SlidingWindowName, l.retryAfter(l.now(), w.permits+l.mu.queuedPermits()))
}

// refund returns permits to the segment they were charged to, used when a
// later limiter in the chain rejects the same request. Permits whose
// segment has already left the window are no longer counted, so there is
// nothing to return.
func (l *SlidingWindowLimiter) refund(segment int64, permits int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	slot := int(segment % int64(len(l.counts)))
	if l.segIdx[slot] == segment {
		l.counts[slot] -= int64(permits)
		if l.counts[slot] < 0 {
			l.counts[slot] = 0
		}
	}
	l.drain(now)
}

// Count returns the permits currently inside the window.
func (l *SlidingWindowLimiter) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inWindow(l.segmentOf(l.now()))
}
