// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package admission

import (
	"container/list"
	"sync"
)

type waiter struct {
	permits int
	granted chan struct{}
	elem    *list.Element
	// segment is set by limiters that charge the grant to a time segment.
	segment int64
}

// lockedQueue is a mutex plus the bounded FIFO of waiters it protects.
// Every method other than Lock/Unlock must be called with the lock held.
type lockedQueue struct {
	sync.Mutex
	limit   int
	waiters *list.List
	permits int
}

func newLockedQueue(limit int) *lockedQueue {
	if limit < 0 {
		limit = 0
	}
	return &lockedQueue{limit: limit, waiters: list.New()}
}

func (q *lockedQueue) len() int { return q.waiters.Len() }

func (q *lockedQueue) full() bool { return q.waiters.Len() >= q.limit }

func (q *lockedQueue) queuedPermits() int { return q.permits }

func (q *lockedQueue) enqueue(permits int) *waiter {
	w := &waiter{permits: permits, granted: make(chan struct{})}
	w.elem = q.waiters.PushBack(w)
	q.permits += permits
	return w
}

func (q *lockedQueue) head() *waiter {
	front := q.waiters.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*waiter)
}

func (q *lockedQueue) grantHead() {
	w := q.head()
	if w == nil {
		return
	}
	q.waiters.Remove(w.elem)
	w.elem = nil
	q.permits -= w.permits
	close(w.granted)
}

// remove drops w if it is still queued and reports whether it was.
func (q *lockedQueue) remove(w *waiter) bool {
	if w.elem == nil {
		return false
	}
	q.waiters.Remove(w.elem)
	w.elem = nil
	q.permits -= w.permits
	return true
}
