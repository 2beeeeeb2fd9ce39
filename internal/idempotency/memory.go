// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package idempotency

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	key        string
	owner      string
	expiresAt  time.Time
	prev, next *memEntry
}

// MemoryStore is a bounded LRU of reserved keys with per-key expiry. When
// full, the least recently reserved key is forgotten early, which shortens
// its retention; size MaxKeys for the expected key rate times retention.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*memEntry
	// head.next is newest, tail.prev is oldest.
	head, tail *memEntry
	now        func() time.Time
	evictions  int64
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 100_000
	}
	s := &MemoryStore{
		capacity: capacity,
		items:    make(map[string]*memEntry, min(capacity, 1<<16)),
		head:     &memEntry{},
		tail:     &memEntry{},
		now:      time.Now,
	}
	s.head.next = s.tail
	s.tail.prev = s.head
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.items[key]; ok {
		if now.Before(e.expiresAt) {
			return false, nil
		}
		s.unlink(e)
		delete(s.items, key)
	}

	e := &memEntry{key: key, owner: owner, expiresAt: now.Add(ttl)}
	s.pushFront(e)
	s.items[key] = e
	for len(s.items) > s.capacity {
		oldest := s.tail.prev
		s.unlink(oldest)
		delete(s.items, oldest.key)
		s.evictions++
	}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && e.owner == owner {
		s.unlink(e)
		delete(s.items, key)
	}
	return nil
}

// Sweep drops expired keys and returns how many were removed. Expired keys
// are also replaced lazily by Reserve, so Sweep only bounds memory.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for e := s.tail.prev; e != s.head; {
		prev := e.prev
		if !now.Before(e.expiresAt) {
			s.unlink(e)
			delete(s.items, e.key)
			removed++
		}
		e = prev
	}
	return removed
}

// Len returns the number of keys held, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MemoryStore) pushFront(e *memEntry) {
	e.prev = s.head
	e.next = s.head.next
	s.head.next.prev = e
	s.head.next = e
}

func (s *MemoryStore) unlink(e *memEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}
