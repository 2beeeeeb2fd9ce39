// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package registry tracks which live connections want which streams.
//
// The registry is a bidirectional map split into shards: stream -> set of
// connections answers fanout lookups, connection -> set of streams makes
// disconnect cleanup proportional to that connection's own subscriptions.
// Each direction is sharded by key hash so unrelated streams and
// connections never contend on the same lock.
//
// Locks are always taken connection shard first, then stream shard.
package registry

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
)

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 32

type set map[string]struct{}

type shard struct {
	mu sync.RWMutex
	m  map[string]set
}

// Registry is safe for concurrent use.
type Registry struct {
	streams []*shard
	conns   []*shard

	subscriptions atomic.Int64
	connections   atomic.Int64
}

// New returns a registry with n shards per direction.
func New(n int) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	r := &Registry{
		streams: make([]*shard, n),
		conns:   make([]*shard, n),
	}
	for i := 0; i < n; i++ {
		r.streams[i] = &shard{m: make(map[string]set)}
		r.conns[i] = &shard{m: make(map[string]set)}
	}
	return r
}

func pick(shards []*shard, key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return shards[h.Sum32()%uint32(len(shards))]
}

// Subscribe adds (connID, streamID). It reports false if the pair already existed.
func (r *Registry) Subscribe(connID, streamID string) bool {
	cs := pick(r.conns, connID)
	ss := pick(r.streams, streamID)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	streams, ok := cs.m[connID]
	if !ok {
		streams = make(set)
		cs.m[connID] = streams
		r.connections.Add(1)
	}
	if _, dup := streams[streamID]; dup {
		return false
	}
	streams[streamID] = struct{}{}

	ss.mu.Lock()
	conns, ok := ss.m[streamID]
	if !ok {
		conns = make(set)
		ss.m[streamID] = conns
	}
	conns[connID] = struct{}{}
	ss.mu.Unlock()

	metrics.ActiveSubscriptions.Set(float64(r.subscriptions.Add(1)))
	return true
}

// Unsubscribe removes (connID, streamID). It reports whether the pair existed.
// A connection left with no subscriptions stays registered until
// RemoveConnection.
func (r *Registry) Unsubscribe(connID, streamID string) bool {
	cs := pick(r.conns, connID)
	ss := pick(r.streams, streamID)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	streams, ok := cs.m[connID]
	if !ok {
		return false
	}
	if _, ok := streams[streamID]; !ok {
		return false
	}
	delete(streams, streamID)

	ss.mu.Lock()
	r.detach(ss, streamID, connID)
	ss.mu.Unlock()

	metrics.ActiveSubscriptions.Set(float64(r.subscriptions.Add(-1)))
	return true
}

// detach removes connID from streamID's set. ss must be locked.
func (r *Registry) detach(ss *shard, streamID, connID string) {
	conns := ss.m[streamID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(ss.m, streamID)
	}
}

// Register records a connection with no subscriptions so that it counts
// toward TotalConnections. It is optional; Subscribe registers implicitly.
func (r *Registry) Register(connID string) {
	cs := pick(r.conns, connID)
	cs.mu.Lock()
	if _, ok := cs.m[connID]; !ok {
		cs.m[connID] = make(set)
		r.connections.Add(1)
	}
	cs.mu.Unlock()
}

// RemoveConnection drops connID and all of its subscriptions. It returns
// the streams the connection was subscribed to.
func (r *Registry) RemoveConnection(connID string) []string {
	cs := pick(r.conns, connID)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	streams, ok := cs.m[connID]
	if !ok {
		return nil
	}
	delete(cs.m, connID)
	r.connections.Add(-1)

	removed := make([]string, 0, len(streams))
	for streamID := range streams {
		ss := pick(r.streams, streamID)
		ss.mu.Lock()
		r.detach(ss, streamID, connID)
		ss.mu.Unlock()
		removed = append(removed, streamID)
	}
	if len(removed) > 0 {
		metrics.ActiveSubscriptions.Set(float64(r.subscriptions.Add(-int64(len(removed)))))
	}
	return removed
}

// Subscribers returns a copy of the connections subscribed to streamID.
func (r *Registry) Subscribers(streamID string) []string {
	ss := pick(r.streams, streamID)
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	conns := ss.m[streamID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Streams returns the streams connID is subscribed to.
func (r *Registry) Streams(connID string) []string {
	cs := pick(r.conns, connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	streams := cs.m[connID]
	out := make([]string, 0, len(streams))
	for id := range streams {
		out = append(out, id)
	}
	return out
}

// Snapshot captures subscriber counts per stream. Shards are read one at a
// time, so the result is consistent per stream but not across streams.
func (r *Registry) Snapshot() models.TelemetrySubscriptionSnapshot {
	snap := models.TelemetrySubscriptionSnapshot{
		CapturedAt: time.Now().UTC(),
		Streams:    make(map[string]int),
	}
	for _, ss := range r.streams {
		ss.mu.RLock()
		for streamID, conns := range ss.m {
			snap.Streams[streamID] = len(conns)
			snap.TotalSubscriptions += len(conns)
		}
		ss.mu.RUnlock()
	}
	for _, cs := range r.conns {
		cs.mu.RLock()
		snap.TotalConnections += len(cs.m)
		cs.mu.RUnlock()
	}
	return snap
}

// Counts returns the live connection and subscription totals without
// walking the shards.
func (r *Registry) Counts() (connections, subscriptions int64) {
	return r.connections.Load(), r.subscriptions.Load()
}
