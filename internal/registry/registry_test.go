// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package registry

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}

func TestSubscribeAndLookup(t *testing.T) {
	t.Parallel()
	r := New(4)

	if !r.Subscribe("c1", "x") {
		t.Error("first subscribe returned false")
	}
	if r.Subscribe("c1", "x") {
		t.Error("duplicate subscribe returned true")
	}
	r.Subscribe("c2", "x")
	r.Subscribe("c2", "y")

	if got := sorted(r.Subscribers("x")); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("Subscribers(x) = %v", got)
	}
	if got := r.Subscribers("z"); got != nil {
		t.Errorf("Subscribers(z) = %v, want nil", got)
	}
	if got := sorted(r.Streams("c2")); len(got) != 2 {
		t.Errorf("Streams(c2) = %v", got)
	}
	conns, subs := r.Counts()
	if conns != 2 || subs != 3 {
		t.Errorf("Counts = %d, %d; want 2, 3", conns, subs)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	r := New(4)
	r.Subscribe("c1", "x")

	if !r.Unsubscribe("c1", "x") {
		t.Error("Unsubscribe existing pair returned false")
	}
	if r.Unsubscribe("c1", "x") {
		t.Error("Unsubscribe twice returned true")
	}
	if r.Unsubscribe("ghost", "x") {
		t.Error("Unsubscribe of unknown connection returned true")
	}
	if got := r.Subscribers("x"); len(got) != 0 {
		t.Errorf("Subscribers(x) = %v after unsubscribe", got)
	}
	snap := r.Snapshot()
	if snap.TotalConnections != 1 || snap.TotalSubscriptions != 0 || len(snap.Streams) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRemoveConnectionCleansEverything(t *testing.T) {
	t.Parallel()
	r := New(4)
	r.Subscribe("c1", "x")
	r.Subscribe("c1", "y")
	r.Subscribe("c2", "x")

	removed := sorted(r.RemoveConnection("c1"))
	if len(removed) != 2 || removed[0] != "x" || removed[1] != "y" {
		t.Errorf("removed = %v", removed)
	}
	if got := r.Subscribers("x"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("Subscribers(x) = %v", got)
	}
	if got := r.Subscribers("y"); len(got) != 0 {
		t.Errorf("Subscribers(y) = %v", got)
	}
	if r.RemoveConnection("c1") != nil {
		t.Error("second RemoveConnection returned streams")
	}

	snap := r.Snapshot()
	if snap.TotalConnections != 1 || snap.TotalSubscriptions != 1 || snap.Streams["x"] != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRegisterCountsIdleConnections(t *testing.T) {
	t.Parallel()
	r := New(2)
	r.Register("c1")
	r.Register("c1")
	if snap := r.Snapshot(); snap.TotalConnections != 1 {
		t.Errorf("TotalConnections = %d", snap.TotalConnections)
	}
	r.RemoveConnection("c1")
	if conns, _ := r.Counts(); conns != 0 {
		t.Errorf("connections = %d after remove", conns)
	}
}

func TestConcurrentSubscribeAndRemove(t *testing.T) {
	t.Parallel()
	r := New(8)

	const conns = 50
	const streams = 20
	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", c)
			for s := 0; s < streams; s++ {
				r.Subscribe(id, fmt.Sprintf("s%d", s))
			}
			if c%2 == 0 {
				r.RemoveConnection(id)
			}
		}(c)
	}
	wg.Wait()

	snap := r.Snapshot()
	if snap.TotalConnections != conns/2 {
		t.Errorf("TotalConnections = %d, want %d", snap.TotalConnections, conns/2)
	}
	if snap.TotalSubscriptions != conns/2*streams {
		t.Errorf("TotalSubscriptions = %d, want %d", snap.TotalSubscriptions, conns/2*streams)
	}
	for s := 0; s < streams; s++ {
		if n := len(r.Subscribers(fmt.Sprintf("s%d", s))); n != conns/2 {
			t.Errorf("stream s%d has %d subscribers, want %d", s, n, conns/2)
		}
	}
	c, subs := r.Counts()
	if int(c) != snap.TotalConnections || int(subs) != snap.TotalSubscriptions {
		t.Errorf("Counts = %d, %d disagrees with snapshot", c, subs)
	}
}
