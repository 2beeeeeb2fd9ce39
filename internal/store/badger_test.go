// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/canopy/internal/models"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(BadgerConfig{InMemory: true, PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testStream(t *testing.T, s *BadgerStore) *models.SensorStream {
	t.Helper()
	st, created, err := s.CreateStream(context.Background(), &models.SensorStream{
		SiteID: "site-1", EquipmentID: "gw-1", StreamType: models.StreamTemperature,
		Channel: models.DefaultChannel, Unit: "°F",
	})
	if err != nil || !created {
		t.Fatalf("CreateStream = %v, %v", created, err)
	}
	return st
}

func reading(streamID string, ts time.Time, v float64) *models.SensorReading {
	return &models.SensorReading{
		StreamID: streamID, SiteID: "site-1", Timestamp: ts, Value: v, Unit: "°F",
		IngestedAt: ts, SourceProtocol: models.ProtocolHTTP,
	}
}

func TestCreateStreamKeepsFirstUnit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	first := testStream(t, s)

	again, created, err := s.CreateStream(ctx, &models.SensorStream{
		SiteID: "site-1", EquipmentID: "gw-1", StreamType: models.StreamTemperature,
		Channel: models.DefaultChannel, Unit: "°C",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second create reported created")
	}
	if again.ID != first.ID || again.Unit != "°F" {
		t.Errorf("got %s/%s, want %s/°F", again.ID, again.Unit, first.ID)
	}

	found, err := s.FindStream(ctx, first.Identity())
	if err != nil || found.ID != first.ID {
		t.Errorf("FindStream = %v, %v", found, err)
	}
	if _, err := s.GetStream(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStream(missing) = %v, want ErrNotFound", err)
	}
	streams, err := s.ListStreams(ctx, "site-1")
	if err != nil || len(streams) != 1 {
		t.Errorf("ListStreams = %d, %v", len(streams), err)
	}
}

func TestAppendReadingsAssignsSequenceAndCounts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	st := testStream(t, s)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []*models.SensorReading{reading(st.ID, base, 70), reading(st.ID, base.Add(time.Minute), 71)}
	if err := s.AppendReadings(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if batch[0].Seq != 1 || batch[1].Seq != 2 {
		t.Errorf("seqs = %d, %d", batch[0].Seq, batch[1].Seq)
	}

	n, err := s.CountReadings(ctx, st.ID)
	if err != nil || n != 2 {
		t.Errorf("CountReadings = %d, %v", n, err)
	}
	latest, err := s.LatestReadings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !latest[st.ID].Equal(base.Add(time.Minute)) {
		t.Errorf("latest = %v", latest[st.ID])
	}
}

func TestChangeFeedOrderAndResume(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	st := testStream(t, s)
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if err := s.AppendReadings(ctx, []*models.SensorReading{reading(st.ID, base.Add(time.Duration(i)*time.Second), float64(i))}); err != nil {
			t.Fatal(err)
		}
	}

	sub, err := s.Subscribe(ctx, "fanout")
	if err != nil {
		t.Fatal(err)
	}
	events, err := sub.Next(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Reading.Value != float64(i) {
			t.Errorf("event %d value = %v, order broken", i, ev.Reading.Value)
		}
	}
	if err := sub.Ack(ctx, events[0].Position); err != nil {
		t.Fatal(err)
	}
	_ = sub.Close()

	// Unacknowledged events are delivered again.
	sub, err = s.Subscribe(ctx, "fanout")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	events, err = sub.Next(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Reading.Value != 1 {
		t.Fatalf("resumed events = %+v", events)
	}

	// Another consumer has its own cursor.
	other, err := s.Subscribe(ctx, "alerts")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	events, err = other.Next(ctx, 1)
	if err != nil || len(events) != 1 || events[0].Reading.Value != 0 {
		t.Errorf("alerts consumer = %+v, %v", events, err)
	}
}

func TestChangeFeedWakesOnAppend(t *testing.T) {
	t.Parallel()
	s, err := OpenBadger(BadgerConfig{InMemory: true, PollInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	st := testStream(t, s)

	sub, err := s.Subscribe(context.Background(), "fanout")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	var (
		wg  sync.WaitGroup
		got []ChangeEvent
		gerr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		got, gerr = sub.Next(ctx, 10)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.AppendReadings(context.Background(), []*models.SensorReading{reading(st.ID, time.Now(), 1)}); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if gerr != nil || len(got) != 1 {
		t.Errorf("Next = %d events, %v", len(got), gerr)
	}
}

func TestChangeFeedNextHonoursContext(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	sub, err := s.Subscribe(context.Background(), "fanout")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next = %v, want deadline exceeded", err)
	}
}

func TestSessionsAndErrors(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Hour).UTC()

	sess := &models.IngestionSession{
		SiteID: "site-1", EquipmentID: "gw-1", Protocol: models.ProtocolHTTP,
		IdempotencyKey: "k", StartedAt: started, State: models.SessionOpen, Stage: "received",
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	open, err := s.ListOpenSessions(ctx, time.Now())
	if err != nil || len(open) != 1 {
		t.Fatalf("ListOpenSessions = %d, %v", len(open), err)
	}
	open, _ = s.ListOpenSessions(ctx, started.Add(-time.Minute))
	if len(open) != 0 {
		t.Errorf("sessions started after cutoff should be excluded, got %d", len(open))
	}

	closed := time.Now().UTC()
	sess.State = models.SessionClosed
	sess.ClosedAt = &closed
	sess.Accepted = 3
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	open, _ = s.ListOpenSessions(ctx, time.Now())
	if len(open) != 0 {
		t.Errorf("closed session still listed as open")
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil || got.Accepted != 3 || got.State != models.SessionClosed {
		t.Errorf("GetSession = %+v, %v", got, err)
	}

	if err := s.UpdateSession(ctx, &models.IngestionSession{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSession(missing) = %v", err)
	}

	errs := []*models.IngestionError{
		{SessionID: sess.ID, ReadingIndex: 2, Reason: models.ReasonInvalidValue, CreatedAt: closed},
		{SessionID: sess.ID, ReadingIndex: 0, Reason: models.ReasonOutOfRange, CreatedAt: closed},
	}
	if err := s.AppendErrors(ctx, errs); err != nil {
		t.Fatal(err)
	}
	listed, err := s.ListErrors(ctx, sess.ID)
	if err != nil || len(listed) != 2 {
		t.Fatalf("ListErrors = %d, %v", len(listed), err)
	}
	if listed[0].ReadingIndex != 0 || listed[1].ReadingIndex != 2 {
		t.Errorf("errors not ordered by reading index: %d, %d", listed[0].ReadingIndex, listed[1].ReadingIndex)
	}
}

func TestSessionCommittedMark(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	stream := testStream(t, s)

	sess := &models.IngestionSession{
		ID: "sess-1", SiteID: "site-1", EquipmentID: "gw-1", Protocol: models.ProtocolHTTP,
		StartedAt: time.Now().UTC(), State: models.SessionOpen, ReservedKeys: []string{"k#0", "k#1"},
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSession(ctx, "sess-1")
	if err != nil || len(got.ReservedKeys) != 2 {
		t.Fatalf("GetSession = %+v, %v", got, err)
	}

	if ok, err := s.SessionCommitted(ctx, "sess-1"); err != nil || ok {
		t.Fatalf("before append = %v, %v", ok, err)
	}
	r := reading(stream.ID, time.Now().UTC(), 70)
	r.SessionID = "sess-1"
	if err := s.AppendReadings(ctx, []*models.SensorReading{r}); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.SessionCommitted(ctx, "sess-1"); err != nil || !ok {
		t.Fatalf("after append = %v, %v", ok, err)
	}

	sess.State = models.SessionClosed
	sess.ReservedKeys = nil
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.SessionCommitted(ctx, "sess-1"); ok {
		t.Error("mark kept after the session closed")
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	s, err := OpenBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after close = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
