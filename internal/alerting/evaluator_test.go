// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package alerting

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/store"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

var t0 = time.Date(2026, 7, 14, 13, 0, 0, 0, time.UTC)

type fakeStreams map[string]*models.SensorStream

func (f fakeStreams) GetStream(_ context.Context, id string) (*models.SensorStream, error) {
	if s, ok := f[id]; ok {
		return s, nil
	}
	return nil, store.ErrNotFound
}

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recordingNotifier) Name() string { return "recorder" }

func (r *recordingNotifier) Notify(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.transitions))
	for i, t := range r.transitions {
		out[i] = t.Type
	}
	return out
}

// hotGreenhouse is "temperature > 90°F for 5 minutes".
func hotGreenhouse() models.AlertRule {
	return models.AlertRule{
		ID:         "greenhouse-hot",
		SiteID:     "site-1",
		StreamType: models.StreamTemperature,
		Comparator: models.ComparatorGT,
		Threshold:  90,
		Unit:       "°F",
		Sustained:  5 * time.Minute,
		Severity:   models.SeverityCritical,
	}
}

func testStreams() fakeStreams {
	return fakeStreams{
		"temp-1": {ID: "temp-1", SiteID: "site-1", EquipmentID: "gw-1", StreamType: models.StreamTemperature, Unit: "°F"},
		"rh-1":   {ID: "rh-1", SiteID: "site-1", EquipmentID: "gw-1", StreamType: models.StreamHumidity, Unit: "%"},
	}
}

func newTestEvaluator(rules ...models.AlertRule) (*Evaluator, *MemoryInstanceStore, *recordingNotifier) {
	instances := NewMemoryInstanceStore()
	rec := &recordingNotifier{}
	e := NewEvaluator(rules, testStreams(), instances, rec)
	e.now = func() time.Time { return t0 }
	return e, instances, rec
}

// feed evaluates values one minute apart starting at start.
func feed(t *testing.T, e *Evaluator, streamID string, start time.Time, values ...float64) time.Time {
	t.Helper()
	ts := start
	for _, v := range values {
		r := &models.SensorReading{StreamID: streamID, SiteID: "site-1", Timestamp: ts, Value: v, Unit: "°F"}
		if err := e.Evaluate(context.Background(), r); err != nil {
			t.Fatalf("Evaluate(%v at %s): %v", v, ts, err)
		}
		ts = ts.Add(time.Minute)
	}
	return ts
}

func listAll(t *testing.T, s InstanceStore) []*models.AlertInstance {
	t.Helper()
	out, err := s.List(context.Background(), "site-1", "")
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestShortBreachNeverOpens(t *testing.T) {
	t.Parallel()
	e, instances, rec := newTestEvaluator(hotGreenhouse())

	feed(t, e, "temp-1", t0, 89, 91, 92, 91, 88)

	if got := listAll(t, instances); len(got) != 0 {
		t.Errorf("instances = %+v, want none for a 3 minute breach", got)
	}
	if len(rec.types()) != 0 {
		t.Errorf("transitions = %v", rec.types())
	}
}

func TestSustainedBreachOpensOnceAndCloses(t *testing.T) {
	t.Parallel()
	e, instances, rec := newTestEvaluator(hotGreenhouse())

	// 89 at t0, then 91-92 from t0+1m through t0+7m: six minutes of breach.
	next := feed(t, e, "temp-1", t0, 89, 91, 92, 91, 92, 91, 92, 93)

	got := listAll(t, instances)
	if len(got) != 1 {
		t.Fatalf("instances = %d, want exactly 1", len(got))
	}
	inst := got[0]
	if inst.State != models.AlertOpen || inst.RuleID != "greenhouse-hot" || inst.StreamID != "temp-1" {
		t.Errorf("instance = %+v", inst)
	}
	if !inst.OpenedAt.Equal(t0.Add(6 * time.Minute)) {
		t.Errorf("OpenedAt = %s, want breach start + 5m", inst.OpenedAt)
	}
	if inst.TriggeringValue != 93 {
		t.Errorf("TriggeringValue = %v, want latest breaching value 93", inst.TriggeringValue)
	}

	// Four minutes in bounds is not enough to close.
	next = feed(t, e, "temp-1", next, 88, 87, 88, 86, 85)
	if cur, _ := instances.Get(context.Background(), inst.ID); cur.State != models.AlertOpen {
		t.Fatalf("closed after 4 minutes in bounds")
	}
	// The fifth minute is.
	feed(t, e, "temp-1", next, 85)

	cur, err := instances.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.State != models.AlertClosed || cur.ClosedAt == nil {
		t.Errorf("instance after recovery = %+v", cur)
	}
	if want := []string{TransitionOpened, TransitionClosed}; !equal(rec.types(), want) {
		t.Errorf("transitions = %v, want %v", rec.types(), want)
	}
}

func TestBreachExactlySustainedOpensOne(t *testing.T) {
	t.Parallel()
	e, instances, _ := newTestEvaluator(hotGreenhouse())
	ctx := context.Background()

	for _, offset := range []time.Duration{0, 5 * time.Minute} {
		r := &models.SensorReading{StreamID: "temp-1", SiteID: "site-1", Timestamp: t0.Add(offset), Value: 95, Unit: "°F"}
		if err := e.Evaluate(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if got := listAll(t, instances); len(got) != 1 {
		t.Errorf("instances = %d, want 1", len(got))
	}
}

func TestRedeliveryDoesNotDuplicate(t *testing.T) {
	t.Parallel()
	e, instances, rec := newTestEvaluator(hotGreenhouse())

	var events []store.ChangeEvent
	for i := 0; i < 8; i++ {
		events = append(events, store.ChangeEvent{
			Position: store.Position(i + 1),
			Reading:  models.SensorReading{StreamID: "temp-1", SiteID: "site-1", Timestamp: t0.Add(time.Duration(i) * time.Minute), Value: 95, Unit: "°F"},
		})
	}
	if err := e.Handle(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	// Same batch again, as after a crash before acknowledgment.
	if err := e.Handle(context.Background(), events); err != nil {
		t.Fatal(err)
	}

	if got := listAll(t, instances); len(got) != 1 {
		t.Errorf("instances = %d after re-delivery", len(got))
	}
	if n := len(rec.types()); n != 1 {
		t.Errorf("transitions = %v", rec.types())
	}
}

func TestRestartAdoptsActiveInstance(t *testing.T) {
	t.Parallel()
	instances := NewMemoryInstanceStore()
	first := NewEvaluator([]models.AlertRule{hotGreenhouse()}, testStreams(), instances)
	feed(t, first, "temp-1", t0, 95, 95, 95, 95, 95, 95)

	// A new evaluator has no trackers but must see the open instance.
	second := NewEvaluator([]models.AlertRule{hotGreenhouse()}, testStreams(), instances)
	feed(t, second, "temp-1", t0.Add(10*time.Minute), 96, 96, 96, 96, 96, 96)

	got := listAll(t, instances)
	if len(got) != 1 {
		t.Fatalf("instances = %d, want 1", len(got))
	}
	if got[0].TriggeringValue != 96 {
		t.Errorf("TriggeringValue = %v", got[0].TriggeringValue)
	}
}

func TestAcknowledge(t *testing.T) {
	t.Parallel()
	e, instances, rec := newTestEvaluator(hotGreenhouse())
	next := feed(t, e, "temp-1", t0, 95, 95, 95, 95, 95, 95)
	inst := listAll(t, instances)[0]

	acked, err := e.Acknowledge(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if acked.State != models.AlertAcknowledged || acked.AcknowledgedAt == nil {
		t.Errorf("acked = %+v", acked)
	}
	again, err := e.Acknowledge(context.Background(), inst.ID)
	if err != nil || again.State != models.AlertAcknowledged {
		t.Errorf("second ack = %+v, %v", again, err)
	}

	// Acknowledged instances still update and auto-close.
	next = feed(t, e, "temp-1", next, 97)
	cur, _ := instances.Get(context.Background(), inst.ID)
	if cur.State != models.AlertAcknowledged || cur.TriggeringValue != 97 {
		t.Errorf("after breach = %+v", cur)
	}
	feed(t, e, "temp-1", next, 80, 80, 80, 80, 80, 80)
	cur, _ = instances.Get(context.Background(), inst.ID)
	if cur.State != models.AlertClosed {
		t.Errorf("acknowledged instance did not close: %+v", cur)
	}

	if want := []string{TransitionOpened, TransitionAcknowledged, TransitionClosed}; !equal(rec.types(), want) {
		t.Errorf("transitions = %v, want %v", rec.types(), want)
	}
	if _, err := e.Acknowledge(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("unknown id = %v", err)
	}
}

func TestRuleMatchingAndUnits(t *testing.T) {
	t.Parallel()
	celsius := hotGreenhouse()
	celsius.ID = "hot-celsius"
	celsius.Unit = "°C"
	celsius.Threshold = 30 // 86°F

	e, instances, _ := newTestEvaluator(celsius)
	// 88°F is 31.1°C and breaches the Celsius rule.
	feed(t, e, "temp-1", t0, 88, 88, 88, 88, 88, 88)
	// Humidity streams never match a temperature rule.
	feed(t, e, "rh-1", t0, 99, 99, 99, 99, 99, 99)

	got := listAll(t, instances)
	if len(got) != 1 || got[0].StreamID != "temp-1" {
		t.Errorf("instances = %+v", got)
	}
}

func TestOutOfOrderReadingIgnored(t *testing.T) {
	t.Parallel()
	e, instances, _ := newTestEvaluator(hotGreenhouse())
	ctx := context.Background()
	eval := func(offset time.Duration, v float64) {
		r := &models.SensorReading{StreamID: "temp-1", SiteID: "site-1", Timestamp: t0.Add(offset), Value: v, Unit: "°F"}
		if err := e.Evaluate(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	eval(0, 95)
	eval(3*time.Minute, 95)
	eval(time.Minute, 70) // late, must not reset the breach timer
	eval(5*time.Minute, 95)

	if got := listAll(t, instances); len(got) != 1 {
		t.Errorf("instances = %d, want 1", len(got))
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
