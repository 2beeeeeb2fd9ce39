// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package alerting evaluates threshold rules against committed readings.
//
// The evaluator is the "alerts" change-feed consumer. Per (rule, stream)
// it keeps a debounce tracker driven by reading timestamps, not wall
// clock: a breach opens an instance only once breaching readings have
// spanned the rule's sustained duration, and an open instance closes only
// once in-bounds readings have spanned the same duration. While an
// instance is active a new breaching value updates its triggering value in
// place; the store rejects a second active instance for the same pair.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/normalize"
	"github.com/tomtom215/canopy/internal/store"
)

// StreamLookup resolves a stream ID to its identity for type-based rules.
type StreamLookup interface {
	GetStream(ctx context.Context, id string) (*models.SensorStream, error)
}

type trackerKey struct {
	rule   string
	stream string
}

type tracker struct {
	breachSince time.Time
	clearSince  time.Time
	last        time.Time
	active      *models.AlertInstance
}

// Evaluator is safe for concurrent use, though the change feed drives it
// from a single goroutine.
type Evaluator struct {
	rules     []models.AlertRule
	streams   StreamLookup
	instances InstanceStore
	notifiers []Notifier
	log       zerolog.Logger
	now       func() time.Time

	streamCache sync.Map // stream ID -> *models.SensorStream

	mu       sync.Mutex
	trackers map[trackerKey]*tracker
}

// NewEvaluator returns an evaluator for rules.
func NewEvaluator(rules []models.AlertRule, streams StreamLookup, instances InstanceStore, notifiers ...Notifier) *Evaluator {
	return &Evaluator{
		rules:     rules,
		streams:   streams,
		instances: instances,
		notifiers: notifiers,
		log:       logging.WithComponent("alerting"),
		now:       func() time.Time { return time.Now().UTC() },
		trackers:  make(map[trackerKey]*tracker),
	}
}

// Handle implements changefeed.Handler. An error leaves the batch
// unacknowledged; re-evaluating already seen readings is harmless.
func (e *Evaluator) Handle(ctx context.Context, events []store.ChangeEvent) error {
	for _, ev := range events {
		if err := e.Evaluate(ctx, &ev.Reading); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate applies every matching rule to r.
func (e *Evaluator) Evaluate(ctx context.Context, r *models.SensorReading) error {
	if len(e.rules) == 0 {
		return nil
	}
	stream, err := e.stream(ctx, r)
	if err != nil {
		return err
	}
	for i := range e.rules {
		rule := &e.rules[i]
		if !matches(rule, stream) {
			continue
		}
		if err := e.evaluateRule(ctx, rule, r); err != nil {
			return fmt.Errorf("evaluate rule %s on stream %s: %w", rule.ID, r.StreamID, err)
		}
	}
	return nil
}

func (e *Evaluator) stream(ctx context.Context, r *models.SensorReading) (*models.SensorStream, error) {
	if s, ok := e.streamCache.Load(r.StreamID); ok {
		return s.(*models.SensorStream), nil
	}
	needsLookup := false
	for i := range e.rules {
		if e.rules[i].StreamID == "" {
			needsLookup = true
			break
		}
	}
	if !needsLookup {
		return &models.SensorStream{ID: r.StreamID, SiteID: r.SiteID}, nil
	}
	s, err := e.streams.GetStream(ctx, r.StreamID)
	if err != nil {
		return nil, fmt.Errorf("resolve stream %s: %w", r.StreamID, err)
	}
	e.streamCache.Store(r.StreamID, s)
	return s, nil
}

// tracker returns the debounce state for key, loading any active instance
// from the store on first use. e.mu must be held.
func (e *Evaluator) tracker(ctx context.Context, key trackerKey) (*tracker, error) {
	if t, ok := e.trackers[key]; ok {
		return t, nil
	}
	active, err := e.instances.FindActive(ctx, key.rule, key.stream)
	if err != nil {
		return nil, err
	}
	t := &tracker{active: active}
	e.trackers[key] = t
	return t, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule *models.AlertRule, r *models.SensorReading) error {
	value := r.Value
	if rule.Unit != "" && rule.Unit != r.Unit {
		v, err := normalize.Convert(r.Value, r.Unit, rule.Unit)
		if err != nil {
			e.log.Warn().Err(err).Str("rule_id", rule.ID).Str("unit", r.Unit).Msg("Reading unit not comparable with rule, skipping")
			return nil
		}
		value = v
	}
	breached := rule.Comparator.Breached(value, rule.Threshold)
	ts := r.Timestamp

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.tracker(ctx, trackerKey{rule: rule.ID, stream: r.StreamID})
	if err != nil {
		return err
	}
	if ts.Before(t.last) {
		// Timers run on reading time; an older reading cannot move them.
		return nil
	}
	t.last = ts

	if t.active == nil {
		t.clearSince = time.Time{}
		if !breached {
			t.breachSince = time.Time{}
			return nil
		}
		if t.breachSince.IsZero() {
			t.breachSince = ts
		}
		if ts.Sub(t.breachSince) < rule.Sustained {
			return nil
		}
		return e.open(ctx, rule, r, t, value)
	}

	if breached {
		t.clearSince = time.Time{}
		if t.active.TriggeringValue == value {
			return nil
		}
		updated := *t.active
		updated.TriggeringValue = value
		updated.UpdatedAt = e.now()
		if err := e.instances.Update(ctx, &updated); err != nil {
			return err
		}
		t.active = &updated
		return nil
	}

	if t.clearSince.IsZero() {
		t.clearSince = ts
	}
	if ts.Sub(t.clearSince) < rule.Sustained {
		return nil
	}
	return e.close(ctx, rule, t, ts)
}

func (e *Evaluator) open(ctx context.Context, rule *models.AlertRule, r *models.SensorReading, t *tracker, value float64) error {
	now := e.now()
	inst := &models.AlertInstance{
		ID:              uuid.NewString(),
		RuleID:          rule.ID,
		StreamID:        r.StreamID,
		SiteID:          r.SiteID,
		Severity:        rule.Severity,
		State:           models.AlertOpen,
		OpenedAt:        r.Timestamp.UTC(),
		TriggeringValue: value,
		UpdatedAt:       now,
	}
	err := e.instances.Create(ctx, inst)
	if errors.Is(err, ErrActiveExists) {
		// Another writer got there first; adopt its instance.
		existing, ferr := e.instances.FindActive(ctx, rule.ID, r.StreamID)
		if ferr != nil {
			return ferr
		}
		t.active = existing
		t.breachSince = time.Time{}
		return nil
	}
	if err != nil {
		return err
	}

	t.active = inst
	t.breachSince = time.Time{}
	e.log.Info().
		Str("alert_id", inst.ID).
		Str("rule_id", rule.ID).
		Str("stream_id", r.StreamID).
		Float64("value", value).
		Msg("Alert opened")
	e.notify(ctx, TransitionOpened, rule, inst)
	return nil
}

func (e *Evaluator) close(ctx context.Context, rule *models.AlertRule, t *tracker, at time.Time) error {
	closed := *t.active
	closedAt := at.UTC()
	closed.State = models.AlertClosed
	closed.ClosedAt = &closedAt
	closed.UpdatedAt = e.now()
	if err := e.instances.Update(ctx, &closed); err != nil {
		return err
	}
	t.active = nil
	t.clearSince = time.Time{}
	e.log.Info().
		Str("alert_id", closed.ID).
		Str("rule_id", rule.ID).
		Str("stream_id", closed.StreamID).
		Msg("Alert closed")
	e.notify(ctx, TransitionClosed, rule, &closed)
	return nil
}

// Acknowledge moves an open instance to Acknowledged. Acknowledging an
// already acknowledged or closed instance returns it unchanged.
func (e *Evaluator) Acknowledge(ctx context.Context, id string) (*models.AlertInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != models.AlertOpen {
		return inst, nil
	}

	now := e.now()
	inst.State = models.AlertAcknowledged
	inst.AcknowledgedAt = &now
	inst.UpdatedAt = now
	if err := e.instances.Update(ctx, inst); err != nil {
		return nil, err
	}
	if t, ok := e.trackers[trackerKey{rule: inst.RuleID, stream: inst.StreamID}]; ok && t.active != nil && t.active.ID == inst.ID {
		cp := *inst
		t.active = &cp
	}

	rule := e.rule(inst.RuleID)
	e.notify(ctx, TransitionAcknowledged, &rule, inst)
	return inst, nil
}

// List returns a site's instances, optionally filtered by state.
func (e *Evaluator) List(ctx context.Context, siteID string, state models.AlertState) ([]*models.AlertInstance, error) {
	return e.instances.List(ctx, siteID, state)
}

func (e *Evaluator) rule(id string) models.AlertRule {
	for _, r := range e.rules {
		if r.ID == id {
			return r
		}
	}
	return models.AlertRule{ID: id}
}

func (e *Evaluator) notify(ctx context.Context, transition string, rule *models.AlertRule, inst *models.AlertInstance) {
	metrics.RecordAlertTransition(transition, string(inst.Severity))
	t := Transition{Type: transition, Instance: *inst, Rule: *rule}
	for _, n := range e.notifiers {
		n.Notify(ctx, t)
	}
}
