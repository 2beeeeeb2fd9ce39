// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package alerting

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/tomtom215/canopy/internal/models"
)

var (
	// ErrNotFound is returned for an unknown alert instance.
	ErrNotFound = errors.New("alerting: instance not found")

	// ErrActiveExists is returned by Create when (rule, stream) already has
	// a non-closed instance.
	ErrActiveExists = errors.New("alerting: active instance exists for rule and stream")
)

// InstanceStore persists alert instances. Implementations enforce at most
// one active (open or acknowledged) instance per (rule, stream).
type InstanceStore interface {
	// FindActive returns the active instance for (ruleID, streamID), or
	// nil with no error when there is none.
	FindActive(ctx context.Context, ruleID, streamID string) (*models.AlertInstance, error)
	Create(ctx context.Context, inst *models.AlertInstance) error
	Update(ctx context.Context, inst *models.AlertInstance) error
	Get(ctx context.Context, id string) (*models.AlertInstance, error)
	// List returns instances for siteID ordered by OpenedAt. An empty
	// state matches every state.
	List(ctx context.Context, siteID string, state models.AlertState) ([]*models.AlertInstance, error)
}

func activeKey(ruleID, streamID string) string {
	return ruleID + "\x1f" + streamID
}

func sortByOpened(out []*models.AlertInstance) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
}

// MemoryInstanceStore keeps instances in memory. Used in tests and when the
// reading store is postgres without a badger volume.
type MemoryInstanceStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.AlertInstance
	active map[string]string
}

func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		byID:   make(map[string]*models.AlertInstance),
		active: make(map[string]string),
	}
}

func clone(inst *models.AlertInstance) *models.AlertInstance {
	cp := *inst
	return &cp
}

func (m *MemoryInstanceStore) FindActive(_ context.Context, ruleID, streamID string) (*models.AlertInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[activeKey(ruleID, streamID)]
	if !ok {
		return nil, nil
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryInstanceStore) Create(_ context.Context, inst *models.AlertInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activeKey(inst.RuleID, inst.StreamID)
	if inst.Active() {
		if _, ok := m.active[key]; ok {
			return ErrActiveExists
		}
		m.active[key] = inst.ID
	}
	m.byID[inst.ID] = clone(inst)
	return nil
}

func (m *MemoryInstanceStore) Update(_ context.Context, inst *models.AlertInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[inst.ID]; !ok {
		return ErrNotFound
	}
	m.byID[inst.ID] = clone(inst)
	key := activeKey(inst.RuleID, inst.StreamID)
	if !inst.Active() && m.active[key] == inst.ID {
		delete(m.active, key)
	}
	return nil
}

func (m *MemoryInstanceStore) Get(_ context.Context, id string) (*models.AlertInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(inst), nil
}

func (m *MemoryInstanceStore) List(_ context.Context, siteID string, state models.AlertState) ([]*models.AlertInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AlertInstance
	for _, inst := range m.byID {
		if inst.SiteID != siteID || (state != "" && inst.State != state) {
			continue
		}
		out = append(out, clone(inst))
	}
	sortByOpened(out)
	return out, nil
}
