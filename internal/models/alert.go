// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package models

import "time"

// Comparator decides whether a value breaches a rule threshold.
type Comparator string

const (
	ComparatorGT  Comparator = ">"
	ComparatorGTE Comparator = ">="
	ComparatorLT  Comparator = "<"
	ComparatorLTE Comparator = "<="
)

// Breached reports whether value crosses threshold under c.
func (c Comparator) Breached(value, threshold float64) bool {
	switch c {
	case ComparatorGT:
		return value > threshold
	case ComparatorGTE:
		return value >= threshold
	case ComparatorLT:
		return value < threshold
	case ComparatorLTE:
		return value <= threshold
	}
	return false
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRule is read-only configuration. It matches either a single stream
// (StreamID) or every stream of StreamType within SiteID. Threshold is
// expressed in Unit; readings in another unit are converted first.
type AlertRule struct {
	ID         string        `json:"id" validate:"required,max=64"`
	SiteID     string        `json:"siteId" validate:"required_without=StreamID"`
	StreamType StreamType    `json:"streamType,omitempty" validate:"required_without=StreamID"`
	StreamID   string        `json:"streamId,omitempty"`
	Comparator Comparator    `json:"comparator" validate:"required,oneof=> >= < <="`
	Threshold  float64       `json:"threshold"`
	Unit       string        `json:"unit,omitempty"`
	Sustained  time.Duration `json:"sustained" validate:"gte=0"`
	Severity   Severity      `json:"severity" validate:"required,oneof=info warning critical"`
}

type AlertState string

const (
	AlertOpen         AlertState = "open"
	AlertAcknowledged AlertState = "acknowledged"
	AlertClosed       AlertState = "closed"
)

// AlertInstance is one breach episode. At most one non-closed instance
// exists per (RuleID, StreamID).
type AlertInstance struct {
	ID              string     `json:"id"`
	RuleID          string     `json:"ruleId"`
	StreamID        string     `json:"streamId"`
	SiteID          string     `json:"siteId"`
	Severity        Severity   `json:"severity"`
	State           AlertState `json:"state"`
	OpenedAt        time.Time  `json:"openedAt"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledgedAt,omitempty"`
	TriggeringValue float64    `json:"triggeringValue"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Active reports whether the instance still blocks a new one for its pair.
func (a *AlertInstance) Active() bool {
	return a.State == AlertOpen || a.State == AlertAcknowledged
}
