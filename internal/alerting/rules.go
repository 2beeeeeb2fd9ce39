// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package alerting

import (
	"fmt"
	"strings"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/normalize"
	"github.com/tomtom215/canopy/internal/validation"
)

// LoadRules converts configured rules, applying the default sustained
// duration and severity. Units are canonicalized so "F" and "°F" compare
// equal at evaluation time.
func LoadRules(cfg config.AlertingConfig) ([]models.AlertRule, error) {
	rules := make([]models.AlertRule, 0, len(cfg.Rules))
	seen := make(map[string]bool, len(cfg.Rules))

	for i, rc := range cfg.Rules {
		rule := models.AlertRule{
			ID:         strings.TrimSpace(rc.ID),
			SiteID:     rc.SiteID,
			StreamType: models.StreamType(strings.ToLower(rc.StreamType)),
			StreamID:   rc.StreamID,
			Comparator: models.Comparator(rc.Comparator),
			Threshold:  rc.Threshold,
			Sustained:  rc.Sustained,
			Severity:   models.Severity(strings.ToLower(rc.Severity)),
		}
		if rule.Sustained == 0 {
			rule.Sustained = cfg.DefaultSustained
		}
		if rule.Severity == "" {
			rule.Severity = models.SeverityWarning
		}

		if verr := validation.ValidateStruct(&rule); verr != nil {
			return nil, fmt.Errorf("alert rule %d (%s): %w", i, rule.ID, verr)
		}
		if rule.StreamType != "" && !rule.StreamType.Valid() {
			return nil, fmt.Errorf("alert rule %s: unknown stream type %q", rule.ID, rule.StreamType)
		}
		if rc.Unit != "" {
			unit, ok := normalize.CanonicalUnit(rc.Unit)
			if !ok {
				return nil, fmt.Errorf("alert rule %s: unknown unit %q", rule.ID, rc.Unit)
			}
			rule.Unit = unit
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("alert rule %s: duplicate id", rule.ID)
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

// matches reports whether rule applies to a reading on stream. A rule
// pinned to a stream ID ignores the site and type filters.
func matches(rule *models.AlertRule, stream *models.SensorStream) bool {
	if rule.StreamID != "" {
		return rule.StreamID == stream.ID
	}
	if rule.SiteID != "" && rule.SiteID != stream.SiteID {
		return false
	}
	return rule.StreamType == stream.StreamType
}
