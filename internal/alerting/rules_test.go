// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package alerting

import (
	"testing"
	"time"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/models"
)

func TestLoadRulesDefaults(t *testing.T) {
	t.Parallel()
	rules, err := LoadRules(config.AlertingConfig{
		DefaultSustained: 5 * time.Minute,
		Rules: []config.AlertRuleConfig{
			{ID: "hot", SiteID: "site-1", StreamType: "Temperature", Comparator: ">", Threshold: 90, Unit: "F"},
			{ID: "co2", StreamID: "stream-9", Comparator: ">=", Threshold: 1500, Sustained: time.Minute, Severity: "critical"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rules[0].Sustained != 5*time.Minute || rules[0].Severity != models.SeverityWarning || rules[0].Unit != "°F" {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if rules[0].StreamType != models.StreamTemperature {
		t.Errorf("stream type = %q", rules[0].StreamType)
	}
	if rules[1].Sustained != time.Minute || rules[1].Severity != models.SeverityCritical {
		t.Errorf("rule 1 = %+v", rules[1])
	}
}

func TestLoadRulesRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rule config.AlertRuleConfig
	}{
		{"missing id", config.AlertRuleConfig{SiteID: "s", StreamType: "co2", Comparator: ">"}},
		{"bad comparator", config.AlertRuleConfig{ID: "x", SiteID: "s", StreamType: "co2", Comparator: "=="}},
		{"no target", config.AlertRuleConfig{ID: "x", Comparator: ">"}},
		{"unknown type", config.AlertRuleConfig{ID: "x", SiteID: "s", StreamType: "radiation", Comparator: ">"}},
		{"unknown unit", config.AlertRuleConfig{ID: "x", SiteID: "s", StreamType: "co2", Comparator: ">", Unit: "furlongs"}},
		{"bad severity", config.AlertRuleConfig{ID: "x", SiteID: "s", StreamType: "co2", Comparator: ">", Severity: "apocalyptic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := LoadRules(config.AlertingConfig{Rules: []config.AlertRuleConfig{tt.rule}}); err == nil {
				t.Error("expected error")
			}
		})
	}

	dup := config.AlertRuleConfig{ID: "x", SiteID: "s", StreamType: "co2", Comparator: ">"}
	if _, err := LoadRules(config.AlertingConfig{Rules: []config.AlertRuleConfig{dup, dup}}); err == nil {
		t.Error("duplicate ids accepted")
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()
	stream := &models.SensorStream{ID: "s1", SiteID: "site-1", StreamType: models.StreamCO2}
	tests := []struct {
		rule models.AlertRule
		want bool
	}{
		{models.AlertRule{StreamID: "s1"}, true},
		{models.AlertRule{StreamID: "s2", StreamType: models.StreamCO2}, false},
		{models.AlertRule{SiteID: "site-1", StreamType: models.StreamCO2}, true},
		{models.AlertRule{SiteID: "site-2", StreamType: models.StreamCO2}, false},
		{models.AlertRule{StreamType: models.StreamCO2}, true},
		{models.AlertRule{SiteID: "site-1", StreamType: models.StreamPH}, false},
	}
	for i, tt := range tests {
		if got := matches(&tt.rule, stream); got != tt.want {
			t.Errorf("case %d: matches = %v, want %v", i, got, tt.want)
		}
	}
}
