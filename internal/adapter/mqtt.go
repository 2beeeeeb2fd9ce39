// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/validation"
)

// MQTTContext identifies one delivered MQTT message.
type MQTTContext struct {
	Topic string
	// MessageID is the broker's id for the message. For the embedded
	// broker it is the JetStream stream sequence, which is stable across
	// redeliveries of the same message.
	MessageID  string
	ReceivedAt time.Time
}

// MQTTAdapter decodes MQTT payloads published under a topic pattern whose
// first two single-level wildcards are the site and the equipment, e.g.
// "canopy/ingest/+/+". A pattern with one wildcard takes the equipment
// from the payload.
type MQTTAdapter struct {
	pattern     []string
	maxReadings int
}

// NewMQTTAdapter parses pattern. The pattern must contain at least one "+".
func NewMQTTAdapter(pattern string, maxReadings int) (*MQTTAdapter, error) {
	levels := strings.Split(pattern, "/")
	wildcards := 0
	for i, l := range levels {
		switch {
		case l == "+":
			wildcards++
		case l == "#" && i != len(levels)-1:
			return nil, fmt.Errorf("topic pattern %q: # must be the last level", pattern)
		case strings.ContainsAny(l, "+#"):
			return nil, fmt.Errorf("topic pattern %q: wildcard must fill a whole level", pattern)
		}
	}
	if wildcards == 0 {
		return nil, fmt.Errorf("topic pattern %q: needs a + level for the site", pattern)
	}
	return &MQTTAdapter{pattern: levels, maxReadings: maxReadings}, nil
}

// Route returns the site and equipment captured from topic. ok is false
// when topic does not match the pattern.
func (a *MQTTAdapter) Route(topic string) (site, equipment string, ok bool) {
	levels := strings.Split(topic, "/")
	var captures []string
	for i, p := range a.pattern {
		if p == "#" {
			break
		}
		if i >= len(levels) {
			return "", "", false
		}
		switch p {
		case "+":
			if levels[i] == "" {
				return "", "", false
			}
			captures = append(captures, levels[i])
		default:
			if levels[i] != p {
				return "", "", false
			}
		}
	}
	if a.pattern[len(a.pattern)-1] != "#" && len(levels) != len(a.pattern) {
		return "", "", false
	}
	site = captures[0]
	if len(captures) > 1 {
		equipment = captures[1]
	}
	return site, equipment, true
}

// Ingest decodes a message. The payload schema mirrors the HTTP body.
func (a *MQTTAdapter) Ingest(payload []byte, mc MQTTContext) (*models.IngestBatch, error) {
	site, equipment, ok := a.Route(mc.Topic)
	if !ok {
		return nil, &AdapterError{
			Protocol: models.ProtocolMQTT,
			Code:     CodeUnroutable,
			Message:  fmt.Sprintf("topic %q does not match %q", mc.Topic, strings.Join(a.pattern, "/")),
		}
	}

	var body batchBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, malformed(models.ProtocolMQTT, err)
	}
	if verr := validation.ValidateStruct(&body); verr != nil {
		return nil, invalid(models.ProtocolMQTT, verr)
	}
	if equipment == "" {
		equipment = body.EquipmentID
	}
	if equipment == "" {
		return nil, &AdapterError{Protocol: models.ProtocolMQTT, Code: CodeUnroutable, Message: "no equipment in topic or payload"}
	}
	if verr := validation.ValidateStruct(&routeIDs{SiteID: site, EquipmentID: equipment}); verr != nil {
		return nil, invalid(models.ProtocolMQTT, verr)
	}
	if err := checkSize(models.ProtocolMQTT, len(body.Readings), a.maxReadings); err != nil {
		return nil, err
	}

	key := body.IdempotencyKey
	if key == "" {
		if mc.MessageID == "" {
			return nil, &AdapterError{Protocol: models.ProtocolMQTT, Code: CodeMalformed, Message: "message has no broker id"}
		}
		key = mc.Topic + "@" + mc.MessageID
	}

	received := mc.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	return &models.IngestBatch{
		SiteID:         site,
		EquipmentID:    equipment,
		Protocol:       models.ProtocolMQTT,
		IdempotencyKey: key,
		Readings:       body.Readings,
		ReceivedAt:     received,
		Source:         mc.Topic,
	}, nil
}

type routeIDs struct {
	SiteID      string `json:"siteId" validate:"identifier"`
	EquipmentID string `json:"equipmentId" validate:"identifier"`
}

// TopicToSubject converts an MQTT topic filter into the NATS subject the
// embedded broker publishes it on.
func TopicToSubject(topic string) string {
	levels := strings.Split(topic, "/")
	for i, l := range levels {
		switch l {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, ".")
}

// SubjectToTopic is the inverse of TopicToSubject for concrete subjects.
func SubjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
