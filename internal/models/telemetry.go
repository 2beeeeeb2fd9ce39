// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package models defines the telemetry domain types shared by adapters,
// the ingestion pipeline, the store, and the real-time workers.
package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Protocol tags where a batch came from.
type Protocol string

const (
	ProtocolHTTP       Protocol = "http"
	ProtocolMQTT       Protocol = "mqtt"
	ProtocolSimulation Protocol = "simulation"
)

// Valid reports whether p is a known ingestion protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolMQTT, ProtocolSimulation:
		return true
	}
	return false
}

// StreamType is the physical quantity a stream measures.
type StreamType string

const (
	StreamTemperature      StreamType = "temperature"
	StreamWaterTemperature StreamType = "water_temperature"
	StreamHumidity         StreamType = "humidity"
	StreamCO2              StreamType = "co2"
	StreamPH               StreamType = "ph"
	StreamEC               StreamType = "ec"
	StreamPPFD             StreamType = "ppfd"
	StreamDLI              StreamType = "dli"
	StreamVPD              StreamType = "vpd"
	StreamSoilMoisture     StreamType = "soil_moisture"
)

// KnownStreamTypes lists every stream type the normalizer has bounds for.
var KnownStreamTypes = []StreamType{
	StreamTemperature, StreamWaterTemperature, StreamHumidity, StreamCO2, StreamPH,
	StreamEC, StreamPPFD, StreamDLI, StreamVPD, StreamSoilMoisture,
}

// Valid reports whether t is one of KnownStreamTypes.
func (t StreamType) Valid() bool {
	for _, k := range KnownStreamTypes {
		if k == t {
			return true
		}
	}
	return false
}

// DefaultChannel is used when a stream key carries no channel suffix.
const DefaultChannel = "0"

// StreamIdentity is the natural key of a SensorStream.
type StreamIdentity struct {
	SiteID      string     `json:"siteId"`
	EquipmentID string     `json:"equipmentId"`
	StreamType  StreamType `json:"streamType"`
	Channel     string     `json:"channel"`
}

// Key renders the identity as site/equipment/type/channel.
func (id StreamIdentity) Key() string {
	return id.SiteID + "/" + id.EquipmentID + "/" + string(id.StreamType) + "/" + id.Channel
}

// ErrInvalidStreamKey is returned by ParseStreamKey.
var ErrInvalidStreamKey = errors.New("invalid stream key")

// ParseStreamKey splits a payload stream key of the form "type" or
// "type:channel" into its stream type and channel.
func ParseStreamKey(key string) (StreamType, string, error) {
	key = strings.TrimSpace(strings.ToLower(key))
	if key == "" {
		return "", "", ErrInvalidStreamKey
	}
	typ, channel, found := strings.Cut(key, ":")
	if !found || channel == "" {
		channel = DefaultChannel
	}
	st := StreamType(typ)
	if !st.Valid() {
		return "", "", fmt.Errorf("%w: unknown stream type %q", ErrInvalidStreamKey, typ)
	}
	return st, channel, nil
}

// SensorStream is one logical sensor. Unit is the canonical unit fixed at
// creation and never changed afterwards.
type SensorStream struct {
	ID          string     `json:"id"`
	SiteID      string     `json:"siteId"`
	EquipmentID string     `json:"equipmentId"`
	StreamType  StreamType `json:"streamType"`
	Channel     string     `json:"channel"`
	Unit        string     `json:"unit"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Identity returns the natural key of s.
func (s *SensorStream) Identity() StreamIdentity {
	return StreamIdentity{SiteID: s.SiteID, EquipmentID: s.EquipmentID, StreamType: s.StreamType, Channel: s.Channel}
}

// SensorReading is an immutable committed fact. Seq is the store's commit
// position and is zero until the reading has been persisted.
type SensorReading struct {
	ID             string    `json:"id"`
	StreamID       string    `json:"streamId"`
	SiteID         string    `json:"siteId"`
	Timestamp      time.Time `json:"timestamp"`
	Value          float64   `json:"value"`
	Unit           string    `json:"unit"`
	IngestedAt     time.Time `json:"ingestedAt"`
	SourceProtocol Protocol  `json:"sourceProtocol"`
	SessionID      string    `json:"sessionId,omitempty"`
	Seq            uint64    `json:"seq,omitempty"`
}

// Value is a reading value on the wire. It accepts JSON numbers as well as
// the strings "NaN", "Infinity", "-Infinity" (and anything strconv accepts)
// so devices can report non-finite values for the normalizer to reject.
type Value float64

func (v *Value) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			var numErr *strconv.NumError
			if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
				*v = Value(f)
				return nil
			}
			return fmt.Errorf("reading value %q is not a number", s)
		}
		*v = Value(f)
		return nil
	}
	if string(b) == "null" {
		*v = Value(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

// RawReading is one reading as submitted by a device, before normalization.
type RawReading struct {
	StreamKey string    `json:"streamKey" validate:"required,max=64"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Value     Value     `json:"value"`
	Unit      string    `json:"unit" validate:"max=16"`
	// IdempotencyKey overrides the key derived from the batch key and the
	// reading's position. Adapters that can name a reading on their own
	// (the simulator's tick) set it.
	IdempotencyKey string `json:"idempotencyKey,omitempty" validate:"max=256"`
}

// ReadingKey returns the idempotency key of the reading at index i of a
// batch whose key is batchKey.
func ReadingKey(batchKey string, i int, r *RawReading) string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return batchKey + "#" + strconv.Itoa(i)
}

// IngestBatch is the canonical form every protocol adapter produces.
type IngestBatch struct {
	SiteID         string       `json:"siteId"`
	EquipmentID    string       `json:"equipmentId"`
	Protocol       Protocol     `json:"protocol"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Readings       []RawReading `json:"readings"`
	ReceivedAt     time.Time    `json:"receivedAt"`
	// Source is the transport origin (remote address, MQTT topic, simulator id).
	Source string `json:"source,omitempty"`
}

// Scope returns the idempotency scope of the batch.
func (b *IngestBatch) Scope() IdempotencyScope {
	return IdempotencyScope{SiteID: b.SiteID, EquipmentID: b.EquipmentID, Protocol: b.Protocol}
}

// IdempotencyScope bounds the key space a key is unique within.
type IdempotencyScope struct {
	SiteID      string
	EquipmentID string
	Protocol    Protocol
}

func (s IdempotencyScope) String() string {
	return s.SiteID + "|" + s.EquipmentID + "|" + string(s.Protocol)
}

// ReadingEvent is what real-time subscribers receive for a committed reading.
type ReadingEvent struct {
	StreamID  string    `json:"streamId"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

// EventFromReading projects a committed reading onto the subscriber payload.
func EventFromReading(r *SensorReading) ReadingEvent {
	return ReadingEvent{StreamID: r.StreamID, Timestamp: r.Timestamp, Value: r.Value, Unit: r.Unit}
}
