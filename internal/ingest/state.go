// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package ingest

// State is a batch's position in the ingestion pipeline.
type State string

const (
	StateReceived        State = "received"
	StateAdmitted        State = "admitted"
	StateDeduplicated    State = "deduplicated"
	StateNormalized      State = "normalized"
	StatePersisted       State = "persisted"
	StateFanoutTriggered State = "fanout_triggered"
	StateClosed          State = "closed"
	StateRejected        State = "rejected"
)

// next lists the forward transition from each non-terminal state.
// Rejected is reachable from every non-terminal state.
var next = map[State]State{
	StateReceived:        StateAdmitted,
	StateAdmitted:        StateDeduplicated,
	StateDeduplicated:    StateNormalized,
	StateNormalized:      StatePersisted,
	StatePersisted:       StateFanoutTriggered,
	StateFanoutTriggered: StateClosed,
}

// Terminal reports whether s ends the batch.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateRejected
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateRejected {
		return true
	}
	return next[from] == to
}
