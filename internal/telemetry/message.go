// Package telemetry defines the decoded message shapes pushed by the
// fleet-tracking platform over its streaming channel.
package telemetry

import (
	"encoding/json"
	"fmt"
)

// Message kinds on the push channel.
const (
	TypeEvent       = "event"
	EventStateBatch = "state_batch"
	ItemSourceState = "source_state_event"
)

// Message is the discriminated envelope delivered for each well-formed frame.
type Message struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  []Item `json:"data"`
}

// Item is one entry of a state batch. The state payload is kept raw so the
// originating bytes can be persisted alongside the decoded form.
type Item struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

// SourceState decodes the item's state payload.
func (i Item) SourceState() (*SourceState, error) {
	var state SourceState
	if err := json.Unmarshal(i.State, &state); err != nil {
		return nil, fmt.Errorf("decode source state: %w", err)
	}
	return &state, nil
}

// SourceState is the per-source state snapshot carried by a state batch.
type SourceState struct {
	SourceID     int64       `json:"source_id"`
	GPS          *GPS        `json:"gps"`
	EventCode    *CodeValue  `json:"event_code"`
	SubEventCode *CodeValue  `json:"sub_event_code"`
	Additional   *Additional `json:"additional"`
	Updated      string      `json:"updated"`
}

// GPS holds the positional part of a source state.
type GPS struct {
	Location Location `json:"location"`
	Speed    float64  `json:"speed"`
	Updated  string   `json:"updated"`
}

// Location is a WGS84 coordinate pair. 0,0 means unknown.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CodeValue wraps the platform's value-typed state attributes.
type CodeValue struct {
	Value string `json:"value"`
}

// Additional carries nested state attributes some device models report
// instead of the top-level fields.
type Additional struct {
	EventCode *CodeValue `json:"event_code"`
}
