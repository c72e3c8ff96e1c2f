// Package classify maps raw telemetry state snapshots to canonical
// safety incidents.
package classify

import (
	"fmt"
	"time"

	"github.com/fleetsignal/fleetsignal/internal/telemetry"
)

// Incident codes reported by the tracking platform.
const (
	CodePanic      = "42"
	CodeOverspeed  = "33"
	CodePowerCut   = "12"
	CodeHarshAccel = "46"
	CodeHarshBrake = "47"
)

// DefaultNames maps the tracked incident codes to display labels.
var DefaultNames = map[string]string{
	CodePanic:      "Panic button",
	CodeOverspeed:  "Overspeed",
	CodePowerCut:   "Power cut",
	CodeHarshAccel: "Harsh acceleration",
	CodeHarshBrake: "Harsh braking",
}

// Incident is a classified, admitted telemetry event. Immutable once built.
type Incident struct {
	Code       string
	Name       string
	OccurredAt time.Time
	Lat        float64
	Lng        float64
	Speed      float64
	EventDate  string
}

const eventDateLayout = "02 Jan 2006, 15:04:05"

// Config controls which codes are tracked and how they are admitted.
type Config struct {
	// Names maps tracked incident codes to display labels. Defaults to
	// DefaultNames when empty.
	Names map[string]string

	// MinOverspeedKmh rejects overspeed readings at or below this speed.
	MinOverspeedKmh float64

	// Timezone renders the human-readable event date. Defaults to UTC.
	Timezone string
}

// Classifier applies the static admission rules from Config.
type Classifier struct {
	names    map[string]string
	minSpeed float64
	loc      *time.Location
	now      func() time.Time
}

// New builds a Classifier, resolving the configured timezone.
func New(cfg Config) (*Classifier, error) {
	names := cfg.Names
	if len(names) == 0 {
		names = DefaultNames
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}

	return &Classifier{
		names:    names,
		minSpeed: cfg.MinOverspeedKmh,
		loc:      loc,
		now:      time.Now,
	}, nil
}

// Classify maps a source state to an Incident. The second return value is
// false when the state carries no tracked incident: missing or untracked
// code, or an overspeed reading below the admission threshold. Malformed
// input never errors; it classifies to no incident.
func (c *Classifier) Classify(state *telemetry.SourceState) (Incident, bool) {
	if state == nil {
		return Incident{}, false
	}

	code := extractCode(state)
	name, tracked := c.names[code]
	if !tracked {
		return Incident{}, false
	}

	var lat, lng, speed float64
	if state.GPS != nil {
		lat = state.GPS.Location.Lat
		lng = state.GPS.Location.Lng
		speed = state.GPS.Speed
	}

	if code == CodeOverspeed && speed <= c.minSpeed {
		return Incident{}, false
	}

	now := c.now()
	return Incident{
		Code:       code,
		Name:       name,
		OccurredAt: now,
		Lat:        lat,
		Lng:        lng,
		Speed:      speed,
		EventDate:  c.renderEventDate(state, now),
	}, true
}

// extractCode reads the incident code from the top-level field, falling
// back to the nested additional attributes. First present wins.
func extractCode(state *telemetry.SourceState) string {
	if state.EventCode != nil && state.EventCode.Value != "" {
		return state.EventCode.Value
	}
	if state.Additional != nil && state.Additional.EventCode != nil {
		return state.Additional.EventCode.Value
	}
	return ""
}

// renderEventDate formats the device-reported update time in the configured
// timezone, falling back to the classification time when absent or
// unparseable.
func (c *Classifier) renderEventDate(state *telemetry.SourceState, now time.Time) string {
	raw := state.Updated
	if raw == "" && state.GPS != nil {
		raw = state.GPS.Updated
	}
	if raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.In(c.loc).Format(eventDateLayout)
		}
	}
	return now.In(c.loc).Format(eventDateLayout)
}
