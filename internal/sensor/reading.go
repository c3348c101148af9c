// Package sensor holds timestamped sensor readings and the most-recent-wins
// store the control loop reads from. Staleness is never cached: every consult
// compares the reading's age against the configured threshold for its kind.
package sensor

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Kind identifies what a reading measures.
type Kind string

const (
	KindWaterLevelDistance Kind = "water_level_distance" // centimetres from sensor to water surface
	KindTemperature        Kind = "temperature"          // degrees Celsius
	KindHumidity           Kind = "humidity"             // percent relative humidity
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindWaterLevelDistance, KindTemperature, KindHumidity}

// ErrNoReading is returned when a kind has no fresh reading.
var ErrNoReading = errors.New("no fresh reading")

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown sensor kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindWaterLevelDistance, KindTemperature, KindHumidity:
		return true
	}
	return false
}

// Unit returns the physical unit implied by the kind.
func (k Kind) Unit() string {
	switch k {
	case KindWaterLevelDistance:
		return "cm"
	case KindTemperature:
		return "C"
	case KindHumidity:
		return "%"
	}
	return ""
}

// Measurement is a raw value returned by a driver, before it is timestamped.
type Measurement struct {
	Kind  Kind
	Value float64
}

// Reading is an immutable, timestamped value from one physical sensor.
type Reading struct {
	Kind       Kind
	Value      float64
	ObservedAt time.Time
}

// Age returns how old the reading is at now.
func (r Reading) Age(now time.Time) time.Duration {
	return now.Sub(r.ObservedAt)
}

// Staleness maps each kind to the maximum age at which a reading still counts.
type Staleness map[Kind]time.Duration

// IsStale reports whether r must be treated as absent at now.
// A kind without a positive threshold is always stale.
func (s Staleness) IsStale(r Reading, now time.Time) bool {
	limit, ok := s[r.Kind]
	if !ok || limit <= 0 {
		return true
	}
	return r.Age(now) > limit
}

// Observed is a reading annotated with its staleness at a given instant.
type Observed struct {
	Reading
	Stale bool
}

// Snapshot is a point-in-time copy of the latest reading per kind.
// It is a value type and safe to share once built.
type Snapshot struct {
	readings  map[Kind]Reading
	staleness Staleness
}

// NewSnapshot builds a snapshot from explicit readings. The last reading of a
// kind wins.
func NewSnapshot(staleness Staleness, readings ...Reading) Snapshot {
	m := make(map[Kind]Reading, len(readings))
	for _, r := range readings {
		m[r.Kind] = r
	}
	return Snapshot{readings: m, staleness: staleness}
}

// Latest returns the most recent reading of k regardless of age.
func (s Snapshot) Latest(k Kind) (Reading, bool) {
	r, ok := s.readings[k]
	return r, ok
}

// Fresh returns the reading of k only if it is within its staleness bound at now.
func (s Snapshot) Fresh(k Kind, now time.Time) (Reading, bool) {
	r, ok := s.readings[k]
	if !ok || s.staleness.IsStale(r, now) {
		return Reading{}, false
	}
	return r, true
}

// All returns every reading in the snapshot, sorted by kind, with staleness
// evaluated at now.
func (s Snapshot) All(now time.Time) []Observed {
	out := make([]Observed, 0, len(s.readings))
	for _, r := range s.readings {
		out = append(out, Observed{Reading: r, Stale: s.staleness.IsStale(r, now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// FillRange converts a water-level distance into how full the reservoir is.
// Min is the distance to the surface of a full reservoir, Max the distance to
// the bottom of an empty one. The zero value converts nothing.
type FillRange struct {
	Min float64
	Max float64
}

// Valid reports whether r can convert distances.
func (r FillRange) Valid() bool {
	return r.Min >= 0 && r.Min < r.Max
}

// Ratio returns the fill level for distance, clamped to [0, 1].
func (r FillRange) Ratio(distance float64) (float64, bool) {
	if !r.Valid() {
		return 0, false
	}
	ratio := (r.Max - distance) / (r.Max - r.Min)
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	return ratio, true
}
