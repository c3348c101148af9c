// Package schedule resolves an output's rule set into a desired state.
// This package has NO hardware, OS or wall-clock dependencies: the current
// time and sensor snapshot are always passed in.
package schedule

import (
	"fmt"
	"time"

	"github.com/sweeney/terrarium-controller/internal/astro"
	"github.com/sweeney/terrarium-controller/internal/sensor"
)

// State represents the logical state of a relay output.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

// Rule is a closed sum type: FixedWindow, SunWindow or Interlock.
type Rule interface {
	isRule()
	String() string
}

// TimeOfDay is the offset from local midnight.
type TimeOfDay time.Duration

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDayOf(t), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
}

// TimeOfDayOf returns the wall-clock time of day of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond()))
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// FixedWindow is on from Start (inclusive) to End (exclusive) every day.
// When End is before Start the window wraps across midnight.
type FixedWindow struct {
	Start TimeOfDay
	End   TimeOfDay
}

func (FixedWindow) isRule() {}

func (w FixedWindow) String() string {
	return fmt.Sprintf("fixed %s-%s", w.Start, w.End)
}

// Contains reports whether now's wall-clock time falls inside the window.
func (w FixedWindow) Contains(now time.Time) bool {
	tod := TimeOfDayOf(now)
	switch {
	case w.Start < w.End:
		return tod >= w.Start && tod < w.End
	case w.End < w.Start:
		return tod >= w.Start || tod < w.End
	}
	return false
}

// SunWindow starts Offset after the anchor event and lasts Duration.
type SunWindow struct {
	Anchor   astro.Anchor
	Offset   time.Duration
	Duration time.Duration
}

func (SunWindow) isRule() {}

func (w SunWindow) String() string {
	return fmt.Sprintf("%s%+v for %v", w.Anchor, w.Offset, w.Duration)
}

// Contains reports whether now is inside the window anchored on now's date.
// Earlier and later anchor dates are also checked, as far back or forward as
// Offset and Duration can carry a window, so a window which crosses midnight
// or whose offset moves it onto another date is still honoured.
// Days without the anchor event (polar conditions) contribute no window.
func (w SunWindow) Contains(now time.Time, clock astro.Clock) bool {
	before, after := w.dateSpan()
	for days := -before; days <= after; days++ {
		start, ok := w.StartOn(now.AddDate(0, 0, days), clock)
		if !ok {
			continue
		}
		if !now.Before(start) && now.Before(start.Add(w.Duration)) {
			return true
		}
	}
	return false
}

// dateSpan returns how many anchor dates before and after now's date can hold
// a window covering now.
func (w SunWindow) dateSpan() (before, after int) {
	const day = 24 * time.Hour
	before, after = 1, 1
	if reach := w.Offset + w.Duration; reach > 0 {
		before += int(reach / day)
	}
	if w.Offset < 0 {
		after += int(-w.Offset / day)
	}
	return before, after
}

// StartOn returns the window start for the calendar date of date.
func (w SunWindow) StartOn(date time.Time, clock astro.Clock) (time.Time, bool) {
	anchor, ok := clock.Day(date).At(w.Anchor)
	if !ok {
		return time.Time{}, false
	}
	return anchor.Add(w.Offset), true
}

// Comparator compares a reading against an interlock threshold.
type Comparator string

const (
	GreaterThan    Comparator = ">"
	GreaterOrEqual Comparator = ">="
	LessThan       Comparator = "<"
	LessOrEqual    Comparator = "<="
)

// Valid reports whether c is a known comparator.
func (c Comparator) Valid() bool {
	switch c {
	case GreaterThan, GreaterOrEqual, LessThan, LessOrEqual:
		return true
	}
	return false
}

// Compare evaluates value <c> threshold.
func (c Comparator) Compare(value, threshold float64) bool {
	switch c {
	case GreaterThan:
		return value > threshold
	case GreaterOrEqual:
		return value >= threshold
	case LessThan:
		return value < threshold
	case LessOrEqual:
		return value <= threshold
	}
	return false
}

// Action is what a triggered interlock does to the output.
type Action string

const (
	ForceOff Action = "force_off"
	ForceOn  Action = "force_on"
)

// State returns the output state the action forces.
func (a Action) State() State {
	if a == ForceOn {
		return StateOn
	}
	return StateOff
}

// StalePolicy decides how an interlock treats a missing or stale reading.
type StalePolicy string

const (
	// FailSafe treats a stale reading as triggering a ForceOff interlock.
	FailSafe StalePolicy = "fail_safe"
	// Ignore skips the interlock while its reading is stale.
	Ignore StalePolicy = "ignore"
)

// Interlock overrides the base schedule when a sensor condition holds.
type Interlock struct {
	Sensor     sensor.Kind
	Comparator Comparator
	Threshold  float64
	Action     Action
	OnStale    StalePolicy
}

func (Interlock) isRule() {}

func (i Interlock) String() string {
	return fmt.Sprintf("%s %s %g -> %s", i.Sensor, i.Comparator, i.Threshold, i.Action)
}

// Evaluate reports whether the interlock is triggered at now, and whether the
// verdict was reached because the reading was stale.
// A stale reading only ever triggers ForceOff: ambiguity never forces On.
func (i Interlock) Evaluate(snap sensor.Snapshot, now time.Time) (triggered, stale bool) {
	r, ok := snap.Fresh(i.Sensor, now)
	if !ok {
		return i.OnStale == FailSafe && i.Action == ForceOff, true
	}
	return i.Comparator.Compare(r.Value, i.Threshold), false
}

// Decision is the resolver's output for one output on one tick.
type Decision struct {
	OutputID string
	Desired  State
	// Reason names the rule that produced Desired.
	Reason string
	// Overridden is true when an interlock replaced the base schedule result.
	Overridden bool
}
