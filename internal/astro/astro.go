// Package astro computes sunrise and sunset instants for a fixed location.
// Everything here is a pure function of (date, location).
package astro

import (
	"math"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// Polar describes days on which the sun never crosses the horizon.
type Polar int

const (
	NotPolar    Polar = iota // the sun rises and sets
	AlwaysDay                // midnight sun: no sunset
	AlwaysNight              // polar night: no sunrise
)

func (p Polar) String() string {
	switch p {
	case AlwaysDay:
		return "always_day"
	case AlwaysNight:
		return "always_night"
	}
	return "normal"
}

// Anchor selects which sun event a schedule window hangs off.
type Anchor int

const (
	Sunrise Anchor = iota
	Sunset
)

func (a Anchor) String() string {
	if a == Sunset {
		return "sunset"
	}
	return "sunrise"
}

// Sun is the result for one calendar day. Rise and Set are zero when Polar
// is not NotPolar.
type Sun struct {
	Rise  time.Time
	Set   time.Time
	Polar Polar
}

// At returns the instant of the given anchor.
func (s Sun) At(a Anchor) (time.Time, bool) {
	if s.Polar != NotPolar {
		return time.Time{}, false
	}
	if a == Sunset {
		return s.Set, true
	}
	return s.Rise, true
}

// Clock computes sun events for a fixed geographic position in degrees
// (north and east positive). Coordinates are validated by the config layer.
type Clock struct {
	Latitude  float64
	Longitude float64
}

// Day returns sunrise and sunset for the calendar date of date, interpreted in
// date's location. Instants are returned in that same location.
func (c Clock) Day(date time.Time) Sun {
	loc := date.Location()
	rise, set := sunrise.SunriseSunset(c.Latitude, c.Longitude, date.Year(), date.Month(), date.Day())
	if rise.IsZero() || set.IsZero() {
		return Sun{Polar: c.polar(date)}
	}
	return Sun{Rise: rise.In(loc), Set: set.In(loc)}
}

// Sunrise returns the sunrise instant on date, or a polar sentinel.
func (c Clock) Sunrise(date time.Time) (time.Time, Polar) {
	s := c.Day(date)
	return s.Rise, s.Polar
}

// Sunset returns the sunset instant on date, or a polar sentinel.
func (c Clock) Sunset(date time.Time) (time.Time, Polar) {
	s := c.Day(date)
	return s.Set, s.Polar
}

// polar decides between midnight sun and polar night: the sun stays up when
// the observer is in the same hemisphere the sun is currently over.
func (c Clock) polar(date time.Time) Polar {
	if c.Latitude*declination(date) > 0 {
		return AlwaysDay
	}
	return AlwaysNight
}

// declination approximates the solar declination in degrees for date.
// A degree of error is irrelevant here; only the sign is used.
func declination(date time.Time) float64 {
	n := float64(date.YearDay())
	return -23.44 * math.Cos(2*math.Pi/365*(n+10))
}
