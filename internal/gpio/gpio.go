// Package gpio drives relay outputs and the HC-SR04 ultrasonic ranger through
// the Linux GPIO character device. The fake implementation allows testing
// without hardware.
package gpio

import (
	"fmt"
	"time"
)

// DefaultChip is the GPIO chip exposing the Raspberry Pi header.
const DefaultChip = "gpiochip0"

// Relay describes one relay output line (BCM numbering).
// ActiveLow boards energise the relay when the line is driven low.
type Relay struct {
	Pin       int
	ActiveLow bool
}

// Pull is the bias a released line is left with.
type Pull int

const (
	PullDown Pull = iota
	PullUp
)

func (p Pull) String() string {
	if p == PullUp {
		return "pull-up"
	}
	return "pull-down"
}

// ReleasePull returns the bias that holds r's relay de-energised once the
// line is back to input: the physical inactive level, which is high for
// active-low boards.
func (r Relay) ReleasePull() Pull {
	if r.ActiveLow {
		return PullUp
	}
	return PullDown
}

// HC-SR04 timing.
const (
	TriggerPulse = 10 * time.Microsecond
	EchoTimeout  = 60 * time.Millisecond

	// MinDistance and MaxDistance bound the ranger's usable range in cm.
	MinDistance = 2.0
	MaxDistance = 400.0
)

// speedOfSound in cm/s at ~20°C.
const speedOfSound = 34300.0

// EchoDistance converts an echo pulse width to a one-way distance in cm.
func EchoDistance(pulse time.Duration) (float64, error) {
	if pulse <= 0 {
		return 0, fmt.Errorf("invalid echo pulse %v", pulse)
	}
	cm := pulse.Seconds() * speedOfSound / 2
	if cm < MinDistance || cm > MaxDistance {
		return 0, fmt.Errorf("distance %.1fcm out of range", cm)
	}
	return cm, nil
}
