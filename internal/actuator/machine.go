// Package actuator tracks the last state written to each relay output and
// turns desired states into hardware writes. A write happens only when the
// desired state differs from the recorded one, and the recorded state only
// changes after a successful write.
package actuator

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/terrarium-controller/internal/schedule"
)

// ErrWriteFailed is matched by every error returned from a failed relay write.
var ErrWriteFailed = errors.New("actuator write failed")

// WriteError reports a failed write for one output.
type WriteError struct {
	OutputID string
	Pin      int
	Desired  schedule.State
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("output %s (pin %d) -> %s: %v", e.OutputID, e.Pin, e.Desired, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrWriteFailed) true for any WriteError.
func (e *WriteError) Is(target error) bool { return target == ErrWriteFailed }

// Driver writes a logical level to a relay pin.
type Driver interface {
	Write(pin int, on bool) error
}

// Output is one relay-switched load. State is empty until the first write
// succeeds, so the first tick always reaches the hardware.
type Output struct {
	ID    string
	Pin   int
	Rules []schedule.Rule

	State            schedule.State
	LastTransitionAt time.Time
	Transitions      uint64
	LastError        error
}

// NewOutput creates an output in the unknown state.
func NewOutput(id string, pin int, rules []schedule.Rule) *Output {
	return &Output{ID: id, Pin: pin, Rules: rules}
}

// Status is a read-only copy of an output's bookkeeping.
type Status struct {
	ID               string
	Pin              int
	State            schedule.State
	LastTransitionAt time.Time
	Transitions      uint64
	LastError        string
}

// Status returns a copy that is safe to hand to other goroutines.
func (o *Output) Status() Status {
	s := Status{
		ID:               o.ID,
		Pin:              o.Pin,
		State:            o.State,
		LastTransitionAt: o.LastTransitionAt,
		Transitions:      o.Transitions,
	}
	if o.LastError != nil {
		s.LastError = o.LastError.Error()
	}
	return s
}

// Transition records a successful state change.
type Transition struct {
	OutputID string
	From     schedule.State
	To       schedule.State
	At       time.Time
}

// Machine applies desired states through a Driver.
type Machine struct {
	driver Driver
}

// NewMachine creates a machine writing through d.
func NewMachine(d Driver) *Machine {
	return &Machine{driver: d}
}

// Apply drives out toward desired. It returns the transition and true when a
// write succeeded, false with a nil error when no write was needed, and a
// *WriteError when the write failed. On failure out.State is left untouched
// so the next tick retries.
func (m *Machine) Apply(out *Output, desired schedule.State, at time.Time) (Transition, bool, error) {
	if out.State == desired {
		out.LastError = nil
		return Transition{}, false, nil
	}
	return m.write(out, desired, at)
}

// ForceOff writes Off regardless of the recorded state.
func (m *Machine) ForceOff(out *Output, at time.Time) (Transition, bool, error) {
	return m.write(out, schedule.StateOff, at)
}

func (m *Machine) write(out *Output, desired schedule.State, at time.Time) (Transition, bool, error) {
	if err := m.driver.Write(out.Pin, desired == schedule.StateOn); err != nil {
		werr := &WriteError{OutputID: out.ID, Pin: out.Pin, Desired: desired, Err: err}
		out.LastError = werr
		return Transition{}, false, werr
	}

	out.LastError = nil
	if out.State == desired {
		return Transition{}, false, nil
	}
	t := Transition{OutputID: out.ID, From: out.State, To: desired, At: at}
	out.State = desired
	out.LastTransitionAt = at
	out.Transitions++
	return t, true, nil
}
