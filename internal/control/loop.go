// Package control runs the fixed-interval control loop: snapshot sensors,
// resolve every output's rules, apply the result through the actuator state
// machine and report what happened to observers.
//
// The loop goroutine is the only writer of output state. Observers receive
// value copies.
package control

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/sweeney/terrarium-controller/internal/actuator"
	"github.com/sweeney/terrarium-controller/internal/astro"
	"github.com/sweeney/terrarium-controller/internal/schedule"
	"github.com/sweeney/terrarium-controller/internal/sensor"
)

// Phase is the loop's lifecycle stage.
type Phase int32

const (
	Idle Phase = iota
	Ticking
	ShuttingDown
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Ticking:
		return "ticking"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	}
	return "idle"
}

// Failure is a per-output actuator error from one tick.
type Failure struct {
	OutputID string
	Err      error
}

// Report describes one pass over the outputs.
type Report struct {
	Tick     uint64
	Phase    Phase
	At       time.Time
	Duration time.Duration

	Decisions   []schedule.Decision
	Outputs     []actuator.Status
	Transitions []actuator.Transition
	Failures    []Failure
	Readings    []sensor.Observed
}

// Observer receives every report. Observe is called on the loop goroutine and
// must not block.
type Observer interface {
	Observe(Report)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Report)

// Observe calls f(r).
func (f ObserverFunc) Observe(r Report) { f(r) }

// Loop owns the outputs and drives them from the schedule.
type Loop struct {
	outputs   []*actuator.Output
	machine   *actuator.Machine
	store     *sensor.Store
	staleness sensor.Staleness
	clock     astro.Clock
	loc       *time.Location
	now       func() time.Time
	observers []Observer

	phase atomic.Int32
	ticks uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the location used for sun-relative windows.
func WithClock(c astro.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithStaleness sets the per-kind staleness thresholds.
func WithStaleness(s sensor.Staleness) Option {
	return func(l *Loop) { l.staleness = s }
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithLocation sets the time zone fixed windows are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(l *Loop) { l.loc = loc }
}

// WithObservers appends report observers.
func WithObservers(obs ...Observer) Option {
	return func(l *Loop) { l.observers = append(l.observers, obs...) }
}

// New creates a loop over outputs. Outputs are resolved in the given order.
func New(outputs []*actuator.Output, store *sensor.Store, machine *actuator.Machine, opts ...Option) *Loop {
	l := &Loop{
		outputs: outputs,
		machine: machine,
		store:   store,
		loc:     time.Local,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Phase returns the current lifecycle stage. Safe for concurrent use.
func (l *Loop) Phase() Phase {
	return Phase(l.phase.Load())
}

// Start writes every output Off so the hardware begins in a known state.
func (l *Loop) Start() Report {
	l.phase.Store(int32(Idle))
	r := l.forceOff("startup")
	l.notify(r)
	return r
}

// Tick runs one control pass. A failing output never prevents the others from
// being resolved and applied.
func (l *Loop) Tick() Report {
	l.phase.Store(int32(Ticking))
	defer l.phase.Store(int32(Idle))

	start := l.now()
	now := start.In(l.loc)
	l.ticks++

	snap := l.store.Snapshot(l.staleness)
	r := Report{
		Tick:      l.ticks,
		Phase:     Ticking,
		At:        now,
		Decisions: make([]schedule.Decision, 0, len(l.outputs)),
		Outputs:   make([]actuator.Status, 0, len(l.outputs)),
		Readings:  snap.All(now),
	}

	for _, out := range l.outputs {
		d := schedule.Resolve(out.ID, out.Rules, now, snap, l.clock)
		r.Decisions = append(r.Decisions, d)

		tr, changed, err := l.machine.Apply(out, d.Desired, now)
		if err != nil {
			log.Printf("output %s: %v", out.ID, err)
			r.Failures = append(r.Failures, Failure{OutputID: out.ID, Err: err})
		} else if changed {
			log.Printf("output %s: %s -> %s (%s)", out.ID, stateName(tr.From), tr.To, d.Reason)
			r.Transitions = append(r.Transitions, tr)
		}
		r.Outputs = append(r.Outputs, out.Status())
	}

	r.Duration = l.now().Sub(start)
	l.notify(r)
	return r
}

// Run calls Start, then Tick on every value from tick until ctx is
// cancelled. A tick in progress always completes; cancellation is observed
// before the next one starts. On exit every output is written Off.
func (l *Loop) Run(ctx context.Context, tick <-chan time.Time) error {
	l.Start()
	log.Printf("control loop started: outputs=%d", len(l.outputs))

	for {
		select {
		case <-ctx.Done():
			l.Shutdown()
			return nil
		case <-tick:
			if ctx.Err() != nil {
				l.Shutdown()
				return nil
			}
			l.Tick()
		}
	}
}

// Shutdown writes every output Off and reports the final state.
func (l *Loop) Shutdown() Report {
	l.phase.Store(int32(ShuttingDown))
	r := l.forceOff("shutdown")
	l.notify(r)
	l.phase.Store(int32(Stopped))
	log.Printf("control loop stopped")
	return r
}

func (l *Loop) forceOff(reason string) Report {
	start := l.now()
	now := start.In(l.loc)
	r := Report{
		Tick:     l.ticks,
		Phase:    l.Phase(),
		At:       now,
		Outputs:  make([]actuator.Status, 0, len(l.outputs)),
		Readings: l.store.Snapshot(l.staleness).All(now),
	}
	for _, out := range l.outputs {
		r.Decisions = append(r.Decisions, schedule.Decision{
			OutputID: out.ID,
			Desired:  schedule.StateOff,
			Reason:   reason,
		})
		tr, changed, err := l.machine.ForceOff(out, now)
		if err != nil {
			log.Printf("%s: output %s: %v", reason, out.ID, err)
			r.Failures = append(r.Failures, Failure{OutputID: out.ID, Err: err})
		} else if changed {
			r.Transitions = append(r.Transitions, tr)
		}
		r.Outputs = append(r.Outputs, out.Status())
	}
	r.Duration = l.now().Sub(start)
	return r
}

func (l *Loop) notify(r Report) {
	for _, o := range l.observers {
		o.Observe(r)
	}
}

func stateName(s schedule.State) string {
	if s == "" {
		return "UNKNOWN"
	}
	return string(s)
}
