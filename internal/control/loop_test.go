package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/terrarium-controller/internal/actuator"
	"github.com/sweeney/terrarium-controller/internal/astro"
	"github.com/sweeney/terrarium-controller/internal/gpio"
	"github.com/sweeney/terrarium-controller/internal/schedule"
	"github.com/sweeney/terrarium-controller/internal/sensor"
)

var london = astro.Clock{Latitude: 51.5074, Longitude: -0.1278}

var staleness = sensor.Staleness{
	sensor.KindWaterLevelDistance: time.Minute,
	sensor.KindTemperature:        2 * time.Minute,
	sensor.KindHumidity:           2 * time.Minute,
}

func tod(t *testing.T, s string) schedule.TimeOfDay {
	t.Helper()
	v, err := schedule.ParseTimeOfDay(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// fakeClock is a settable time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func pumpRules(t *testing.T) []schedule.Rule {
	return []schedule.Rule{
		schedule.FixedWindow{Start: tod(t, "08:00"), End: tod(t, "08:05")},
		schedule.Interlock{
			Sensor:     sensor.KindWaterLevelDistance,
			Comparator: schedule.GreaterThan,
			Threshold:  15,
			Action:     schedule.ForceOff,
			OnStale:    schedule.FailSafe,
		},
	}
}

type harness struct {
	relays  *gpio.FakeRelays
	store   *sensor.Store
	clock   *fakeClock
	outputs []*actuator.Output
	reports []Report
	loop    *Loop
}

func newHarness(t *testing.T, outputs ...*actuator.Output) *harness {
	h := &harness{
		relays:  gpio.NewFakeRelays(),
		store:   sensor.NewStore(),
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 8, 2, 0, 0, time.UTC)},
		outputs: outputs,
	}
	h.loop = New(outputs, h.store, actuator.NewMachine(h.relays),
		WithClock(london),
		WithStaleness(staleness),
		WithNow(h.clock.Now),
		WithLocation(time.UTC),
		WithObservers(ObserverFunc(func(r Report) { h.reports = append(h.reports, r) })),
	)
	return h
}

func (h *harness) water(cm float64, age time.Duration) {
	h.store.Publish(sensor.Reading{
		Kind:       sensor.KindWaterLevelDistance,
		Value:      cm,
		ObservedAt: h.clock.t.Add(-age),
	})
}

func TestStartWritesEveryOutputOff(t *testing.T) {
	pump := actuator.NewOutput("pump", 27, nil)
	light := actuator.NewOutput("light", 17, nil)
	h := newHarness(t, pump, light)

	r := h.loop.Start()

	for _, pin := range []int{27, 17} {
		on, written := h.relays.Level(pin)
		if !written || on {
			t.Errorf("pin %d: expected written off, got on=%v written=%v", pin, on, written)
		}
	}
	if len(r.Transitions) != 2 {
		t.Errorf("expected 2 startup transitions, got %d", len(r.Transitions))
	}
	if len(h.reports) != 1 {
		t.Errorf("observers should see the startup report, got %d reports", len(h.reports))
	}
	if r.Decisions[0].Reason != "startup" {
		t.Errorf("startup reason: got %q", r.Decisions[0].Reason)
	}
}

func TestPumpScenario(t *testing.T) {
	pump := actuator.NewOutput("pump", 27, pumpRules(t))
	h := newHarness(t, pump)
	h.loop.Start()

	h.water(10, 5*time.Second)
	r := h.loop.Tick()
	if got := r.Decisions[0].Desired; got != schedule.StateOn {
		t.Fatalf("10cm: got %s, want ON (%s)", got, r.Decisions[0].Reason)
	}
	if on, _ := h.relays.Level(27); !on {
		t.Error("pump relay should be on")
	}
	if len(r.Transitions) != 1 {
		t.Errorf("expected 1 transition, got %d", len(r.Transitions))
	}

	h.water(20, 5*time.Second)
	r = h.loop.Tick()
	if got := r.Decisions[0].Desired; got != schedule.StateOff {
		t.Fatalf("20cm: got %s, want OFF", got)
	}
	if !r.Decisions[0].Overridden {
		t.Error("20cm decision should be an interlock override")
	}

	h.water(10, 5*time.Second)
	h.loop.Tick()
	h.clock.t = h.clock.t.Add(90 * time.Second) // 08:03:30, reading now 95s old
	r = h.loop.Tick()
	if got := r.Decisions[0].Desired; got != schedule.StateOff {
		t.Fatalf("stale reading: got %s, want OFF", got)
	}
	if on, _ := h.relays.Level(27); on {
		t.Error("pump relay should be off once the reading is stale")
	}
	if len(r.Readings) != 1 || !r.Readings[0].Stale {
		t.Errorf("report should carry the stale reading: %+v", r.Readings)
	}
}

func TestRepeatedTicksWriteOnce(t *testing.T) {
	light := actuator.NewOutput("light", 17, []schedule.Rule{
		schedule.FixedWindow{Start: tod(t, "06:00"), End: tod(t, "20:00")},
	})
	h := newHarness(t, light)

	for i := 0; i < 10; i++ {
		h.loop.Tick()
		h.clock.t = h.clock.t.Add(2 * time.Second)
	}
	if got := h.relays.WriteCount(17); got != 1 {
		t.Errorf("expected 1 write over 10 identical ticks, got %d", got)
	}
	if light.Transitions != 1 {
		t.Errorf("expected 1 transition, got %d", light.Transitions)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	rules := []schedule.Rule{schedule.FixedWindow{Start: tod(t, "08:00"), End: tod(t, "09:00")}}
	a := actuator.NewOutput("a", 5, rules)
	b := actuator.NewOutput("b", 6, rules)
	c := actuator.NewOutput("c", 13, rules)
	h := newHarness(t, a, b, c)
	h.loop.Start()

	hwErr := errors.New("line busy")
	h.relays.FailPin(6, hwErr)

	r := h.loop.Tick()

	if a.State != schedule.StateOn || c.State != schedule.StateOn {
		t.Errorf("healthy outputs should transition: a=%s c=%s", a.State, c.State)
	}
	if b.State != schedule.StateOff {
		t.Errorf("failed output should keep its state, got %s", b.State)
	}
	if len(r.Failures) != 1 || r.Failures[0].OutputID != "b" {
		t.Fatalf("expected one failure for b, got %+v", r.Failures)
	}
	if !errors.Is(r.Failures[0].Err, actuator.ErrWriteFailed) {
		t.Errorf("failure should match ErrWriteFailed: %v", r.Failures[0].Err)
	}
	if len(r.Transitions) != 2 {
		t.Errorf("expected 2 transitions, got %d", len(r.Transitions))
	}
	if r.Outputs[1].LastError == "" {
		t.Error("status should carry the last error")
	}

	// Retried on the next tick.
	h.relays.FailPin(6, nil)
	r = h.loop.Tick()
	if b.State != schedule.StateOn || len(r.Failures) != 0 {
		t.Errorf("retry: state=%s failures=%v", b.State, r.Failures)
	}
}

func TestTickNumbersAndDecisionOrder(t *testing.T) {
	h := newHarness(t,
		actuator.NewOutput("first", 1, nil),
		actuator.NewOutput("second", 2, nil),
	)
	h.loop.Tick()
	r := h.loop.Tick()

	if r.Tick != 2 {
		t.Errorf("Tick: got %d, want 2", r.Tick)
	}
	if r.Decisions[0].OutputID != "first" || r.Decisions[1].OutputID != "second" {
		t.Errorf("decisions out of order: %+v", r.Decisions)
	}
	if r.Decisions[0].Reason != schedule.ReasonNoRules {
		t.Errorf("empty rule set reason: got %q", r.Decisions[0].Reason)
	}
	if h.loop.Phase() != Idle {
		t.Errorf("phase after tick: got %s, want idle", h.loop.Phase())
	}
}

func TestRunShutsDownSafely(t *testing.T) {
	pump := actuator.NewOutput("pump", 27, pumpRules(t))
	h := newHarness(t, pump)
	h.water(10, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan time.Time)
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx, tick) }()

	tick <- h.clock.t
	tick <- h.clock.t // blocks until the first tick has been consumed

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if on, _ := h.relays.Level(27); on {
		t.Error("pump must be off after shutdown")
	}
	if pump.State != schedule.StateOff {
		t.Errorf("state after shutdown: got %s", pump.State)
	}
	if h.loop.Phase() != Stopped {
		t.Errorf("phase: got %s, want stopped", h.loop.Phase())
	}

	last := h.reports[len(h.reports)-1]
	if last.Phase != ShuttingDown {
		t.Errorf("final report phase: got %s", last.Phase)
	}
	if last.Decisions[0].Reason != "shutdown" {
		t.Errorf("final report reason: got %q", last.Decisions[0].Reason)
	}
}

func TestRunFinishesInFlightTick(t *testing.T) {
	pump := actuator.NewOutput("pump", 27, pumpRules(t))
	h := newHarness(t, pump)
	h.water(10, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	var sawOn bool
	h.loop.observers = append(h.loop.observers, ObserverFunc(func(r Report) {
		if r.Phase == Ticking {
			// Cancelling mid-tick must not abort the pass already running.
			sawOn = r.Outputs[0].State == schedule.StateOn
			cancel()
		}
	}))

	tick := make(chan time.Time, 2)
	tick <- h.clock.t
	tick <- h.clock.t

	if err := h.loop.Run(ctx, tick); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawOn {
		t.Error("in-flight tick should complete and apply ON")
	}

	ticks := 0
	for _, r := range h.reports {
		if r.Phase == Ticking {
			ticks++
		}
	}
	if ticks != 1 {
		t.Errorf("expected exactly 1 tick after cancel, got %d", ticks)
	}
	if on, _ := h.relays.Level(27); on {
		t.Error("pump must be off after shutdown")
	}
}

func TestSunWindowOutput(t *testing.T) {
	lamp := actuator.NewOutput("basking", 19, []schedule.Rule{
		schedule.SunWindow{Anchor: astro.Sunset, Offset: -time.Hour, Duration: 2 * time.Hour},
	})
	h := newHarness(t, lamp)

	set, _ := london.Sunset(h.clock.t)
	h.clock.t = set.Add(-30 * time.Minute)
	if r := h.loop.Tick(); r.Decisions[0].Desired != schedule.StateOn {
		t.Errorf("30m before sunset: got %s, want ON", r.Decisions[0].Desired)
	}

	h.clock.t = set.Add(90 * time.Minute)
	if r := h.loop.Tick(); r.Decisions[0].Desired != schedule.StateOff {
		t.Errorf("90m after sunset: got %s, want OFF", r.Decisions[0].Desired)
	}
}
