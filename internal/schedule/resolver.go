package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/terrarium-controller/internal/astro"
	"github.com/sweeney/terrarium-controller/internal/sensor"
)

// Decision reasons that do not name a rule.
const (
	ReasonNoRules  = "no rules"
	ReasonNoWindow = "no window"
)

// Resolve computes the desired state of one output.
//
// Base windows (fixed and sun-relative) are OR-ed: any window containing now
// turns the output on. Interlocks are then checked in declared order and the
// first triggered one sets the final state, whatever the windows said.
func Resolve(outputID string, rules []Rule, now time.Time, snap sensor.Snapshot, clock astro.Clock) Decision {
	d := Decision{OutputID: outputID, Desired: StateOff, Reason: ReasonNoRules}
	if len(rules) == 0 {
		return d
	}

	d.Reason = ReasonNoWindow
	for i, rule := range rules {
		if d.Desired == StateOn {
			break
		}
		switch r := rule.(type) {
		case FixedWindow:
			if r.Contains(now) {
				d.Desired = StateOn
				d.Reason = fmt.Sprintf("rule %d (%s)", i, r)
			}
		case SunWindow:
			if r.Contains(now, clock) {
				d.Desired = StateOn
				d.Reason = fmt.Sprintf("rule %d (%s)", i, r)
			}
		case Interlock:
			// second pass
		}
	}

	for i, rule := range rules {
		il, ok := rule.(Interlock)
		if !ok {
			continue
		}
		triggered, stale := il.Evaluate(snap, now)
		if !triggered {
			continue
		}
		d.Desired = il.Action.State()
		d.Overridden = true
		if stale {
			d.Reason = fmt.Sprintf("interlock %d (%s): %s reading stale", i, il, il.Sensor)
		} else {
			d.Reason = fmt.Sprintf("interlock %d (%s)", i, il)
		}
		return d
	}
	return d
}

// MaxWindow is the longest window that makes sense on a daily schedule.
const MaxWindow = 24 * time.Hour

// Validate checks a rule set for configuration errors. It never inspects
// sensors or the clock.
func Validate(rules []Rule) error {
	var errs []error
	for i, rule := range rules {
		if err := validateRule(rule); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func validateRule(rule Rule) error {
	switch r := rule.(type) {
	case FixedWindow:
		if r.Start < 0 || r.Start >= TimeOfDay(MaxWindow) || r.End < 0 || r.End >= TimeOfDay(MaxWindow) {
			return fmt.Errorf("fixed window %s outside 00:00-23:59", r)
		}
		if r.Start == r.End {
			return fmt.Errorf("fixed window %s has zero length", r)
		}
	case SunWindow:
		if r.Anchor != astro.Sunrise && r.Anchor != astro.Sunset {
			return fmt.Errorf("unknown sun anchor %d", r.Anchor)
		}
		if r.Duration <= 0 {
			return fmt.Errorf("sun window %s must have a positive duration", r)
		}
		if r.Duration > MaxWindow {
			return fmt.Errorf("sun window %s longer than %v", r, MaxWindow)
		}
		if r.Offset <= -MaxWindow || r.Offset >= MaxWindow {
			return fmt.Errorf("sun window %s offset must be within ±%v", r, MaxWindow)
		}
	case Interlock:
		if !r.Sensor.Valid() {
			return fmt.Errorf("interlock references unknown sensor kind %q", r.Sensor)
		}
		if !r.Comparator.Valid() {
			return fmt.Errorf("interlock has unknown comparator %q", r.Comparator)
		}
		if r.Action != ForceOff && r.Action != ForceOn {
			return fmt.Errorf("interlock has unknown action %q", r.Action)
		}
		if r.OnStale != FailSafe && r.OnStale != Ignore {
			return fmt.Errorf("interlock has unknown stale policy %q", r.OnStale)
		}
	case nil:
		return errors.New("empty rule")
	default:
		return fmt.Errorf("unsupported rule type %T", rule)
	}
	return nil
}

// Sensors returns the sensor kinds referenced by interlocks in rules.
func Sensors(rules []Rule) []sensor.Kind {
	var kinds []sensor.Kind
	seen := make(map[sensor.Kind]bool)
	for _, rule := range rules {
		if il, ok := rule.(Interlock); ok && !seen[il.Sensor] {
			seen[il.Sensor] = true
			kinds = append(kinds, il.Sensor)
		}
	}
	return kinds
}
