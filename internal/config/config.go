// Package config loads the controller's TOML configuration.
//
// The file describes the site (coordinates, timezone), sensor wiring and the
// relay outputs with their rules. It is read once at startup and never
// reloaded; any problem is reported as an *Error and the process refuses to
// start.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/sweeney/terrarium-controller/internal/actuator"
	"github.com/sweeney/terrarium-controller/internal/astro"
	"github.com/sweeney/terrarium-controller/internal/gpio"
	"github.com/sweeney/terrarium-controller/internal/schedule"
	"github.com/sweeney/terrarium-controller/internal/sensor"
)

// Defaults applied when a field is left out of the file.
const (
	DefaultTick      = 2 * time.Second
	DefaultHeartbeat = 15 * time.Minute
	DefaultStaleness = time.Minute
	DefaultPoll      = 10 * time.Second
)

// Error is a configuration problem. Problems lists every violation found, so
// one run reports them all.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *Error) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Duration is a time.Duration written as a Go duration string ("2s", "15m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the decoded configuration file.
type Config struct {
	Tick      Duration `toml:"tick"`
	Heartbeat Duration `toml:"heartbeat"`
	Latitude  float64  `toml:"latitude"`
	Longitude float64  `toml:"longitude"`
	Timezone  string   `toml:"timezone"`

	Staleness  Staleness   `toml:"staleness"`
	WaterLevel *WaterLevel `toml:"water_level_sensor"`
	AHT20      *AHT20      `toml:"aht20"`
	Outputs    []Output    `toml:"outputs"`

	loc   *time.Location
	rules [][]schedule.Rule
}

// Staleness holds the maximum reading age per sensor kind.
type Staleness struct {
	WaterLevelDistance Duration `toml:"water_level_distance"`
	Temperature        Duration `toml:"temperature"`
	Humidity           Duration `toml:"humidity"`
}

// WaterLevel is an HC-SR04 ultrasonic sensor mounted above the reservoir.
// MinDistance and MaxDistance, in cm, are the readings for a full and an empty
// reservoir; when set, the fill ratio is reported alongside the distance.
type WaterLevel struct {
	Name        string   `toml:"name"`
	TrigPin     int      `toml:"trig_pin"`
	EchoPin     int      `toml:"echo_pin"`
	Smoothing   Duration `toml:"smoothing"`
	Poll        Duration `toml:"poll"`
	MinDistance float64  `toml:"min_distance"`
	MaxDistance float64  `toml:"max_distance"`
}

// AHT20 is a temperature and humidity sensor on an I2C bus.
type AHT20 struct {
	Name string   `toml:"name"`
	Bus  string   `toml:"bus"`
	Poll Duration `toml:"poll"`
}

// Output is one relay with its rules in declared order.
type Output struct {
	Name      string `toml:"name"`
	Pin       int    `toml:"pin"`
	ActiveLow bool   `toml:"active_low"`
	Rules     []Rule `toml:"rules"`
}

// Rule is the flat file form of a schedule rule; Type selects which fields
// apply.
type Rule struct {
	Type string `toml:"type"` // fixed, sun or interlock

	Start string `toml:"start"`
	End   string `toml:"end"`

	Anchor   string   `toml:"anchor"`
	Offset   Duration `toml:"offset"`
	Duration Duration `toml:"duration"`

	Sensor     string  `toml:"sensor"`
	Comparator string  `toml:"comparator"`
	Threshold  float64 `toml:"threshold"`
	Action     string  `toml:"action"`
	OnStale    string  `toml:"on_stale"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document. Unknown keys are an
// error so that typos do not silently drop a rule.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, &Error{Problems: []string{decodeProblem(err)}}
	}

	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeProblem(err error) string {
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		keys := make([]string, 0, len(strict.Errors))
		for _, e := range strict.Errors {
			keys = append(keys, strings.Join(e.Key(), "."))
		}
		return "unknown keys: " + strings.Join(keys, ", ")
	}
	var de *toml.DecodeError
	if errors.As(err, &de) {
		row, col := de.Position()
		return fmt.Sprintf("line %d column %d: %s", row, col, de.Error())
	}
	return err.Error()
}

func (c *Config) applyDefaults() {
	if c.Tick == 0 {
		c.Tick = Duration(DefaultTick)
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = Duration(DefaultHeartbeat)
	}
	for _, d := range []*Duration{&c.Staleness.WaterLevelDistance, &c.Staleness.Temperature, &c.Staleness.Humidity} {
		if *d == 0 {
			*d = Duration(DefaultStaleness)
		}
	}
	if c.WaterLevel != nil {
		if c.WaterLevel.Name == "" {
			c.WaterLevel.Name = "water_level"
		}
		if c.WaterLevel.Poll == 0 {
			c.WaterLevel.Poll = Duration(DefaultPoll)
		}
	}
	if c.AHT20 != nil {
		if c.AHT20.Name == "" {
			c.AHT20.Name = "aht20"
		}
		if c.AHT20.Poll == 0 {
			c.AHT20.Poll = Duration(DefaultPoll)
		}
	}
}

func (c *Config) validate() error {
	e := &Error{}

	if c.Tick < 0 {
		e.add("tick must be positive, got %v", time.Duration(c.Tick))
	}
	if c.Heartbeat < 0 {
		e.add("heartbeat must not be negative, got %v", time.Duration(c.Heartbeat))
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		e.add("latitude %g outside [-90, 90]", c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		e.add("longitude %g outside [-180, 180]", c.Longitude)
	}

	c.loc = time.Local
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			e.add("timezone %q: %v", c.Timezone, err)
		} else {
			c.loc = loc
		}
	}

	for kind, d := range c.Thresholds() {
		if d < 0 {
			e.add("staleness.%s must be positive, got %v", kind, d)
		}
	}

	// Pins and names are shared across outputs and sensors.
	pins := make(map[int]string)
	claimPin := func(pin int, owner string) {
		if pin < 0 {
			e.add("%s: pin %d must not be negative", owner, pin)
			return
		}
		if prev, ok := pins[pin]; ok {
			e.add("%s: pin %d already used by %s", owner, pin, prev)
			return
		}
		pins[pin] = owner
	}
	names := make(map[string]bool)
	claimName := func(name, what string) {
		if name == "" {
			e.add("%s has no name", what)
			return
		}
		if names[name] {
			e.add("duplicate name %q", name)
			return
		}
		names[name] = true
	}

	sources := make(map[sensor.Kind]bool)
	if w := c.WaterLevel; w != nil {
		claimName(w.Name, "water_level_sensor")
		claimPin(w.TrigPin, "water_level_sensor "+w.Name+" trig")
		claimPin(w.EchoPin, "water_level_sensor "+w.Name+" echo")
		if w.Smoothing < 0 {
			e.add("water_level_sensor %s: smoothing must not be negative", w.Name)
		}
		if w.Poll < 0 {
			e.add("water_level_sensor %s: poll must be positive", w.Name)
		}
		if w.MinDistance != 0 || w.MaxDistance != 0 {
			if w.MinDistance < 0 {
				e.add("water_level_sensor %s: min_distance must not be negative", w.Name)
			} else if w.MinDistance >= w.MaxDistance {
				e.add("water_level_sensor %s: min_distance %g must be below max_distance %g", w.Name, w.MinDistance, w.MaxDistance)
			}
		}
		sources[sensor.KindWaterLevelDistance] = true
	}
	if a := c.AHT20; a != nil {
		claimName(a.Name, "aht20")
		if a.Poll < 0 {
			e.add("aht20 %s: poll must be positive", a.Name)
		}
		sources[sensor.KindTemperature] = true
		sources[sensor.KindHumidity] = true
	}

	if len(c.Outputs) == 0 {
		e.add("no outputs configured")
	}
	c.rules = make([][]schedule.Rule, len(c.Outputs))
	for i, o := range c.Outputs {
		claimName(o.Name, fmt.Sprintf("outputs[%d]", i))
		claimPin(o.Pin, "output "+o.Name)

		rules, err := parseRules(o.Rules)
		if err == nil {
			err = schedule.Validate(rules)
		}
		if err != nil {
			e.add("output %s: %v", o.Name, err)
			continue
		}
		for _, k := range schedule.Sensors(rules) {
			if !sources[k] {
				e.add("output %s: interlock on %s but no sensor provides it", o.Name, k)
			}
		}
		c.rules[i] = rules
	}

	if len(e.Problems) > 0 {
		return e
	}
	return nil
}

func parseRules(in []Rule) ([]schedule.Rule, error) {
	var errs []error
	out := make([]schedule.Rule, 0, len(in))
	for i, r := range in {
		rule, err := r.parse()
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		out = append(out, rule)
	}
	return out, errors.Join(errs...)
}

func (r Rule) parse() (schedule.Rule, error) {
	switch r.Type {
	case "fixed":
		start, err := schedule.ParseTimeOfDay(r.Start)
		if err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
		end, err := schedule.ParseTimeOfDay(r.End)
		if err != nil {
			return nil, fmt.Errorf("end: %w", err)
		}
		return schedule.FixedWindow{Start: start, End: end}, nil

	case "sun":
		var anchor astro.Anchor
		switch r.Anchor {
		case "sunrise":
			anchor = astro.Sunrise
		case "sunset":
			anchor = astro.Sunset
		default:
			return nil, fmt.Errorf("anchor %q must be sunrise or sunset", r.Anchor)
		}
		return schedule.SunWindow{
			Anchor:   anchor,
			Offset:   time.Duration(r.Offset),
			Duration: time.Duration(r.Duration),
		}, nil

	case "interlock":
		kind, err := sensor.ParseKind(r.Sensor)
		if err != nil {
			return nil, err
		}
		policy := schedule.StalePolicy(r.OnStale)
		if r.OnStale == "" {
			policy = schedule.FailSafe
		}
		return schedule.Interlock{
			Sensor:     kind,
			Comparator: schedule.Comparator(r.Comparator),
			Threshold:  r.Threshold,
			Action:     schedule.Action(r.Action),
			OnStale:    policy,
		}, nil
	}
	return nil, fmt.Errorf("unknown rule type %q", r.Type)
}

// BuildOutputs returns fresh actuator outputs in declared order. Every output
// starts in the unknown state so the first write is always issued.
func (c *Config) BuildOutputs() []*actuator.Output {
	outs := make([]*actuator.Output, len(c.Outputs))
	for i, o := range c.Outputs {
		outs[i] = actuator.NewOutput(o.Name, o.Pin, c.rules[i])
	}
	return outs
}

// Relays returns the relay lines to request, one per output.
func (c *Config) Relays() []gpio.Relay {
	relays := make([]gpio.Relay, len(c.Outputs))
	for i, o := range c.Outputs {
		relays[i] = gpio.Relay{Pin: o.Pin, ActiveLow: o.ActiveLow}
	}
	return relays
}

// Thresholds returns the staleness bound per sensor kind.
func (c *Config) Thresholds() sensor.Staleness {
	return sensor.Staleness{
		sensor.KindWaterLevelDistance: time.Duration(c.Staleness.WaterLevelDistance),
		sensor.KindTemperature:        time.Duration(c.Staleness.Temperature),
		sensor.KindHumidity:           time.Duration(c.Staleness.Humidity),
	}
}

// FillRange returns the distance range used to report the reservoir fill
// ratio. ok is false when no range is configured.
func (c *Config) FillRange() (r sensor.FillRange, ok bool) {
	if c.WaterLevel == nil {
		return sensor.FillRange{}, false
	}
	r = sensor.FillRange{Min: c.WaterLevel.MinDistance, Max: c.WaterLevel.MaxDistance}
	return r, r.Valid()
}

// Clock returns the astronomical clock for the configured site.
func (c *Config) Clock() astro.Clock {
	return astro.Clock{Latitude: c.Latitude, Longitude: c.Longitude}
}

// Location returns the timezone schedules are evaluated in.
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}
