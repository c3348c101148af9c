// Package status provides a thread-safe status tracker for the terrarium
// controller. It is fed by the control loop and read by HTTP handlers and the
// MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/terrarium-controller/internal/actuator"
	"github.com/sweeney/terrarium-controller/internal/astro"
	"github.com/sweeney/terrarium-controller/internal/control"
	"github.com/sweeney/terrarium-controller/internal/schedule"
	"github.com/sweeney/terrarium-controller/internal/sensor"
)

// NetworkInfo contains network state as reported by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains controller configuration for display.
type Config struct {
	TickMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
	Latitude    float64
	Longitude   float64
	Timezone    string
	// FillRange converts water level distances into a fill ratio. The zero
	// value reports no ratio.
	FillRange sensor.FillRange
}

// Output is the last known state of one output together with the decision
// that produced it.
type Output struct {
	actuator.Status
	Desired    schedule.State
	Reason     string
	Overridden bool
}

// Snapshot is a point-in-time view of controller state.
// It is a value type; its slices are never modified after publication.
type Snapshot struct {
	Phase         control.Phase
	Tick          uint64
	LastTick      time.Time
	Outputs       []Output
	Readings      []sensor.Observed
	Sun           astro.Sun
	WriteFailures uint64
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the controller started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable controller state behind an RWMutex.
type Tracker struct {
	mu    sync.RWMutex
	snap  Snapshot
	clock astro.Clock
	now   func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		clock: astro.Clock{Latitude: cfg.Latitude, Longitude: cfg.Longitude},
		now:   time.Now,
	}
}

// Observe records a control loop report. It implements control.Observer.
func (t *Tracker) Observe(r control.Report) {
	outputs := make([]Output, len(r.Outputs))
	for i, o := range r.Outputs {
		outputs[i] = Output{Status: o}
		if i < len(r.Decisions) {
			outputs[i].Desired = r.Decisions[i].Desired
			outputs[i].Reason = r.Decisions[i].Reason
			outputs[i].Overridden = r.Decisions[i].Overridden
		}
	}
	sun := t.clock.Day(r.At)

	t.mu.Lock()
	t.snap.Phase = r.Phase
	t.snap.Tick = r.Tick
	t.snap.LastTick = r.At
	t.snap.Outputs = outputs
	t.snap.Readings = r.Readings
	t.snap.Sun = sun
	t.snap.WriteFailures += uint64(len(r.Failures))
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the controller state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
