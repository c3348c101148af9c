package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/terrarium-controller/internal/sensor"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Phase         string       `json:"phase"`
	Tick          uint64       `json:"tick"`
	LastTick      string       `json:"last_tick,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Outputs       []OutputJSON `json:"outputs"`
	Sensors       []SensorJSON `json:"sensors"`
	Sun           SunJSON      `json:"sun"`
	WriteFailures uint64       `json:"write_failures"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// OutputJSON is the JSON representation of one output.
type OutputJSON struct {
	ID             string `json:"id"`
	Pin            int    `json:"pin"`
	State          string `json:"state"`
	Desired        string `json:"desired"`
	Reason         string `json:"reason"`
	Overridden     bool   `json:"overridden"`
	Transitions    uint64 `json:"transitions"`
	LastTransition string `json:"last_transition,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// SensorJSON is the JSON representation of one sensor reading.
type SensorJSON struct {
	Kind       string  `json:"kind"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	ObservedAt string  `json:"observed_at"`
	AgeSeconds float64 `json:"age_seconds"`
	Stale      bool    `json:"stale"`
	// FillRatio is only set for water level distance with a configured range.
	FillRatio *float64 `json:"fill_ratio,omitempty"`
}

// SunJSON reports today's sun events.
type SunJSON struct {
	Sunrise string `json:"sunrise,omitempty"`
	Sunset  string `json:"sunset,omitempty"`
	Polar   string `json:"polar"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of controller config.
type ConfigJSON struct {
	TickMs      int64   `json:"tick_ms"`
	HeartbeatMs int64   `json:"heartbeat_ms"`
	Broker      string  `json:"broker"`
	HTTPAddr    string  `json:"http_addr"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Timezone    string  `json:"timezone"`
}

// StateName renders an output state, mapping the never-written state to UNKNOWN.
func StateName(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Phase:         snap.Phase.String(),
		Tick:          snap.Tick,
		LastTick:      formatTime(snap.LastTick),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Outputs:       make([]OutputJSON, 0, len(snap.Outputs)),
		Sensors:       make([]SensorJSON, 0, len(snap.Readings)),
		Sun: SunJSON{
			Sunrise: formatTime(snap.Sun.Rise),
			Sunset:  formatTime(snap.Sun.Set),
			Polar:   snap.Sun.Polar.String(),
		},
		WriteFailures: snap.WriteFailures,
		Config: ConfigJSON{
			TickMs:      snap.Config.TickMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			Latitude:    snap.Config.Latitude,
			Longitude:   snap.Config.Longitude,
			Timezone:    snap.Config.Timezone,
		},
	}

	for _, o := range snap.Outputs {
		inner.Outputs = append(inner.Outputs, OutputJSON{
			ID:             o.ID,
			Pin:            o.Pin,
			State:          StateName(string(o.State)),
			Desired:        StateName(string(o.Desired)),
			Reason:         o.Reason,
			Overridden:     o.Overridden,
			Transitions:    o.Transitions,
			LastTransition: formatTime(o.LastTransitionAt),
			LastError:      o.LastError,
		})
	}

	for _, r := range snap.Readings {
		sj := SensorJSON{
			Kind:       string(r.Kind),
			Value:      r.Value,
			Unit:       r.Kind.Unit(),
			ObservedAt: formatTime(r.ObservedAt),
			AgeSeconds: r.Age(snap.Now).Truncate(time.Second).Seconds(),
			Stale:      r.Stale,
		}
		if r.Kind == sensor.KindWaterLevelDistance {
			if ratio, ok := snap.Config.FillRange.Ratio(r.Value); ok {
				sj.FillRatio = &ratio
			}
		}
		inner.Sensors = append(inner.Sensors, sj)
	}

	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
