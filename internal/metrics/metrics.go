// Package metrics exports controller state as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/terrarium-controller/internal/control"
	"github.com/sweeney/terrarium-controller/internal/schedule"
	"github.com/sweeney/terrarium-controller/internal/sensor"
)

const namespace = "terrarium"

// Collector records control loop reports and sensor poller events.
// It owns its registry so tests and multiple instances never collide.
type Collector struct {
	reg *prometheus.Registry

	outputOn      *prometheus.GaugeVec
	outputDesired *prometheus.GaugeVec
	overridden    *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	writeFailures *prometheus.CounterVec

	sensorValue  *prometheus.GaugeVec
	sensorAge    *prometheus.GaugeVec
	sensorStale  *prometheus.GaugeVec
	sensorErrors *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	waterLevel   prometheus.Gauge
	fill         sensor.FillRange

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	startTime    prometheus.Gauge
	mqtt         prometheus.Gauge
}

// Option configures a Collector.
type Option func(*Collector)

// WithFillRange exports the reservoir fill ratio derived from each water level
// distance reading.
func WithFillRange(r sensor.FillRange) Option {
	return func(c *Collector) { c.fill = r }
}

// New creates a Collector and registers every metric, plus the Go runtime and
// process collectors.
func New(start time.Time, opts ...Option) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		outputOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_on",
			Help:      "Last state written to the output (1 on, 0 off).",
		}, []string{"output"}),
		outputDesired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_desired_on",
			Help:      "Desired state from the last resolution (1 on, 0 off).",
		}, []string{"output"}),
		overridden: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_interlock_active",
			Help:      "1 when an interlock overrode the schedule on the last tick.",
		}, []string{"output"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_transitions_total",
			Help:      "Successful state changes per output and target state.",
		}, []string{"output", "to"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_write_failures_total",
			Help:      "Failed relay writes per output.",
		}, []string{"output"}),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_value",
			Help:      "Latest reading per sensor kind.",
		}, []string{"kind", "unit"}),
		sensorAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_age_seconds",
			Help:      "Age of the latest reading at the last tick.",
		}, []string{"kind"}),
		sensorStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_stale",
			Help:      "1 when the latest reading is older than its staleness threshold.",
		}, []string{"kind"}),
		sensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_read_errors_total",
			Help:      "Failed sensor reads per physical sensor.",
		}, []string{"sensor"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_breaker_state",
			Help:      "Sensor circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"sensor"}),
		waterLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "water_level_ratio",
			Help:      "Reservoir fill level from the latest distance reading (0 empty, 1 full).",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Control loop passes completed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one control loop pass.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		startTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix time the controller started.",
		}),
		mqtt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 when the MQTT client is connected.",
		}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.reg.MustRegister(
		c.outputOn,
		c.outputDesired,
		c.overridden,
		c.transitions,
		c.writeFailures,
		c.sensorValue,
		c.sensorAge,
		c.sensorStale,
		c.sensorErrors,
		c.breakerState,
		c.ticks,
		c.tickDuration,
		c.startTime,
		c.mqtt,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if c.fill.Valid() {
		c.reg.MustRegister(c.waterLevel)
	}
	c.startTime.Set(float64(start.Unix()))
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Observe implements control.Observer.
func (c *Collector) Observe(r control.Report) {
	if r.Phase == control.Ticking {
		c.ticks.Inc()
		c.tickDuration.Observe(r.Duration.Seconds())
	}

	for i, d := range r.Decisions {
		c.outputDesired.WithLabelValues(d.OutputID).Set(boolFloat(d.Desired == schedule.StateOn))
		c.overridden.WithLabelValues(d.OutputID).Set(boolFloat(d.Overridden))
		if i < len(r.Outputs) {
			o := r.Outputs[i]
			c.outputOn.WithLabelValues(o.ID).Set(boolFloat(o.State == schedule.StateOn))
		}
	}
	for _, t := range r.Transitions {
		c.transitions.WithLabelValues(t.OutputID, string(t.To)).Inc()
	}
	for _, f := range r.Failures {
		c.writeFailures.WithLabelValues(f.OutputID).Inc()
	}
	for _, rd := range r.Readings {
		kind := string(rd.Kind)
		c.sensorValue.WithLabelValues(kind, rd.Kind.Unit()).Set(rd.Value)
		c.sensorAge.WithLabelValues(kind).Set(rd.Age(r.At).Seconds())
		c.sensorStale.WithLabelValues(kind).Set(boolFloat(rd.Stale))
		if rd.Kind == sensor.KindWaterLevelDistance {
			if ratio, ok := c.fill.Ratio(rd.Value); ok {
				c.waterLevel.Set(ratio)
			}
		}
	}
}

// SensorError counts a failed read. It matches sensor.WithErrorHook.
func (c *Collector) SensorError(name string, err error) {
	c.sensorErrors.WithLabelValues(name).Inc()
}

// BreakerState records a breaker transition. It matches sensor.WithStateHook.
func (c *Collector) BreakerState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	c.breakerState.WithLabelValues(name).Set(v)
}

// SetMQTTConnected records the MQTT connection state.
func (c *Collector) SetMQTTConnected(connected bool) {
	c.mqtt.Set(boolFloat(connected))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
