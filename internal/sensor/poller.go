package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Driver reads one physical sensor. A single read may produce several
// measurements (the AHT20 reports temperature and humidity together).
type Driver interface {
	Measure(ctx context.Context) ([]Measurement, error)
}

// Default breaker settings for a sensor poller.
const (
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// Poller periodically reads one driver and publishes the results into a Store.
// Read failures never touch the store: the previous reading simply ages until
// it is stale, which is how the control loop learns the sensor is gone.
// A circuit breaker stops hammering a sensor that keeps failing.
type Poller struct {
	name     string
	driver   Driver
	store    *Store
	interval time.Duration
	now      func() time.Time
	filters  map[Kind]*Median
	onError  func(name string, err error)
	onState  func(name, state string)

	failures uint32
	cooldown time.Duration
	breaker  *gobreaker.CircuitBreaker
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithNow overrides the clock used to timestamp readings.
func WithNow(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// WithSmoothing publishes the trailing median of k over window instead of the
// raw value.
func WithSmoothing(k Kind, window time.Duration) PollerOption {
	return func(p *Poller) {
		if window > 0 {
			p.filters[k] = NewMedian(window)
		}
	}
}

// WithErrorHook is called for every failed poll, including polls rejected by
// an open breaker.
func WithErrorHook(fn func(name string, err error)) PollerOption {
	return func(p *Poller) { p.onError = fn }
}

// WithStateHook is called with the new state ("closed", "half-open", "open")
// whenever the breaker changes state.
func WithStateHook(fn func(name, state string)) PollerOption {
	return func(p *Poller) { p.onState = fn }
}

// WithBreaker trips the breaker after failures consecutive errors and keeps it
// open for cooldown before probing the sensor again.
func WithBreaker(failures uint32, cooldown time.Duration) PollerOption {
	return func(p *Poller) {
		p.failures = failures
		p.cooldown = cooldown
	}
}

// NewPoller creates a poller for the named sensor.
func NewPoller(name string, d Driver, store *Store, interval time.Duration, opts ...PollerOption) *Poller {
	p := &Poller{
		name:     name,
		driver:   d,
		store:    store,
		interval: interval,
		now:      time.Now,
		filters:  make(map[Kind]*Median),
		failures: DefaultBreakerFailures,
		cooldown: DefaultBreakerCooldown,
	}
	for _, opt := range opts {
		opt(p)
	}

	failures := p.failures
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     p.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("sensor %s: breaker %s -> %s", name, from, to)
			if p.onState != nil {
				p.onState(name, to.String())
			}
		},
	})
	return p
}

// Name returns the sensor name.
func (p *Poller) Name() string {
	return p.name
}

// BreakerState reports the current breaker state ("closed", "half-open", "open").
func (p *Poller) BreakerState() string {
	return p.breaker.State().String()
}

// Poll performs a single read and publishes the results.
func (p *Poller) Poll(ctx context.Context) error {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.driver.Measure(ctx)
	})
	if err != nil {
		if p.onError != nil {
			p.onError(p.name, err)
		}
		return fmt.Errorf("sensor %s: %w", p.name, err)
	}

	at := p.now()
	measurements, _ := result.([]Measurement)
	for _, m := range measurements {
		v := m.Value
		if f, ok := p.filters[m.Kind]; ok {
			f.Put(v, at)
			v, _ = f.Value(at)
		}
		p.store.Publish(Reading{Kind: m.Kind, Value: v, ObservedAt: at})
	}
	return nil
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("sensor %s: polling every %v", p.name, p.interval)

	p.pollAndLog(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("sensor %s: stopped", p.name)
			return
		case <-ticker.C:
			p.pollAndLog(ctx)
		}
	}
}

func (p *Poller) pollAndLog(ctx context.Context) {
	err := p.Poll(ctx)
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// Already reported when the breaker opened.
	case ctx.Err() != nil:
	default:
		log.Printf("read error: %v", err)
	}
}
