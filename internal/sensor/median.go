package sensor

import (
	"sort"
	"time"
)

type sample struct {
	value float64
	at    time.Time
}

// Median smooths a noisy signal by returning the median of the samples seen
// within a trailing window. Ultrasonic distance sensors occasionally report
// echoes off the enclosure walls; a median discards those outliers.
// Not safe for concurrent use; each poller owns its own filter.
type Median struct {
	window  time.Duration
	samples []sample
}

// NewMedian creates a filter over the given trailing window.
func NewMedian(window time.Duration) *Median {
	return &Median{window: window}
}

// Put records v observed at t and drops samples that left the window.
func (m *Median) Put(v float64, t time.Time) {
	m.samples = append(m.samples, sample{value: v, at: t})
	m.expire(t)
}

// Value returns the median of the samples within the window ending at now.
func (m *Median) Value(now time.Time) (float64, bool) {
	m.expire(now)
	if len(m.samples) == 0 {
		return 0, false
	}

	values := make([]float64, len(m.samples))
	for i, s := range m.samples {
		values[i] = s.value
	}
	sort.Float64s(values)

	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid], true
	}
	return (values[mid-1] + values[mid]) / 2, true
}

// Len returns the number of samples currently in the window.
func (m *Median) Len() int {
	return len(m.samples)
}

func (m *Median) expire(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
