package sensor

import (
	"context"
	"errors"
)

// FakeDriver is a test double that returns scripted measurements.
type FakeDriver struct {
	// Results contains scripted measurement batches.
	// Each call to Measure consumes the next batch; the last one repeats.
	Results [][]Measurement

	// Err, if set, is returned by Measure instead of a batch.
	Err error

	// Calls counts Measure invocations.
	Calls int

	index int
}

// NewFakeDriver creates a FakeDriver with the given batches.
func NewFakeDriver(results ...[]Measurement) *FakeDriver {
	return &FakeDriver{Results: results}
}

// Measure returns the next scripted batch.
func (f *FakeDriver) Measure(ctx context.Context) ([]Measurement, error) {
	f.Calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Results) == 0 {
		return nil, errors.New("no results configured")
	}

	batch := f.Results[f.index]
	if f.index < len(f.Results)-1 {
		f.index++
	}
	return batch, nil
}
