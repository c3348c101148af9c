//go:build !linux

package gpio

import (
	"context"
	"errors"

	"github.com/sweeney/terrarium-controller/internal/sensor"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RelayBank is not available on non-Linux platforms.
type RelayBank struct{}

// NewRelayBank returns an error on non-Linux platforms.
func NewRelayBank(chipName string, relays []Relay) (*RelayBank, error) {
	return nil, errUnsupported
}

// Write is not implemented on non-Linux platforms.
func (b *RelayBank) Write(pin int, on bool) error {
	return errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (b *RelayBank) Close() error {
	return nil
}

// HCSR04 is not available on non-Linux platforms.
type HCSR04 struct{}

// NewHCSR04 returns an error on non-Linux platforms.
func NewHCSR04(chipName string, trigPin, echoPin int) (*HCSR04, error) {
	return nil, errUnsupported
}

// Measure is not implemented on non-Linux platforms.
func (h *HCSR04) Measure(ctx context.Context) ([]sensor.Measurement, error) {
	return nil, errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (h *HCSR04) Close() error {
	return nil
}
