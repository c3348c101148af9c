//go:build linux

package gpio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/sweeney/terrarium-controller/internal/sensor"
)

// RelayBank drives relay outputs on actual hardware.
type RelayBank struct {
	chip   *gpiocdev.Chip
	lines  map[int]*gpiocdev.Line
	relays map[int]Relay
}

// NewRelayBank requests every relay line as an output, initially inactive.
func NewRelayBank(chipName string, relays []Relay) (*RelayBank, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	b := &RelayBank{
		chip:   chip,
		lines:  make(map[int]*gpiocdev.Line, len(relays)),
		relays: make(map[int]Relay, len(relays)),
	}
	for _, r := range relays {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
		if r.ActiveLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		line, err := chip.RequestLine(r.Pin, opts...)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("request relay pin %d: %w", r.Pin, err)
		}
		b.lines[r.Pin] = line
		b.relays[r.Pin] = r
	}
	return b, nil
}

// Write sets the logical level of pin. Active-low inversion is handled by the
// kernel.
func (b *RelayBank) Write(pin int, on bool) error {
	line, ok := b.lines[pin]
	if !ok {
		return fmt.Errorf("pin %d not configured", pin)
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set pin %d: %w", pin, err)
	}
	return nil
}

// Close drives every relay inactive, then returns the lines to input biased
// toward the inactive level before releasing them. Active-low relays get a
// pull-up; the rest get the Pi's default pull-down.
func (b *RelayBank) Close() error {
	var errs []error
	for pin, line := range b.lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("clear pin %d: %w", pin, err))
		}
		bias := gpiocdev.WithPullDown
		if b.relays[pin].ReleasePull() == PullUp {
			bias = gpiocdev.WithPullUp
		}
		if err := line.Reconfigure(gpiocdev.AsInput, bias); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	b.lines = nil
	b.relays = nil
	if b.chip != nil {
		if err := b.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		b.chip = nil
	}
	return errors.Join(errs...)
}

// HCSR04 measures water-level distance with an HC-SR04 ultrasonic ranger.
// Echo edges are timestamped by the kernel, so pulse widths are not affected
// by goroutine scheduling.
type HCSR04 struct {
	trig   *gpiocdev.Line
	echo   *gpiocdev.Line
	events chan gpiocdev.LineEvent
}

// NewHCSR04 requests the trigger line as output and the echo line as an
// edge-watched input.
func NewHCSR04(chipName string, trigPin, echoPin int) (*HCSR04, error) {
	h := &HCSR04{events: make(chan gpiocdev.LineEvent, 8)}

	trig, err := gpiocdev.RequestLine(chipName, trigPin, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request trig pin %d: %w", trigPin, err)
	}
	h.trig = trig

	echo, err := gpiocdev.RequestLine(chipName, echoPin,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(h.handle))
	if err != nil {
		trig.Close()
		return nil, fmt.Errorf("request echo pin %d: %w", echoPin, err)
	}
	h.echo = echo
	return h, nil
}

func (h *HCSR04) handle(evt gpiocdev.LineEvent) {
	select {
	case h.events <- evt:
	default:
	}
}

// Measure triggers one ping and times the echo pulse.
func (h *HCSR04) Measure(ctx context.Context) ([]sensor.Measurement, error) {
	h.drain()

	if err := h.trig.SetValue(1); err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}
	time.Sleep(TriggerPulse)
	if err := h.trig.SetValue(0); err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}

	timeout := time.NewTimer(EchoTimeout)
	defer timeout.Stop()

	var rise time.Duration
	risen := false
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, errors.New("echo timeout")
		case evt := <-h.events:
			switch {
			case evt.Type == gpiocdev.LineEventRisingEdge:
				rise = evt.Timestamp
				risen = true
			case evt.Type == gpiocdev.LineEventFallingEdge && risen:
				cm, err := EchoDistance(evt.Timestamp - rise)
				if err != nil {
					return nil, err
				}
				return []sensor.Measurement{{Kind: sensor.KindWaterLevelDistance, Value: cm}}, nil
			}
		}
	}
}

func (h *HCSR04) drain() {
	for {
		select {
		case <-h.events:
		default:
			return
		}
	}
}

// Close releases both lines.
func (h *HCSR04) Close() error {
	var errs []error
	if h.echo != nil {
		if err := h.echo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close echo pin: %w", err))
		}
	}
	if h.trig != nil {
		if err := h.trig.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trig pin: %w", err))
		}
	}
	return errors.Join(errs...)
}
