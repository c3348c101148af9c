package gpio

import (
	"errors"
	"sync"
)

// Write is one recorded relay write.
type Write struct {
	Pin int
	On  bool
}

// FakeRelays is a test double that records relay writes.
type FakeRelays struct {
	mu sync.Mutex

	// Writes holds every successful write in order.
	Writes []Write

	// levels tracks the last written level per pin
	levels map[int]bool

	// failures, if set for a pin, is returned by Write for that pin
	failures map[int]error

	// Closed tracks if Close was called
	Closed bool
}

// NewFakeRelays creates an empty FakeRelays.
func NewFakeRelays() *FakeRelays {
	return &FakeRelays{
		levels:   make(map[int]bool),
		failures: make(map[int]error),
	}
}

// Write records the level, or returns the configured failure for pin.
func (f *FakeRelays) Write(pin int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Closed {
		return errors.New("relays closed")
	}
	if err := f.failures[pin]; err != nil {
		return err
	}
	f.levels[pin] = on
	f.Writes = append(f.Writes, Write{Pin: pin, On: on})
	return nil
}

// FailPin makes every write to pin fail with err. A nil err clears it.
func (f *FakeRelays) FailPin(pin int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, pin)
		return
	}
	f.failures[pin] = err
}

// Level returns the last written level of pin.
func (f *FakeRelays) Level(pin int) (on, written bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	on, written = f.levels[pin]
	return on, written
}

// WriteCount returns the number of successful writes to pin.
func (f *FakeRelays) WriteCount(pin int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.Writes {
		if w.Pin == pin {
			n++
		}
	}
	return n
}

// Close drives every written pin off and marks the bank closed.
func (f *FakeRelays) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pin := range f.levels {
		f.levels[pin] = false
	}
	f.Closed = true
	return nil
}
