package gpio

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestFakeRelaysWrite(t *testing.T) {
	f := NewFakeRelays()

	if err := f.Write(17, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Write(27, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Write(17, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if on, ok := f.Level(17); !ok || on {
		t.Errorf("pin 17: expected (false, true), got (%v, %v)", on, ok)
	}
	if _, ok := f.Level(22); ok {
		t.Error("pin 22 was never written")
	}
	if got := f.WriteCount(17); got != 2 {
		t.Errorf("pin 17 writes: expected 2, got %d", got)
	}
	if len(f.Writes) != 3 {
		t.Errorf("expected 3 writes, got %d", len(f.Writes))
	}
}

func TestFakeRelaysFailPin(t *testing.T) {
	f := NewFakeRelays()
	f.FailPin(17, errors.New("simulated error"))

	err := f.Write(17, true)
	if err == nil || err.Error() != "simulated error" {
		t.Fatalf("expected simulated error, got %v", err)
	}
	if _, ok := f.Level(17); ok {
		t.Error("failed write must not change the level")
	}

	// Other pins are unaffected.
	if err := f.Write(27, true); err != nil {
		t.Errorf("unexpected error on pin 27: %v", err)
	}

	f.FailPin(17, nil)
	if err := f.Write(17, true); err != nil {
		t.Errorf("expected write to succeed after clearing failure: %v", err)
	}
}

func TestFakeRelaysClose(t *testing.T) {
	f := NewFakeRelays()
	f.Write(17, true)

	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
	if on, _ := f.Level(17); on {
		t.Error("Close should drive relays off")
	}
	if err := f.Write(17, true); err == nil {
		t.Error("expected error writing after Close()")
	}
}

func TestEchoDistance(t *testing.T) {
	tests := []struct {
		name    string
		pulse   time.Duration
		want    float64
		wantErr bool
	}{
		{"10cm", 583090 * time.Nanosecond, 10, false},
		{"1m", 5830904 * time.Nanosecond, 100, false},
		{"zero", 0, 0, true},
		{"too_close", 50 * time.Microsecond, 0, true},
		{"too_far", 30 * time.Millisecond, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EchoDistance(tt.pulse)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("expected %.2fcm, got %.2fcm", tt.want, got)
			}
		})
	}
}

func TestRelayReleasePull(t *testing.T) {
	tests := []struct {
		relay Relay
		want  Pull
	}{
		{Relay{Pin: 27}, PullDown},
		// Pulling an active-low line down would energise the relay.
		{Relay{Pin: 22, ActiveLow: true}, PullUp},
	}
	for _, tt := range tests {
		if got := tt.relay.ReleasePull(); got != tt.want {
			t.Errorf("%+v: got %v, want %v", tt.relay, got, tt.want)
		}
	}
}
