package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/terrarium-controller/internal/config"
	"github.com/sweeney/terrarium-controller/internal/control"
	"github.com/sweeney/terrarium-controller/internal/gpio"
	"github.com/sweeney/terrarium-controller/internal/metrics"
	"github.com/sweeney/terrarium-controller/internal/mqtt"
	"github.com/sweeney/terrarium-controller/internal/sensor"
	"github.com/sweeney/terrarium-controller/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoFromEnvironment(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo("")
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}

	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(filepath.Join(t.TempDir(), "missing.env")); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoFromFile(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	t.Setenv(envNetworkGateway, "10.0.0.1")

	path := writeEnvFile(t, "NETWORK_STATUS=connected\nNETWORK_TYPE=ethernet\nNETWORK_IP=10.0.0.7\n")

	info := readNetworkInfo(path)
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	if info.Status != "connected" || info.Type != "ethernet" || info.IP != "10.0.0.7" {
		t.Errorf("file values not used: %+v", info)
	}
	if info.Gateway != "10.0.0.1" {
		t.Errorf("Gateway should fall back to the environment, got %q", info.Gateway)
	}
	if info.SSID != "" {
		t.Errorf("SSID: got %q, want empty", info.SSID)
	}
}

func TestReadNetworkInfoFileOverridesEnvironment(t *testing.T) {
	t.Setenv(envNetworkStatus, "disconnected")
	path := writeEnvFile(t, "NETWORK_STATUS=connected\n")

	info := readNetworkInfo(path)
	if info == nil || info.Status != "connected" {
		t.Errorf("expected file value to win, got %+v", info)
	}
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := signalName(tt.sig); got != tt.want {
			t.Errorf("signalName(%v): got %q, want %q", tt.sig, got, tt.want)
		}
	}
}

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pi-helper.env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// --- controller tests ---

const pumpConfig = `
tick = "2s"
latitude = 52.23
longitude = 21.01
timezone = "UTC"

[water_level_sensor]
name = "reservoir"
trig_pin = 17
echo_pin = 18

[[outputs]]
name = "pump"
pin = 27
  [[outputs.rules]]
  type = "fixed"
  start = "08:00"
  end = "08:05"
  [[outputs.rules]]
  type = "interlock"
  sensor = "water_level_distance"
  comparator = ">"
  threshold = 15.0
  action = "force_off"
`

var morning = time.Date(2026, 3, 1, 8, 2, 0, 0, time.UTC)

// stepClock returns start, start+step, ... on successive calls.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type harness struct {
	c      *controller
	relays *gpio.FakeRelays
	pub    *mqtt.FakePublisher
	tick   chan time.Time
	sig    chan os.Signal
	done   chan error
}

func newHarness(t *testing.T, doc string, now func() time.Time) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	h := &harness{
		relays: gpio.NewFakeRelays(),
		pub:    pub,
		tick:   make(chan time.Time),
		sig:    make(chan os.Signal, 1),
		done:   make(chan error, 1),
	}
	h.c = &controller{
		cfg:        cfg,
		relays:     h.relays,
		store:      sensor.NewStore(),
		publisher:  pub,
		mqttStatus: pub,
		tracker:    status.NewTracker(now(), status.Config{Latitude: cfg.Latitude, Longitude: cfg.Longitude}),
		metrics:    metrics.New(now()),
		now:        now,
	}
	return h
}

func (h *harness) start(ctx context.Context) {
	go func() { h.done <- h.c.run(ctx, h.tick, h.sig) }()
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestControllerRunsPumpAndShutsDownOnSignal(t *testing.T) {
	now := func() time.Time { return morning }
	h := newHarness(t, pumpConfig, now)
	h.c.store.Publish(sensor.Reading{Kind: sensor.KindWaterLevelDistance, Value: 10, ObservedAt: morning})

	driver := sensor.NewFakeDriver([]sensor.Measurement{{Kind: sensor.KindWaterLevelDistance, Value: 10}})
	h.c.pollers = []*sensor.Poller{
		sensor.NewPoller("reservoir", driver, h.c.store, time.Hour, sensor.WithNow(now)),
	}

	h.start(context.Background())
	h.tick <- morning
	h.tick <- morning
	h.sig <- syscall.SIGTERM
	h.wait(t)

	// Off at startup, on during the window, off at shutdown.
	want := []gpio.Write{{Pin: 27, On: false}, {Pin: 27, On: true}, {Pin: 27, On: false}}
	if len(h.relays.Writes) != len(want) {
		t.Fatalf("writes: got %+v, want %+v", h.relays.Writes, want)
	}
	for i := range want {
		if h.relays.Writes[i] != want[i] {
			t.Errorf("write %d: got %+v, want %+v", i, h.relays.Writes[i], want[i])
		}
	}

	if driver.Calls == 0 {
		t.Error("expected the sensor poller to run")
	}

	sys := h.pub.SystemEvents
	if len(sys) != 2 {
		t.Fatalf("expected STARTUP and SHUTDOWN, got %d system events", len(sys))
	}
	if sys[0].Event != "STARTUP" || !sys[0].Retained {
		t.Errorf("first system event: %+v", sys[0])
	}
	if sys[1].Event != "SHUTDOWN" || sys[1].Reason != "SIGTERM" || !sys[1].Retained {
		t.Errorf("last system event: %+v", sys[1])
	}
	shutdown := string(h.pub.SystemPayloads[1])
	for _, want := range []string{`"event":"SHUTDOWN"`, `"reason":"SIGTERM"`, `"connected":true`, `"id":"pump"`} {
		if !strings.Contains(shutdown, want) {
			t.Errorf("shutdown payload missing %s: %s", want, shutdown)
		}
	}

	if got := len(h.pub.EventsOfType(mqtt.EventTransition)); got != 3 {
		t.Errorf("transition events: got %d, want 3", got)
	}

	snap := h.c.tracker.Snapshot()
	if snap.Tick != 2 {
		t.Errorf("tracker tick: got %d, want 2", snap.Tick)
	}
	if snap.Phase != control.ShuttingDown {
		t.Errorf("tracker phase: got %v", snap.Phase)
	}
	if !snap.MQTTConnected {
		t.Error("tracker should report the broker connection")
	}
}

func TestControllerStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, pumpConfig, func() time.Time { return morning })

	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)
	h.tick <- morning
	cancel()
	h.wait(t)

	if on, written := h.relays.Level(27); on || !written {
		t.Errorf("pump should be written off, on=%v written=%v", on, written)
	}
	last := h.pub.SystemEvents[len(h.pub.SystemEvents)-1]
	if last.Event != "SHUTDOWN" || last.Reason != "CONTEXT_CANCELLED" {
		t.Errorf("unexpected shutdown event: %+v", last)
	}
}

func TestControllerStaleSensorKeepsPumpOff(t *testing.T) {
	h := newHarness(t, pumpConfig, func() time.Time { return morning })
	// No reading at all: the interlock fails safe.

	h.start(context.Background())
	h.tick <- morning
	h.sig <- syscall.SIGINT
	h.wait(t)

	for _, w := range h.relays.Writes {
		if w.On {
			t.Fatalf("pump must never be switched on without a fresh reading: %+v", h.relays.Writes)
		}
	}
	decisions := h.pub.EventsOfType(mqtt.EventDecision)
	var found bool
	for _, d := range decisions {
		if d.Overridden && strings.Contains(d.Reason, "stale") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an overridden stale decision, got %+v", decisions)
	}
}

func TestControllerHeartbeatCarriesNetworkInfo(t *testing.T) {
	const doc = `
heartbeat = "1m"
timezone = "UTC"

[[outputs]]
name = "fan"
pin = 5
`
	h := newHarness(t, doc, stepClock(morning, 30*time.Second))
	h.c.envFile = writeEnvFile(t, "NETWORK_STATUS=connected\nNETWORK_IP=10.0.0.7\n")

	h.start(context.Background())
	for i := 0; i < 4; i++ {
		h.tick <- morning
	}
	h.sig <- syscall.SIGTERM
	h.wait(t)

	var heartbeats [][]byte
	for i, e := range h.pub.SystemEvents {
		if e.Event == "HEARTBEAT" {
			heartbeats = append(heartbeats, h.pub.SystemPayloads[i])
		}
	}
	if len(heartbeats) == 0 {
		t.Fatal("expected at least one heartbeat")
	}
	if !strings.Contains(string(heartbeats[0]), `"ip":"10.0.0.7"`) {
		t.Errorf("heartbeat should carry network info: %s", heartbeats[0])
	}
}

func TestPrintState(t *testing.T) {
	const doc = pumpConfig + `
[[outputs]]
name = "light"
pin = 22
`
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	store := sensor.NewStore()
	store.Publish(sensor.Reading{Kind: sensor.KindWaterLevelDistance, Value: 10, ObservedAt: morning})

	var buf bytes.Buffer
	if err := printState(&buf, cfg, nil, store, morning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"water_level_distance: 10.0 cm\n",
		"pump: ON (rule 0 (fixed 08:00-08:05))\n",
		"light: OFF (no rules)\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintStatePollsSensors(t *testing.T) {
	cfg, err := config.Parse([]byte(pumpConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	store := sensor.NewStore()
	driver := sensor.NewFakeDriver([]sensor.Measurement{{Kind: sensor.KindWaterLevelDistance, Value: 30}})
	p := sensor.NewPoller("reservoir", driver, store, time.Minute, sensor.WithNow(func() time.Time { return morning }))

	var buf bytes.Buffer
	if err := printState(&buf, cfg, []*sensor.Poller{p}, store, morning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "pump: OFF (interlock 1 (water_level_distance > 15 -> force_off))") {
		t.Errorf("expected interlock to hold the pump off:\n%s", buf.String())
	}
}

func TestPrintStateFillRatio(t *testing.T) {
	doc := strings.Replace(pumpConfig, "echo_pin = 18\n", "echo_pin = 18\nmin_distance = 5.0\nmax_distance = 45.0\n", 1)
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	store := sensor.NewStore()
	store.Publish(sensor.Reading{Kind: sensor.KindWaterLevelDistance, Value: 25, ObservedAt: morning})

	var buf bytes.Buffer
	if err := printState(&buf, cfg, nil, store, morning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "water_level_distance: 25.0 cm (50% full)\n") {
		t.Errorf("expected the fill ratio next to the distance:\n%s", buf.String())
	}
}
