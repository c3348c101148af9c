// Command terrarium drives relay outputs from schedules and sensor interlocks,
// and reports what it does over HTTP, Prometheus and MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sweeney/terrarium-controller/internal/actuator"
	"github.com/sweeney/terrarium-controller/internal/config"
	"github.com/sweeney/terrarium-controller/internal/control"
	"github.com/sweeney/terrarium-controller/internal/gpio"
	"github.com/sweeney/terrarium-controller/internal/metrics"
	"github.com/sweeney/terrarium-controller/internal/mqtt"
	"github.com/sweeney/terrarium-controller/internal/schedule"
	"github.com/sweeney/terrarium-controller/internal/sensor"
	"github.com/sweeney/terrarium-controller/internal/status"
	"github.com/sweeney/terrarium-controller/internal/web"
)

type options struct {
	configPath string
	broker     string
	clientID   string
	httpAddr   string
	envFile    string
	gpioChip   string
	printState bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "/etc/terrarium/terrarium.toml", "Path to the TOML configuration file")
	flag.StringVar(&o.broker, "broker", "tcp://192.168.1.200:1883", "MQTT broker address (empty to disable)")
	flag.StringVar(&o.clientID, "client-id", "terrarium-controller", "MQTT client ID")
	flag.StringVar(&o.httpAddr, "http", ":80", "HTTP status address (empty to disable)")
	flag.StringVar(&o.envFile, "env-file", "/run/pi-helper.env", "pi-helper network env file (empty to use the process environment)")
	flag.StringVar(&o.gpioChip, "gpio-chip", gpio.DefaultChip, "GPIO character device")
	flag.BoolVar(&o.printState, "print-state", false, "Print the desired state of every output and exit")

	flag.Parse()

	if err := run(o); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(o options) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	fill, _ := cfg.FillRange()
	store := sensor.NewStore()
	collector := metrics.New(time.Now(), metrics.WithFillRange(fill))

	pollers, closeSensors := openSensors(cfg, o.gpioChip, store, collector)
	defer closeSensors()

	if o.printState {
		return printState(os.Stdout, cfg, pollers, store, time.Now())
	}

	relays, err := gpio.NewRelayBank(o.gpioChip, cfg.Relays())
	if err != nil {
		return fmt.Errorf("init relays: %w", err)
	}
	defer relays.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		TickMs:      time.Duration(cfg.Tick).Milliseconds(),
		HeartbeatMs: time.Duration(cfg.Heartbeat).Milliseconds(),
		Broker:      o.broker,
		HTTPAddr:    o.httpAddr,
		Latitude:    cfg.Latitude,
		Longitude:   cfg.Longitude,
		Timezone:    cfg.Location().String(),
		FillRange:   fill,
	})
	if net := readNetworkInfo(o.envFile); net != nil {
		tracker.SetNetwork(net)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		publisher  mqtt.Publisher = noopPublisher{}
		mqttStatus mqtt.ConnectionStatus
	)
	if o.broker != "" {
		rp := mqtt.NewRealPublisher(o.broker, o.clientID, mqtt.DefaultBufferSize)
		defer rp.Close()
		// Events published before the first connection are buffered.
		go func() {
			if err := rp.Connect(ctx, 0); err != nil && ctx.Err() == nil {
				log.Printf("mqtt: %v", err)
			}
		}()
		publisher, mqttStatus = rp, rp
	}

	if o.httpAddr != "" {
		srv := web.New(o.httpAddr, tracker, collector.Handler())
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", o.httpAddr)
	}

	log.Printf("started: config=%s outputs=%d tick=%v broker=%s heartbeat=%v",
		o.configPath, len(cfg.Outputs), time.Duration(cfg.Tick), o.broker, time.Duration(cfg.Heartbeat))

	ticker := time.NewTicker(time.Duration(cfg.Tick))
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	c := &controller{
		cfg:        cfg,
		relays:     relays,
		pollers:    pollers,
		store:      store,
		publisher:  publisher,
		mqttStatus: mqttStatus,
		tracker:    tracker,
		metrics:    collector,
		envFile:    o.envFile,
		now:        time.Now,
	}
	return c.run(ctx, ticker.C, sigCh)
}

// controller owns one run of the control loop and everything reporting on it.
type controller struct {
	cfg        *config.Config
	relays     actuator.Driver
	pollers    []*sensor.Poller
	store      *sensor.Store
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	metrics    *metrics.Collector
	envFile    string
	now        func() time.Time
}

// run publishes STARTUP, drives the loop from tick until a signal arrives or
// ctx is cancelled, then publishes SHUTDOWN once every output is off.
func (c *controller) run(ctx context.Context, tick <-chan time.Time, sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reasonCh := make(chan string, 1)
	go func() {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			reasonCh <- signalName(s)
			cancel()
		case <-ctx.Done():
		}
	}()

	reporter := mqtt.NewReporter(c.publisher, time.Duration(c.cfg.Heartbeat), c.statusPayload)

	loop := control.New(c.cfg.BuildOutputs(), c.store, actuator.NewMachine(c.relays),
		control.WithClock(c.cfg.Clock()),
		control.WithStaleness(c.cfg.Thresholds()),
		control.WithLocation(c.cfg.Location()),
		control.WithNow(c.now),
		// The tracker must see a report before the reporter renders a
		// heartbeat from it.
		control.WithObservers(control.ObserverFunc(c.refreshConnection), c.tracker, c.metrics, reporter),
	)

	c.refreshConnection(control.Report{})
	if err := reporter.System("STARTUP", "", c.now(), true); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	var wg sync.WaitGroup
	for _, p := range c.pollers {
		wg.Add(1)
		go func(p *sensor.Poller) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}

	err := loop.Run(ctx, tick)
	cancel()
	wg.Wait()

	reason := "CONTEXT_CANCELLED"
	select {
	case reason = <-reasonCh:
	default:
	}
	c.refreshConnection(control.Report{})
	if perr := reporter.System("SHUTDOWN", reason, c.now(), true); perr != nil {
		log.Printf("failed to publish shutdown event: %v", perr)
	} else {
		log.Printf("published shutdown event")
	}
	return err
}

// refreshConnection copies the broker connection state into the tracker and
// metrics. It runs as the first observer of every report.
func (c *controller) refreshConnection(control.Report) {
	if c.mqttStatus == nil {
		return
	}
	connected := c.mqttStatus.IsConnected()
	c.tracker.SetMQTTConnected(connected)
	c.metrics.SetMQTTConnected(connected)
}

// statusPayload renders a system event carrying the full status snapshot.
// Network info is re-read so heartbeats follow pi-helper updates.
func (c *controller) statusPayload(event, reason string) []byte {
	if net := readNetworkInfo(c.envFile); net != nil {
		c.tracker.SetNetwork(net)
	}
	return status.FormatStatusEvent(c.tracker.Snapshot(), event, reason)
}

// openSensors opens every configured sensor. A sensor that cannot be opened
// is logged and left out: interlocks that depend on it see no reading and
// fail safe.
func openSensors(cfg *config.Config, chip string, store *sensor.Store, m *metrics.Collector) ([]*sensor.Poller, func()) {
	var (
		pollers []*sensor.Poller
		closers []io.Closer
	)

	if w := cfg.WaterLevel; w != nil {
		hc, err := gpio.NewHCSR04(chip, w.TrigPin, w.EchoPin)
		if err != nil {
			log.Printf("sensor %s: %v", w.Name, err)
		} else {
			closers = append(closers, hc)
			pollers = append(pollers, sensor.NewPoller(w.Name, hc, store, time.Duration(w.Poll),
				sensor.WithErrorHook(m.SensorError),
				sensor.WithStateHook(m.BreakerState),
				sensor.WithSmoothing(sensor.KindWaterLevelDistance, time.Duration(w.Smoothing)),
			))
		}
	}

	if a := cfg.AHT20; a != nil {
		dev, bus, err := sensor.OpenAHT20(a.Bus)
		if err != nil {
			log.Printf("sensor %s: %v", a.Name, err)
		} else {
			closers = append(closers, bus)
			pollers = append(pollers, sensor.NewPoller(a.Name, dev, store, time.Duration(a.Poll),
				sensor.WithErrorHook(m.SensorError),
				sensor.WithStateHook(m.BreakerState),
			))
		}
	}

	return pollers, func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Printf("close sensor: %v", err)
			}
		}
	}
}

// printState polls every sensor once and prints what each output would be
// set to right now. Relays are not touched.
func printState(w io.Writer, cfg *config.Config, pollers []*sensor.Poller, store *sensor.Store, now time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, p := range pollers {
		if err := p.Poll(ctx); err != nil {
			fmt.Fprintf(w, "%s: %v\n", p.Name(), err)
		}
	}

	now = now.In(cfg.Location())
	fill, _ := cfg.FillRange()
	snap := store.Snapshot(cfg.Thresholds())
	for _, r := range snap.All(now) {
		extra := ""
		if r.Kind == sensor.KindWaterLevelDistance {
			if ratio, ok := fill.Ratio(r.Value); ok {
				extra = fmt.Sprintf(" (%.0f%% full)", ratio*100)
			}
		}
		if r.Stale {
			extra += " (stale)"
		}
		fmt.Fprintf(w, "%s: %.1f %s%s\n", r.Kind, r.Value, r.Kind.Unit(), extra)
	}

	var errs []error
	for _, out := range cfg.BuildOutputs() {
		d := schedule.Resolve(out.ID, out.Rules, now, snap, cfg.Clock())
		if _, err := fmt.Fprintf(w, "%s: %s (%s)\n", d.OutputID, d.Desired, d.Reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

// readNetworkInfo reads pi-helper's env file, falling back to the process
// environment for variables the file does not set. It returns nil when no
// network status is known.
func readNetworkInfo(path string) *status.NetworkInfo {
	env := map[string]string{}
	if path != "" {
		m, err := godotenv.Read(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("read %s: %v", path, err)
		}
		if m != nil {
			env = m
		}
	}
	get := func(key string) string {
		if v, ok := env[key]; ok {
			return v
		}
		return os.Getenv(key)
	}

	s := get(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       get(envNetworkType),
		IP:         get(envNetworkIP),
		Status:     s,
		Gateway:    get(envNetworkGateway),
		WifiStatus: get(envNetworkWifiStatus),
		SSID:       get(envNetworkWifiSSID),
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// noopPublisher is used when no broker is configured.
type noopPublisher struct{}

func (noopPublisher) Publish(mqtt.Event) error { return nil }

func (noopPublisher) PublishSystem(mqtt.SystemEvent) error { return nil }

func (noopPublisher) Close() error { return nil }
