// Command iono-daq drives the Iono Pi I/O channels, dispatches digital input
// events and records wall-clock aligned samples and means.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sweeney/iono-daq/internal/adc"
	"github.com/sweeney/iono-daq/internal/alarm"
	"github.com/sweeney/iono-daq/internal/channel"
	"github.com/sweeney/iono-daq/internal/config"
	"github.com/sweeney/iono-daq/internal/gpio"
	"github.com/sweeney/iono-daq/internal/logging"
	"github.com/sweeney/iono-daq/internal/metrics"
	"github.com/sweeney/iono-daq/internal/mqtt"
	"github.com/sweeney/iono-daq/internal/onewire"
	"github.com/sweeney/iono-daq/internal/scheduler"
	"github.com/sweeney/iono-daq/internal/station"
	"github.com/sweeney/iono-daq/internal/status"
	"github.com/sweeney/iono-daq/internal/store"
	"github.com/sweeney/iono-daq/internal/web"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (empty uses the board defaults)")
	broker := flag.String("broker", "", `MQTT broker address, overrides the config ("off" disables)`)
	httpAddr := flag.String("http", "", `HTTP status address, overrides the config ("off" disables)`)
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	printState := flag.Bool("print-state", false, "Print every enabled channel once and exit")

	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *broker, *httpAddr, *logLevel)
	logging.Init(os.Stdout, cfg.Log.Format, cfg.Log.Level)

	if *printState {
		err = printStateOnce(os.Stdout, cfg)
	} else {
		err = run(cfg)
	}
	if err != nil {
		logging.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// applyFlags overlays non-empty command-line values on cfg.
func applyFlags(cfg *config.Config, broker, httpAddr, level string) {
	switch broker {
	case "":
	case "off":
		cfg.MQTT.Broker = ""
	default:
		cfg.MQTT.Broker = broker
	}
	switch httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = httpAddr
	}
	if level != "" {
		cfg.Log.Level = level
	}
}

// openHardware opens the buses the enabled classes need. A bus that cannot be
// opened is left nil; Registry.Setup then disables the classes using it.
func openHardware(cfg *config.Config) channel.Hardware {
	var hw channel.Hardware
	f := cfg.Features
	if f.Digital || f.Relays || f.OpenCollectors || f.LED {
		bus, err := gpio.NewRealBus(cfg.GPIO.Chip)
		if err != nil {
			logging.Error("Hardware init failure", "bus", "gpio", "chip", cfg.GPIO.Chip, "error", err)
		} else {
			hw.Bus = bus
		}
	}
	if f.Analog {
		conv, err := adc.OpenSPI(cfg.ADC.Device, cfg.ADC.SpeedHz)
		if err != nil {
			logging.Error("Hardware init failure", "bus", "spi", "device", cfg.ADC.Device, "error", err)
		} else {
			hw.ADC = conv
		}
	}
	if f.OneWire {
		hw.OneWire = onewire.NewBus(cfg.OneWire.Root, cfg.OneWire.Family)
	}
	return hw
}

func closeHardware(hw channel.Hardware) {
	if hw.Bus != nil {
		hw.Bus.Close()
	}
	if hw.ADC != nil {
		hw.ADC.Close()
	}
}

func newRegistry(cfg *config.Config, hw channel.Hardware, opts ...channel.Option) (*channel.Registry, error) {
	edge, err := gpio.ParseEdge(cfg.GPIO.Edge)
	if err != nil {
		return nil, err
	}
	opts = append(opts, channel.WithEdge(edge, cfg.GPIO.Debounce()))
	reg, err := channel.New(channel.FromConfig(cfg), hw, opts...)
	if err != nil {
		closeHardware(hw)
		return nil, fmt.Errorf("build channels: %w", err)
	}
	return reg, nil
}

func run(cfg *config.Config) error {
	tracker := status.NewTracker(time.Now(), status.Config{
		Station:     cfg.Station,
		PollSeconds: cfg.Schedule.PollSeconds,
		MeanSeconds: cfg.Schedule.MeanSeconds,
		DebounceMs:  cfg.GPIO.DebounceMs,
		Edge:        cfg.GPIO.Edge,
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
		DataDir:     cfg.DataDir,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	csv, err := store.NewCSV(cfg.DataDir, cfg.Station)
	if err != nil {
		return err
	}

	// Initialize MQTT
	var publisher mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		publisher = mqtt.NewRealPublisher(mqtt.Config{
			Broker:     cfg.MQTT.Broker,
			ClientID:   cfg.MQTT.ClientID,
			Prefix:     cfg.MQTT.TopicPrefix,
			Station:    cfg.Station,
			BufferSize: cfg.MQTT.BufferSize,
			OnBacklog:  m.ObserveBacklog,
			OnStatus: func(connected bool) {
				tracker.SetMQTTConnected(connected)
				m.MQTTConnected.Set(metrics.BoolValue(connected))
			},
		})
	} else {
		logging.Warn("MQTT disabled, no broker configured")
	}

	var fwd *eventForwarder
	if publisher != nil {
		fwd = newEventForwarder(publisher, m, eventQueueSize)
	}
	closePublisher := func() {
		if fwd != nil {
			fwd.Close()
		}
		if publisher != nil {
			publisher.Close()
		}
	}

	reg, err := newRegistry(cfg, openHardware(cfg), channel.WithHandler(newEventHandler(fwd, tracker, m)))
	if err != nil {
		closePublisher()
		return err
	}

	teardown := sync.OnceFunc(func() {
		if err := reg.Close(); err != nil {
			logging.Error("Hardware teardown failed", "error", err)
		}
		closePublisher()
	})
	defer teardown()

	if err := reg.Setup(cfg.Features); err != nil {
		logging.Warn("Running with a reduced channel set", "error", err)
	}
	tracker.SetEnabled(reg.Enabled())
	tracker.UpdateChannels(reg.Snapshot())
	outputs := &meteredOutputs{Registry: reg, metrics: m}
	outputs.record()

	st, err := station.New(station.Deps{
		Channels:  reg,
		Store:     csv,
		Alarms:    alarm.New(cfg.Alarms),
		Publisher: publisher,
		Tracker:   tracker,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Config{
		PollPeriod:  cfg.Schedule.PollPeriod(),
		StorePeriod: cfg.Schedule.MeanPeriod(),
	}, st)
	if err != nil {
		return err
	}

	publishSystem(publisher, tracker, "STARTUP", "")

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, web.WithMetrics(promReg), web.WithOutputs(outputs))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("HTTP server error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		logging.Info("HTTP status server listening", "addr", cfg.HTTP.Addr)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case s := <-sigCh:
			cancel(shutdownSignal{s})
		case <-ctx.Done():
		}
	}()

	logging.Info("Started",
		"station", cfg.Station,
		"poll_seconds", cfg.Schedule.PollSeconds,
		"mean_seconds", cfg.Schedule.MeanSeconds,
		"broker", cfg.MQTT.Broker)

	err = sched.Run(ctx)
	reason := shutdownReason(context.Cause(ctx))
	logging.Info("Shutting down", "reason", reason)
	publishSystem(publisher, tracker, "SHUTDOWN", reason)
	teardown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdownSignal is the cancellation cause when a signal stops the daemon.
type shutdownSignal struct{ sig os.Signal }

func (s shutdownSignal) Error() string { return "received " + s.sig.String() }

func shutdownReason(cause error) string {
	var s shutdownSignal
	if errors.As(cause, &s) {
		return signalName(s.sig)
	}
	return "UNKNOWN"
}

func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// newEventHandler logs and counts every digital input event, then hands it
// to fwd for publishing. fwd may be nil.
func newEventHandler(fwd *eventForwarder, tracker *status.Tracker, m *metrics.Metrics) channel.HandlerFunc {
	return func(ev channel.Event) {
		logging.Info("Input event", "input", ev.Name, "id", ev.ID, "pin", ev.Pin, "level", ev.Level.String())
		tracker.RecordEvent()
		m.EventsTotal.WithLabelValues(ev.Name, ev.Level.String()).Inc()
		if fwd != nil {
			fwd.enqueue(ev)
		}
	}
}

// eventQueueSize bounds the events waiting for the broker.
const eventQueueSize = 256

// eventForwarder publishes input events from its own goroutine so the GPIO
// watcher never waits on the broker. Events arriving while the queue is full
// are dropped and counted as publish errors.
type eventForwarder struct {
	publisher mqtt.Publisher
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	events chan channel.Event
	done   chan struct{}
}

func newEventForwarder(publisher mqtt.Publisher, m *metrics.Metrics, size int) *eventForwarder {
	f := &eventForwarder{
		publisher: publisher,
		metrics:   m,
		events:    make(chan channel.Event, size),
		done:      make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *eventForwarder) enqueue(ev channel.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	default:
		logging.Warn("Event queue full, dropping event", "input", ev.Name, "level", ev.Level.String())
		f.metrics.PublishErrors.Inc()
	}
}

func (f *eventForwarder) run() {
	defer close(f.done)
	for ev := range f.events {
		if err := f.publisher.PublishEvent(ev); err != nil {
			// Don't crash on publish failure
			logging.Warn("Publish failed", "message", "event", "error", err)
			f.metrics.PublishErrors.Inc()
		}
	}
}

// Close stops accepting events and waits until the queued ones are published.
func (f *eventForwarder) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	f.mu.Unlock()
	<-f.done
}

// publishSystem sends a retained lifecycle message carrying the full status.
func publishSystem(publisher mqtt.Publisher, tracker *status.Tracker, event, reason string) {
	if publisher == nil {
		return
	}
	if cs, ok := publisher.(mqtt.ConnectionStatus); ok {
		tracker.SetMQTTConnected(cs.IsConnected())
	}
	snap := tracker.Snapshot()
	err := publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		logging.Warn("Failed to publish system event", "event", event, "error", err)
		return
	}
	logging.Info("Published system event", "event", event)
}

// meteredOutputs keeps the output gauges in step with every switch.
type meteredOutputs struct {
	*channel.Registry
	metrics *metrics.Metrics
}

func (o *meteredOutputs) SetRelay(id int, on bool) error {
	defer o.record()
	return o.Registry.SetRelay(id, on)
}

func (o *meteredOutputs) SetOpenCollector(id int, on bool) error {
	defer o.record()
	return o.Registry.SetOpenCollector(id, on)
}

func (o *meteredOutputs) SetLED(on bool) error {
	defer o.record()
	return o.Registry.SetLED(on)
}

func (o *meteredOutputs) record() {
	snap := o.Registry.Snapshot()
	for _, r := range snap.Relays {
		o.metrics.Output.WithLabelValues("relay", r.Name).Set(metrics.BoolValue(r.Status))
	}
	for _, oc := range snap.OpenCollectors {
		o.metrics.Output.WithLabelValues("open_collector", oc.Name).Set(metrics.BoolValue(oc.Status))
	}
	if snap.LED != nil {
		o.metrics.Output.WithLabelValues("led", snap.LED.Name).Set(metrics.BoolValue(snap.LED.Status))
	}
}

// printStateOnce reads every enabled channel once and prints it.
func printStateOnce(w io.Writer, cfg *config.Config) error {
	reg, err := newRegistry(cfg, openHardware(cfg))
	if err != nil {
		return err
	}
	defer reg.Close()

	f := cfg.Features
	f.Events = false
	if err := reg.Setup(f); err != nil {
		logging.Warn("Running with a reduced channel set", "error", err)
	}
	return printChannels(w, reg)
}

func printChannels(w io.Writer, reg *channel.Registry) error {
	en := reg.Enabled()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if en.Analog {
		for _, a := range reg.ReadAnalogInputs() {
			fmt.Fprintf(tw, "%s\tanalog\t%s V\n", a.Name, formatValue(a.Value, 3))
		}
	}
	if en.Digital {
		for _, in := range reg.ReadDigitalInputs() {
			fmt.Fprintf(tw, "%s\tdigital\t%s\n", in.Name, in.Status)
		}
	}
	if en.OneWire {
		for _, s := range reg.ReadOneWireInputs() {
			code := s.Code
			if code == "" {
				code = "unbound"
			}
			fmt.Fprintf(tw, "%s\tonewire\t%s C\t%s\n", s.Name, formatValue(s.Value, 2), code)
		}
	}
	if en.Relays {
		for _, o := range reg.RelayOutputs() {
			fmt.Fprintf(tw, "%s\trelay\t%s\n", o.Name, stateString(o.Status))
		}
	}
	if en.OpenCollectors {
		for _, o := range reg.OpenCollectorOutputs() {
			fmt.Fprintf(tw, "%s\topen collector\t%s\n", o.Name, stateString(o.Status))
		}
	}
	if led, ok := reg.LED(); ok && en.LED {
		fmt.Fprintf(tw, "%s\tled\t%s\n", led.Name, stateString(led.Status))
	}
	return tw.Flush()
}

func formatValue(v float64, prec int) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func stateString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
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

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
