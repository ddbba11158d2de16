package channel

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/iono-daq/internal/adc"
	"github.com/sweeney/iono-daq/internal/config"
	"github.com/sweeney/iono-daq/internal/gpio"
	"github.com/sweeney/iono-daq/internal/onewire"
)

// fakeSensors is a TemperatureSource with scripted devices.
type fakeSensors struct {
	mu            sync.Mutex
	codes         []string
	temps         map[string]float64
	errs          map[string]error
	discoverCalls int
}

func newFakeSensors(codes ...string) *fakeSensors {
	return &fakeSensors{codes: codes, temps: map[string]float64{}, errs: map[string]error{}}
}

func (f *fakeSensors) Discover() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverCalls++
	if len(f.codes) == 0 {
		return nil, onewire.ErrNoDevice
	}
	return append([]string(nil), f.codes...), nil
}

func (f *fakeSensors) ReadTemperature(code string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[code]; err != nil {
		return 0, err
	}
	t, ok := f.temps[code]
	if !ok {
		return 0, onewire.ErrSensorUnavailable
	}
	return t, nil
}

type testRig struct {
	reg    *Registry
	bus    *gpio.FakeBus
	conn   *adc.FakeConn
	w1     *fakeSensors
	events []Event
	mu     sync.Mutex
}

func (r *testRig) HandleEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *testRig) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var testTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newRig(t *testing.T, cfg *config.Config, w1 *fakeSensors) *testRig {
	t.Helper()
	rig := &testRig{
		bus:    gpio.NewFakeBus(),
		conn:   adc.NewFakeConn(),
		w1:     w1,
	}
	reg, err := New(FromConfig(cfg), Hardware{
		Bus:     rig.bus,
		ADC:     adc.NewConverter(rig.conn, nil),
		OneWire: w1,
	}, WithHandler(rig), WithClock(func() time.Time { return testTime }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rig.reg = reg
	return rig
}

func setupRig(t *testing.T) *testRig {
	t.Helper()
	cfg := config.Default()
	rig := newRig(t, cfg, newFakeSensors("28-0000075e0152"))
	if err := rig.reg.Setup(cfg.Features); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return rig
}

func TestSetupAllClasses(t *testing.T) {
	rig := setupRig(t)

	for _, pin := range []int{16, 19, 20, 21, 26, 4} {
		if !rig.bus.Inputs[pin] {
			t.Errorf("pin %d not configured as input", pin)
		}
		w, ok := rig.bus.Watches[pin]
		if !ok {
			t.Errorf("pin %d has no edge watch", pin)
			continue
		}
		if w.Edge != gpio.EdgeRising || w.Debounce != 500*time.Millisecond {
			t.Errorf("pin %d: unexpected watch %+v", pin, w)
		}
	}
	for _, pin := range []int{17, 27, 22, 23, 18, 25, 24, 7} {
		if !rig.bus.Outputs[pin] {
			t.Errorf("pin %d not configured as output", pin)
		}
		if rig.bus.Levels[pin] != gpio.Low {
			t.Errorf("pin %d should start low", pin)
		}
	}
	if en := rig.reg.Enabled(); en != config.Default().Features {
		t.Errorf("Enabled: got %+v", en)
	}
	if s := rig.reg.Snapshot(); s.OneWire[0].Code != "28-0000075e0152" {
		t.Errorf("sensor not bound at setup: %+v", s.OneWire[0])
	}
}

func TestSetupDigitalFailureDisablesClass(t *testing.T) {
	cfg := config.Default()
	rig := newRig(t, cfg, newFakeSensors())
	rig.bus.SetupErrors[19] = errors.New("line busy")

	err := rig.reg.Setup(cfg.Features)
	if !errors.Is(err, ErrHardwareInit) {
		t.Fatalf("expected ErrHardwareInit, got %v", err)
	}

	en := rig.reg.Enabled()
	if en.Digital || en.Events {
		t.Errorf("digital classes should be disabled: %+v", en)
	}
	if !en.Relays || !en.Analog || !en.LED {
		t.Errorf("unrelated classes should stay enabled: %+v", en)
	}
	if err := rig.reg.SetRelay(1, true); err != nil {
		t.Errorf("relays should still work: %v", err)
	}
}

func TestSetupWithoutHardware(t *testing.T) {
	cfg := config.Default()
	reg, err := New(FromConfig(cfg), Hardware{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = reg.Setup(cfg.Features)
	if !errors.Is(err, ErrHardwareInit) {
		t.Fatalf("expected ErrHardwareInit, got %v", err)
	}
	if en := reg.Enabled(); en.Analog || en.Digital || en.Relays || en.LED {
		t.Errorf("nothing should be enabled: %+v", en)
	}
	// getters still answer
	if got := reg.ReadAnalogInputs(); len(got) != 4 || !math.IsNaN(got[0].Value) {
		t.Errorf("analog without adc: %+v", got)
	}
	if got := reg.ReadDigitalInputs(); len(got) != 6 {
		t.Errorf("digital without bus: %+v", got)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name string
		defs Definitions
	}{
		{"input id", Definitions{DigitalInputs: []DigitalInput{{ID: 1, Pin: 1}, {ID: 1, Pin: 2}}}},
		{"input pin", Definitions{DigitalInputs: []DigitalInput{{ID: 1, Pin: 1}, {ID: 2, Pin: 1}}}},
		{"relay id", Definitions{Relays: []Output{{ID: 1, Pin: 1}, {ID: 1, Pin: 2}}}},
		{"relay on input pin", Definitions{
			DigitalInputs: []DigitalInput{{ID: 1, Pin: 5}},
			Relays:        []Output{{ID: 1, Pin: 5}},
		}},
		{"led on oc pin", Definitions{OpenCollectors: []Output{{ID: 1, Pin: 7}}, LED: &Output{ID: 1, Pin: 7}}},
		{"adc index", Definitions{AnalogInputs: []AnalogInput{{ID: 1, Index: 0}, {ID: 2, Index: 0}}}},
		{"sensor id", Definitions{OneWire: []OneWireSensor{{ID: 1}, {ID: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.defs, Hardware{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSetRelayRoundTrip(t *testing.T) {
	rig := setupRig(t)

	if err := rig.reg.SetRelay(2, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got *Output
	for _, o := range rig.reg.RelayOutputs() {
		if o.ID == 2 {
			o := o
			got = &o
		}
	}
	if got == nil || !got.Status {
		t.Fatalf("relay 2 should report on, got %+v", got)
	}
	writes := rig.bus.WritesTo(27)
	if len(writes) != 1 {
		t.Fatalf("expected exactly 1 pin write, got %d", len(writes))
	}
	if writes[0].Level != gpio.High {
		t.Errorf("expected HIGH, got %s", writes[0].Level)
	}
	if len(rig.bus.Writes) != 1 {
		t.Errorf("other pins written: %+v", rig.bus.Writes)
	}
}

func TestSetRelayUnknownChannel(t *testing.T) {
	rig := setupRig(t)

	err := rig.reg.SetRelay(9, true)
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
	if len(rig.bus.Writes) != 0 {
		t.Errorf("unexpected writes: %+v", rig.bus.Writes)
	}
	if err := rig.reg.SetOpenCollector(0, true); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("open collector: expected ErrChannelNotFound, got %v", err)
	}
}

func TestSetRelayDisabledClass(t *testing.T) {
	cfg := config.Default()
	cfg.Features.Relays = false
	rig := newRig(t, cfg, newFakeSensors())
	rig.reg.Setup(cfg.Features)

	if err := rig.reg.SetRelay(1, true); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestSetRelayWriteFailureKeepsStatus(t *testing.T) {
	rig := setupRig(t)
	rig.bus.WriteErrors[17] = errors.New("EIO")

	if err := rig.reg.SetRelay(1, true); err == nil {
		t.Fatal("expected error")
	}
	if rig.reg.RelayOutputs()[0].Status {
		t.Error("status must not change when the write fails")
	}
}

func TestSetOpenCollectorAndLED(t *testing.T) {
	rig := setupRig(t)

	if err := rig.reg.SetOpenCollector(3, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rig.reg.OpenCollectorOutputs()[2].Status {
		t.Error("OC3 should be on")
	}
	if lvl := rig.bus.Levels[24]; lvl != gpio.High {
		t.Errorf("OC3 pin: got %s", lvl)
	}

	if err := rig.reg.SetLED(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	led, ok := rig.reg.LED()
	if !ok || !led.Status {
		t.Errorf("LED: got %+v ok=%v", led, ok)
	}
	if err := rig.reg.SetLED(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if writes := rig.bus.WritesTo(7); len(writes) != 2 || writes[1].Level != gpio.Low {
		t.Errorf("LED writes: %+v", writes)
	}
}

func TestSetLEDWithoutLED(t *testing.T) {
	cfg := config.Default()
	cfg.Features.LED = false
	rig := newRig(t, cfg, newFakeSensors())
	rig.reg.Setup(cfg.Features)

	if err := rig.reg.SetLED(true); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
	if _, ok := rig.reg.LED(); ok {
		t.Error("LED should not exist")
	}
}

func TestReadDigitalInputs(t *testing.T) {
	cfg := config.Default()
	cfg.DigitalInputs[1].Reverse = true
	rig := newRig(t, cfg, newFakeSensors())
	rig.reg.Setup(cfg.Features)

	rig.bus.SetLevel(16, gpio.High)
	rig.bus.SetLevel(19, gpio.High)

	got := rig.reg.ReadDigitalInputs()
	if got[0].Status != gpio.High {
		t.Errorf("DI1: got %s, want HIGH", got[0].Status)
	}
	if got[1].Status != gpio.Low {
		t.Errorf("DI2 reversed: got %s, want LOW", got[1].Status)
	}
	if got[2].Status != gpio.Low {
		t.Errorf("DI3: got %s, want LOW", got[2].Status)
	}

	// a failed read keeps the previous value
	rig.bus.ReadErrors[16] = errors.New("EIO")
	rig.bus.SetLevel(16, gpio.Low)
	got = rig.reg.ReadDigitalInputs()
	if got[0].Status != gpio.High {
		t.Errorf("DI1 after failed read: got %s, want HIGH", got[0].Status)
	}

	in, err := rig.reg.DigitalInput(2)
	if err != nil || in.Status != gpio.Low {
		t.Errorf("DigitalInput(2): %+v %v", in, err)
	}
	if _, err := rig.reg.DigitalInput(42); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestPollDoesNotTouchLastEvent(t *testing.T) {
	rig := setupRig(t)
	rig.bus.SetLevel(16, gpio.High)

	rig.reg.ReadDigitalInputs()
	in, _ := rig.reg.DigitalInput(1)
	if in.LastEvent != gpio.Low {
		t.Errorf("poll must not change LastEvent, got %s", in.LastEvent)
	}
	if rig.eventCount() != 0 {
		t.Errorf("poll must not dispatch events, got %d", rig.eventCount())
	}
}

func TestReadAnalogInputs(t *testing.T) {
	rig := setupRig(t)
	rig.conn.SetRaw(0, 0x0A12)
	rig.conn.SetRaw(2, 1000)

	got := rig.reg.ReadAnalogInputs()
	if math.Abs(got[0].Value-2578*config.Scale30V) > 1e-9 {
		t.Errorf("AI1: got %v", got[0].Value)
	}
	if got[1].Value != 0 {
		t.Errorf("AI2: got %v, want 0", got[1].Value)
	}
	if math.Abs(got[2].Value-1000*config.Scale3V) > 1e-9 {
		t.Errorf("AI3 uses the 0-3V factor: got %v", got[2].Value)
	}
	if s := rig.reg.Snapshot(); s.AnalogInputs[0].Value != got[0].Value {
		t.Errorf("snapshot not updated: %v", s.AnalogInputs[0].Value)
	}

	rig.conn.Err = errors.New("spi down")
	got = rig.reg.ReadAnalogInputs()
	for _, a := range got {
		if !math.IsNaN(a.Value) {
			t.Errorf("%s: expected NaN after bus error, got %v", a.Name, a.Value)
		}
	}
}

func TestReadOneWireInputs(t *testing.T) {
	cfg := config.Default()
	cfg.OneWireSensors = []config.OneWireSensor{{ID: 1, Name: "T1"}, {ID: 2, Name: "T2"}, {ID: 3, Name: "T3", Code: "28-bad"}}
	w1 := newFakeSensors("28-aaa")
	w1.temps["28-aaa"] = 21.062
	w1.errs["28-bad"] = onewire.ErrSensorParse
	rig := newRig(t, cfg, w1)
	rig.reg.Setup(cfg.Features)

	got := rig.reg.ReadOneWireInputs()
	if got[0].Code != "28-aaa" || got[0].Value != 21.062 {
		t.Errorf("T1: %+v", got[0])
	}
	if got[1].Code != "" || !math.IsNaN(got[1].Value) {
		t.Errorf("T2 should be unbound NaN: %+v", got[1])
	}
	if !math.IsNaN(got[2].Value) {
		t.Errorf("T3 parse failure should be NaN: %+v", got[2])
	}
}

func TestOneWireDiscoveryRunsOnce(t *testing.T) {
	cfg := config.Default()
	w1 := newFakeSensors()
	rig := newRig(t, cfg, w1)
	rig.reg.Setup(cfg.Features)

	if code := rig.reg.Snapshot().OneWire[0].Code; code != "" {
		t.Fatalf("no device present, code should be unset, got %q", code)
	}

	w1.mu.Lock()
	w1.codes = []string{"28-0000075e0152"}
	w1.mu.Unlock()
	rig.reg.DiscoverOneWire()

	if code := rig.reg.Snapshot().OneWire[0].Code; code != "" {
		t.Errorf("discovery must not be retried, got %q", code)
	}
	if w1.discoverCalls != 1 {
		t.Errorf("discover calls: got %d, want 1", w1.discoverCalls)
	}
}

func TestOneWireDiscoveryNeverRebinds(t *testing.T) {
	cfg := config.Default()
	w1 := newFakeSensors("28-first")
	rig := newRig(t, cfg, w1)
	rig.reg.Setup(cfg.Features)

	w1.mu.Lock()
	w1.codes = []string{"28-second"}
	w1.mu.Unlock()
	rig.reg.DiscoverOneWire()

	if code := rig.reg.Snapshot().OneWire[0].Code; code != "28-first" {
		t.Errorf("bound code overwritten: got %q", code)
	}
}

func TestOneWireDiscoverySkipsConfiguredCodes(t *testing.T) {
	cfg := config.Default()
	cfg.OneWireSensors = []config.OneWireSensor{
		{ID: 1, Name: "Fixed", Code: "28-aaa"},
		{ID: 2, Name: "Auto"},
	}
	rig := newRig(t, cfg, newFakeSensors("28-aaa", "28-bbb"))
	rig.reg.Setup(cfg.Features)

	s := rig.reg.Snapshot().OneWire
	if s[0].Code != "28-aaa" || s[1].Code != "28-bbb" {
		t.Errorf("unexpected binding: %+v", s)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rig := setupRig(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rig.reg.Close()
		}()
	}
	wg.Wait()

	if rig.bus.CloseCount != 1 {
		t.Errorf("bus closed %d times, want 1", rig.bus.CloseCount)
	}
	if err := rig.reg.SetRelay(1, true); !errors.Is(err, ErrDisabled) {
		t.Errorf("setter after close: expected ErrDisabled, got %v", err)
	}
	rig.reg.HandleEdge(16)
	if rig.eventCount() != 0 {
		t.Error("no events after close")
	}
}
