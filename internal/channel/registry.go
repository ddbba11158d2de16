package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/iono-daq/internal/config"
	"github.com/sweeney/iono-daq/internal/gpio"
	"github.com/sweeney/iono-daq/internal/logging"
	"github.com/sweeney/iono-daq/internal/onewire"
)

// Registry owns every channel record and the hardware behind it.
type Registry struct {
	mu      sync.Mutex
	hw      Hardware
	handler EventHandler
	now     func() time.Time

	edge     gpio.Edge
	debounce time.Duration

	enabled config.Features
	closed  bool

	inputs     []*DigitalInput
	inputByID  map[int]*DigitalInput
	inputByPin map[int]*DigitalInput

	relays    []*Output
	relayByID map[int]*Output

	ocs    []*Output
	ocByID map[int]*Output

	led *Output

	analog     []*AnalogInput
	analogByID map[int]*AnalogInput

	sensors    []*OneWireSensor
	sensorByID map[int]*OneWireSensor
	attempted  map[int]bool // one-wire discovery already tried

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Registry.
type Option func(*Registry)

// WithHandler installs the digital input event handler.
func WithHandler(h EventHandler) Option {
	return func(r *Registry) {
		if h != nil {
			r.handler = h
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEdge sets the interrupt edge and kernel debounce period.
func WithEdge(edge gpio.Edge, debounce time.Duration) Option {
	return func(r *Registry) {
		r.edge = edge
		r.debounce = debounce
	}
}

// FromConfig builds the channel layout from configuration.
func FromConfig(cfg *config.Config) Definitions {
	var d Definitions
	for _, in := range cfg.DigitalInputs {
		d.DigitalInputs = append(d.DigitalInputs, DigitalInput{ID: in.ID, Name: in.Name, Pin: in.Pin, Reverse: in.Reverse})
	}
	for _, o := range cfg.Relays {
		d.Relays = append(d.Relays, Output{ID: o.ID, Name: o.Name, Pin: o.Pin})
	}
	for _, o := range cfg.OpenCollectors {
		d.OpenCollectors = append(d.OpenCollectors, Output{ID: o.ID, Name: o.Name, Pin: o.Pin})
	}
	if cfg.Features.LED {
		d.LED = &Output{ID: cfg.LED.ID, Name: cfg.LED.Name, Pin: cfg.LED.Pin}
	}
	for _, a := range cfg.AnalogInputs {
		d.AnalogInputs = append(d.AnalogInputs, AnalogInput{ID: a.ID, Name: a.Name, Index: a.Index, Scale: a.Factor()})
	}
	for _, s := range cfg.OneWireSensors {
		d.OneWire = append(d.OneWire, OneWireSensor{ID: s.ID, Name: s.Name, Code: s.Code})
	}
	return d
}

// New indexes defs. Ids must be unique per class and pins unique across the
// digital classes.
func New(defs Definitions, hw Hardware, opts ...Option) (*Registry, error) {
	r := &Registry{
		hw:         hw,
		handler:    NopHandler,
		now:        time.Now,
		debounce:   500 * time.Millisecond,
		inputByID:  make(map[int]*DigitalInput),
		inputByPin: make(map[int]*DigitalInput),
		relayByID:  make(map[int]*Output),
		ocByID:     make(map[int]*Output),
		analogByID: make(map[int]*AnalogInput),
		sensorByID: make(map[int]*OneWireSensor),
		attempted:  make(map[int]bool),
	}
	for _, o := range opts {
		o(r)
	}

	pins := map[int]string{}
	claim := func(pin int, who string) error {
		if other, ok := pins[pin]; ok {
			return fmt.Errorf("%s: pin %d already used by %s", who, pin, other)
		}
		pins[pin] = who
		return nil
	}

	for i := range defs.DigitalInputs {
		in := defs.DigitalInputs[i]
		if _, dup := r.inputByID[in.ID]; dup {
			return nil, fmt.Errorf("digital input: duplicate id %d", in.ID)
		}
		if err := claim(in.Pin, in.Name); err != nil {
			return nil, err
		}
		r.inputs = append(r.inputs, &in)
		r.inputByID[in.ID] = &in
		r.inputByPin[in.Pin] = &in
	}
	for _, class := range []struct {
		defs []Output
		list *[]*Output
		byID map[int]*Output
		kind string
	}{
		{defs.Relays, &r.relays, r.relayByID, "relay"},
		{defs.OpenCollectors, &r.ocs, r.ocByID, "open collector"},
	} {
		for i := range class.defs {
			o := class.defs[i]
			if _, dup := class.byID[o.ID]; dup {
				return nil, fmt.Errorf("%s: duplicate id %d", class.kind, o.ID)
			}
			if err := claim(o.Pin, o.Name); err != nil {
				return nil, err
			}
			*class.list = append(*class.list, &o)
			class.byID[o.ID] = &o
		}
	}
	if defs.LED != nil {
		led := *defs.LED
		if err := claim(led.Pin, led.Name); err != nil {
			return nil, err
		}
		r.led = &led
	}

	indexes := map[int]bool{}
	for i := range defs.AnalogInputs {
		a := defs.AnalogInputs[i]
		if _, dup := r.analogByID[a.ID]; dup {
			return nil, fmt.Errorf("analog input: duplicate id %d", a.ID)
		}
		if indexes[a.Index] {
			return nil, fmt.Errorf("analog input %s: adc index %d already used", a.Name, a.Index)
		}
		indexes[a.Index] = true
		a.Value = nan
		r.analog = append(r.analog, &a)
		r.analogByID[a.ID] = &a
	}
	for i := range defs.OneWire {
		s := defs.OneWire[i]
		if _, dup := r.sensorByID[s.ID]; dup {
			return nil, fmt.Errorf("one-wire sensor: duplicate id %d", s.ID)
		}
		s.Value = nan
		r.sensors = append(r.sensors, &s)
		r.sensorByID[s.ID] = &s
	}
	return r, nil
}

// Setup initialises the hardware for each enabled class. A class whose setup
// fails is logged, disabled and reported in the returned error; the other
// classes keep working.
func (r *Registry) Setup(f config.Features) error {
	var errs []error
	fail := func(class string, err error) {
		logging.Error("Hardware init failure, class disabled", "class", class, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w: %w", class, ErrHardwareInit, err))
	}

	if f.Analog {
		if r.hw.ADC == nil {
			fail("analog", errors.New("no adc"))
			f.Analog = false
		}
	}

	if f.Digital {
		if err := r.setupInputs(); err != nil {
			fail("digital", err)
			f.Digital = false
		}
	}
	if f.Events {
		if !f.Digital {
			fail("events", errors.New("digital inputs not available"))
			f.Events = false
		} else if err := r.watchInputs(); err != nil {
			fail("events", err)
			f.Events = false
		}
	}

	if f.Relays {
		if err := r.setupOutputs(r.relays); err != nil {
			fail("relays", err)
			f.Relays = false
		}
	}
	if f.OpenCollectors {
		if err := r.setupOutputs(r.ocs); err != nil {
			fail("open collectors", err)
			f.OpenCollectors = false
		}
	}
	if f.LED {
		if r.led == nil {
			fail("led", errors.New("no led defined"))
			f.LED = false
		} else if err := r.setupOutputs([]*Output{r.led}); err != nil {
			fail("led", err)
			f.LED = false
		}
	}

	r.mu.Lock()
	r.enabled = f
	r.mu.Unlock()

	if f.OneWire {
		r.DiscoverOneWire()
	}

	logging.Info("Channels ready",
		"analog", f.Analog, "digital", f.Digital, "events", f.Events, "onewire", f.OneWire,
		"relays", f.Relays, "open_collectors", f.OpenCollectors, "led", f.LED)
	return errors.Join(errs...)
}

func (r *Registry) setupInputs() error {
	if r.hw.Bus == nil {
		return errors.New("no gpio bus")
	}
	for _, in := range r.inputs {
		if err := r.hw.Bus.SetupInput(in.Pin); err != nil {
			return fmt.Errorf("%s: %w", in.Name, err)
		}
	}
	return nil
}

func (r *Registry) watchInputs() error {
	for _, in := range r.inputs {
		if err := r.hw.Bus.WatchEdge(in.Pin, r.edge, r.debounce, r.HandleEdge); err != nil {
			return fmt.Errorf("%s: %w", in.Name, err)
		}
	}
	return nil
}

func (r *Registry) setupOutputs(outs []*Output) error {
	if r.hw.Bus == nil {
		return errors.New("no gpio bus")
	}
	for _, o := range outs {
		if err := r.hw.Bus.SetupOutput(o.Pin, gpio.Low); err != nil {
			return fmt.Errorf("%s: %w", o.Name, err)
		}
		o.Status = false
	}
	return nil
}

// Enabled returns the classes that initialised successfully.
func (r *Registry) Enabled() config.Features {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// DiscoverOneWire binds unbound sensors to discovered devices. Each sensor gets
// one attempt per process lifetime: a sensor left unbound stays unbound and a
// bound sensor is never rebound, even if its device disappears.
func (r *Registry) DiscoverOneWire() {
	r.mu.Lock()
	var pending []*OneWireSensor
	used := map[string]bool{}
	for _, s := range r.sensors {
		if s.Code != "" {
			used[s.Code] = true
		} else if !r.attempted[s.ID] {
			pending = append(pending, s)
		}
		r.attempted[s.ID] = true
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if r.hw.OneWire == nil {
		logging.Warn("No one-wire bus, sensors left unbound", "sensors", len(pending))
		return
	}

	codes, err := r.hw.OneWire.Discover()
	if err != nil {
		if errors.Is(err, onewire.ErrNoDevice) {
			logging.Warn("No one-wire devices found")
		} else {
			logging.Error("One-wire discovery failed", "error", err)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range pending {
		for _, code := range codes {
			if used[code] {
				continue
			}
			s.Code = code
			used[code] = true
			logging.Info("One-wire sensor bound", "sensor", s.Name, "code", code)
			break
		}
		if s.Code == "" {
			logging.Warn("One-wire sensor left unbound", "sensor", s.Name)
		}
	}
}

// DigitalInput returns a copy of the input with id.
func (r *Registry) DigitalInput(id int) (DigitalInput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.inputByID[id]
	if !ok {
		return DigitalInput{}, fmt.Errorf("digital input %d: %w", id, ErrChannelNotFound)
	}
	return *in, nil
}

// ReadDigitalInputs refreshes Status from the bus. A failed read is logged and
// the previous status kept.
func (r *Registry) ReadDigitalInputs() []DigitalInput {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enabled.Digital && !r.closed {
		for _, in := range r.inputs {
			lvl, err := r.hw.Bus.Read(in.Pin)
			if err != nil {
				logging.Error("Digital input read failed", "input", in.Name, "pin", in.Pin, "error", err)
				continue
			}
			if in.Reverse {
				lvl = lvl.Invert()
			}
			in.Status = lvl
			logging.Debug("Digital input", "input", in.Name, "id", in.ID, "status", lvl)
		}
	}
	return copyInputs(r.inputs)
}

// ReadAnalogInputs converts every analog channel. A failed conversion stores NaN.
func (r *Registry) ReadAnalogInputs() []AnalogInput {
	r.mu.Lock()
	enabled := r.enabled.Analog && !r.closed
	todo := copyAnalog(r.analog)
	r.mu.Unlock()

	if !enabled {
		return todo
	}

	// conversions run unlocked so interrupts are not held up
	for i := range todo {
		a := &todo[i]
		v, err := r.hw.ADC.Read(a.Index, a.Scale)
		if err != nil {
			logging.Warn("Analog read failed", "input", a.Name, "index", a.Index, "error", err)
			v = nan
		}
		a.Value = v
		logging.Debug("Analog input", "input", a.Name, "id", a.ID, "value", v)
	}

	r.mu.Lock()
	for _, a := range todo {
		r.analogByID[a.ID].Value = a.Value
	}
	r.mu.Unlock()
	return todo
}

// ReadOneWireInputs reads every bound sensor. Unbound sensors and failed reads
// store NaN.
func (r *Registry) ReadOneWireInputs() []OneWireSensor {
	r.mu.Lock()
	enabled := r.enabled.OneWire && !r.closed
	todo := copySensors(r.sensors)
	r.mu.Unlock()

	if !enabled {
		return todo
	}

	for i := range todo {
		s := &todo[i]
		s.Value = nan
		if s.Code == "" {
			logging.Debug("One-wire sensor unbound", "sensor", s.Name)
			continue
		}
		if r.hw.OneWire == nil {
			continue
		}
		v, err := r.hw.OneWire.ReadTemperature(s.Code)
		if err != nil {
			logging.Error("One-wire read failed", "sensor", s.Name, "code", s.Code, "error", err)
			continue
		}
		s.Value = v
		logging.Debug("One-wire sensor", "sensor", s.Name, "code", s.Code, "value", v)
	}

	r.mu.Lock()
	for _, s := range todo {
		r.sensorByID[s.ID].Value = s.Value
	}
	r.mu.Unlock()
	return todo
}

// RelayOutputs returns the relay states.
func (r *Registry) RelayOutputs() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyOutputs(r.relays)
}

// OpenCollectorOutputs returns the open collector states.
func (r *Registry) OpenCollectorOutputs() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyOutputs(r.ocs)
}

// LED returns the LED state; ok is false when the board has no LED defined.
func (r *Registry) LED() (led Output, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.led == nil {
		return Output{}, false
	}
	return *r.led, true
}

// SetRelay drives relay id.
func (r *Registry) SetRelay(id int, on bool) error {
	return r.setOutput("relay", r.relayByID, func(f config.Features) bool { return f.Relays }, id, on)
}

// SetOpenCollector drives open collector id.
func (r *Registry) SetOpenCollector(id int, on bool) error {
	return r.setOutput("open collector", r.ocByID, func(f config.Features) bool { return f.OpenCollectors }, id, on)
}

// SetLED switches the on-board LED.
func (r *Registry) SetLED(on bool) error {
	byID := map[int]*Output{}
	id := 0
	if r.led != nil {
		byID[r.led.ID] = r.led
		id = r.led.ID
	}
	return r.setOutput("led", byID, func(f config.Features) bool { return f.LED }, id, on)
}

// setOutput writes the bus first and records the status only once the write
// succeeded.
func (r *Registry) setOutput(kind string, byID map[int]*Output, enabled func(config.Features) bool, id int, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := byID[id]
	if !ok {
		err := fmt.Errorf("%s %d: %w", kind, id, ErrChannelNotFound)
		logging.Error("Output not found", "kind", kind, "id", id)
		return err
	}
	if !enabled(r.enabled) || r.closed {
		return fmt.Errorf("%s %d: %w", kind, id, ErrDisabled)
	}
	if err := r.hw.Bus.Write(o.Pin, gpio.LevelOf(on)); err != nil {
		logging.Error("Output write failed", "kind", kind, "name", o.Name, "pin", o.Pin, "error", err)
		return fmt.Errorf("%s %s: %w", kind, o.Name, err)
	}
	o.Status = on
	logging.Debug("Output set", "kind", kind, "name", o.Name, "id", o.ID, "status", on)
	return nil
}

// Snapshot copies every channel without touching hardware.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		DigitalInputs:  copyInputs(r.inputs),
		Relays:         copyOutputs(r.relays),
		OpenCollectors: copyOutputs(r.ocs),
		AnalogInputs:   copyAnalog(r.analog),
		OneWire:        copySensors(r.sensors),
	}
	if r.led != nil {
		led := *r.led
		s.LED = &led
	}
	return s
}

// Close deregisters interrupts and releases the GPIO and SPI resources. It is
// safe to call from any goroutine and any number of times.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		// bus teardown waits for interrupt goroutines, which may be blocked on
		// r.mu, so it runs unlocked
		var errs []error
		if r.hw.Bus != nil {
			if err := r.hw.Bus.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close gpio: %w", err))
			}
		}
		if r.hw.ADC != nil {
			if err := r.hw.ADC.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close adc: %w", err))
			}
		}
		r.closeErr = errors.Join(errs...)
		logging.Info("Hardware released")
	})
	return r.closeErr
}

func copyInputs(in []*DigitalInput) []DigitalInput {
	out := make([]DigitalInput, len(in))
	for i, p := range in {
		out[i] = *p
	}
	return out
}

func copyOutputs(in []*Output) []Output {
	out := make([]Output, len(in))
	for i, p := range in {
		out[i] = *p
	}
	return out
}

func copyAnalog(in []*AnalogInput) []AnalogInput {
	out := make([]AnalogInput, len(in))
	for i, p := range in {
		out[i] = *p
	}
	return out
}

func copySensors(in []*OneWireSensor) []OneWireSensor {
	out := make([]OneWireSensor, len(in))
	for i, p := range in {
		out[i] = *p
	}
	return out
}
