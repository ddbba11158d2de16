// Package channel holds the board's I/O channels and dispatches digital input
// events. Every channel record is guarded by one registry-wide lock because
// interrupt callbacks and the poll cycle touch it from different goroutines.
package channel

import (
	"errors"
	"math"
	"time"

	"github.com/sweeney/iono-daq/internal/gpio"
)

var (
	ErrHardwareInit    = errors.New("hardware init failure")
	ErrChannelNotFound = errors.New("channel not found")
	ErrDisabled        = errors.New("channel class disabled")
)

// DigitalInput is a dry-contact or voltage input with interrupt support.
type DigitalInput struct {
	ID      int
	Name    string
	Pin     int
	Reverse bool // invert the raw level before comparison and dispatch

	// LastEvent is the last level dispatched to the event handler.
	LastEvent gpio.Level
	// Status is the level seen by the last poll.
	Status gpio.Level
}

// Output is a relay, open collector or the on-board LED.
type Output struct {
	ID     int
	Name   string
	Pin    int
	Status bool
}

// AnalogInput is one ADC channel. Value is NaN until read or after a failed read.
type AnalogInput struct {
	ID    int
	Name  string
	Index int
	Scale float64
	Value float64
}

// OneWireSensor is a temperature sensor. An empty Code means unbound.
type OneWireSensor struct {
	ID    int
	Name  string
	Code  string
	Value float64
}

// Definitions is the static channel layout handed to New.
type Definitions struct {
	DigitalInputs  []DigitalInput
	Relays         []Output
	OpenCollectors []Output
	LED            *Output
	AnalogInputs   []AnalogInput
	OneWire        []OneWireSensor
}

// Snapshot is a point-in-time copy of every channel.
type Snapshot struct {
	DigitalInputs  []DigitalInput
	Relays         []Output
	OpenCollectors []Output
	LED            *Output
	AnalogInputs   []AnalogInput
	OneWire        []OneWireSensor
}

// Event reports a digital input that changed logical level.
type Event struct {
	ID    int
	Name  string
	Pin   int
	Level gpio.Level // after Reverse
	Time  time.Time
}

// On reports whether the input is logically active.
func (e Event) On() bool { return e.Level == gpio.High }

// EventHandler receives digital input events. It runs on the bus goroutine
// and should return quickly.
type EventHandler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// NopHandler ignores every event.
var NopHandler EventHandler = HandlerFunc(func(Event) {})

// AnalogReader performs one scaled conversion. adc.Converter satisfies it.
type AnalogReader interface {
	Read(index int, scale float64) (float64, error)
	Close() error
}

// TemperatureSource lists and reads one-wire sensors. onewire.Bus satisfies it.
type TemperatureSource interface {
	Discover() ([]string, error)
	ReadTemperature(code string) (float64, error)
}

// Hardware bundles the bus collaborators. Any field may be nil when the
// corresponding class is not in use.
type Hardware struct {
	Bus     gpio.Bus
	ADC     AnalogReader
	OneWire TemperatureSource
}

var nan = math.NaN()
