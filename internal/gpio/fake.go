package gpio

import (
	"fmt"
	"sync"
	"time"
)

// Write records one call to FakeBus.Write.
type Write struct {
	Pin   int
	Level Level
}

// Watch records one call to FakeBus.WatchEdge.
type Watch struct {
	Edge     Edge
	Debounce time.Duration
	handler  EdgeHandler
}

// FakeBus is an in-memory Bus for tests. It is safe for concurrent use.
type FakeBus struct {
	mu sync.Mutex

	// Levels holds the current level of every pin.
	Levels map[int]Level

	// Inputs and Outputs record configured pins.
	Inputs  map[int]bool
	Outputs map[int]bool

	// Writes records every Write call in order.
	Writes []Write

	// Watches records edge registrations by pin.
	Watches map[int]Watch

	// ReadErrors, SetupErrors and WriteErrors fail calls for specific pins.
	ReadErrors  map[int]error
	SetupErrors map[int]error
	WriteErrors map[int]error

	// CloseCount counts Close calls.
	CloseCount int
}

// NewFakeBus creates an empty FakeBus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		Levels:      make(map[int]Level),
		Inputs:      make(map[int]bool),
		Outputs:     make(map[int]bool),
		Watches:     make(map[int]Watch),
		ReadErrors:  make(map[int]error),
		SetupErrors: make(map[int]error),
		WriteErrors: make(map[int]error),
	}
}

func (f *FakeBus) SetupInput(pin int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SetupErrors[pin]; err != nil {
		return err
	}
	f.Inputs[pin] = true
	return nil
}

func (f *FakeBus) SetupOutput(pin int, initial Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SetupErrors[pin]; err != nil {
		return err
	}
	f.Outputs[pin] = true
	f.Levels[pin] = initial
	return nil
}

func (f *FakeBus) Read(pin int) (Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ReadErrors[pin]; err != nil {
		return Low, err
	}
	if !f.Inputs[pin] && !f.Outputs[pin] {
		return Low, fmt.Errorf("pin %d: %w", pin, ErrPinNotConfigured)
	}
	return f.Levels[pin], nil
}

func (f *FakeBus) Write(pin int, level Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.WriteErrors[pin]; err != nil {
		return err
	}
	if !f.Outputs[pin] {
		return fmt.Errorf("pin %d: %w", pin, ErrPinNotConfigured)
	}
	f.Writes = append(f.Writes, Write{Pin: pin, Level: level})
	f.Levels[pin] = level
	return nil
}

func (f *FakeBus) WatchEdge(pin int, edge Edge, debounce time.Duration, handler EdgeHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SetupErrors[pin]; err != nil {
		return err
	}
	f.Inputs[pin] = true
	f.Watches[pin] = Watch{Edge: edge, Debounce: debounce, handler: handler}
	return nil
}

func (f *FakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCount++
	f.Watches = make(map[int]Watch)
	return nil
}

// SetLevel changes a pin level without raising an interrupt.
func (f *FakeBus) SetLevel(pin int, level Level) {
	f.mu.Lock()
	f.Levels[pin] = level
	f.mu.Unlock()
}

// Interrupt sets the pin level and invokes the registered edge handler, as the
// kernel would after a debounced transition. It returns false when no handler
// is registered for pin.
func (f *FakeBus) Interrupt(pin int, level Level) bool {
	f.mu.Lock()
	f.Levels[pin] = level
	w, ok := f.Watches[pin]
	f.mu.Unlock()
	if !ok {
		return false
	}
	w.handler(pin)
	return true
}

// WritesTo returns the writes recorded for pin.
func (f *FakeBus) WritesTo(pin int) []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Write
	for _, w := range f.Writes {
		if w.Pin == pin {
			out = append(out, w)
		}
	}
	return out
}
