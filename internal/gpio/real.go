//go:build linux

package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "iono-daq"

// RealBus drives pins through a Linux GPIO character device.
type RealBus struct {
	mu     sync.Mutex
	chip   *gpiocdev.Chip
	lines  map[int]*gpiocdev.Line
	closed bool
}

// NewRealBus opens the named chip, e.g. "gpiochip0".
func NewRealBus(chipName string) (*RealBus, error) {
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &RealBus{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line),
	}, nil
}

func (b *RealBus) request(pin int, opts ...gpiocdev.LineReqOption) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	// an input is re-requested when its edge watch is added
	old, ok := b.lines[pin]
	delete(b.lines, pin)
	b.mu.Unlock()
	if ok {
		old.Close()
	}

	line, err := b.chip.RequestLine(pin, opts...)
	if err != nil {
		return fmt.Errorf("request pin %d: %w", pin, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		line.Close()
		return ErrClosed
	}
	b.lines[pin] = line
	return nil
}

func (b *RealBus) line(pin int) (*gpiocdev.Line, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	l, ok := b.lines[pin]
	if !ok {
		return nil, fmt.Errorf("pin %d: %w", pin, ErrPinNotConfigured)
	}
	return l, nil
}

// SetupInput requests pin as a plain input.
func (b *RealBus) SetupInput(pin int) error {
	return b.request(pin, gpiocdev.AsInput)
}

// SetupOutput requests pin as an output.
func (b *RealBus) SetupOutput(pin int, initial Level) error {
	return b.request(pin, gpiocdev.AsOutput(int(initial)))
}

// Read returns the pin level.
func (b *RealBus) Read(pin int) (Level, error) {
	l, err := b.line(pin)
	if err != nil {
		return Low, err
	}
	v, err := l.Value()
	if err != nil {
		return Low, fmt.Errorf("read pin %d: %w", pin, err)
	}
	if v != 0 {
		return High, nil
	}
	return Low, nil
}

// Write drives an output pin.
func (b *RealBus) Write(pin int, level Level) error {
	l, err := b.line(pin)
	if err != nil {
		return err
	}
	if err := l.SetValue(int(level)); err != nil {
		return fmt.Errorf("write pin %d: %w", pin, err)
	}
	return nil
}

// WatchEdge re-requests pin as an input with edge detection. The kernel applies
// the debounce period and events are delivered on the line's watcher goroutine
// in the order they were reported.
func (b *RealBus) WatchEdge(pin int, edge Edge, debounce time.Duration, handler EdgeHandler) error {
	var edgeOpt gpiocdev.LineReqOption
	switch edge {
	case EdgeFalling:
		edgeOpt = gpiocdev.WithFallingEdge
	case EdgeBoth:
		edgeOpt = gpiocdev.WithBothEdges
	default:
		edgeOpt = gpiocdev.WithRisingEdge
	}
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		edgeOpt,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			handler(evt.Offset)
		}),
	}
	if debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(debounce))
	}
	return b.request(pin, opts...)
}

// Close releases every line, then the chip. Outputs are reconfigured as inputs
// first so relays are not left driven after exit. Calling Close twice is a no-op.
func (b *RealBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	lines := b.lines
	b.lines = nil
	b.mu.Unlock()

	// lines are closed without the lock: a watcher goroutine may be inside
	// a handler that is waiting on it
	var errs []error
	for pin, l := range lines {
		if err := l.Reconfigure(gpiocdev.AsInput); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	if err := b.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
