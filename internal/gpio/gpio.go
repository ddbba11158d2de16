// Package gpio provides digital pin access with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Level is the raw electrical level of a pin.
type Level int

const (
	Low  Level = 0
	High Level = 1
)

// Invert swaps Low and High.
func (l Level) Invert() Level {
	if l == High {
		return Low
	}
	return High
}

// Bool reports whether the level is High.
func (l Level) Bool() bool { return l == High }

func (l Level) String() string {
	if l == High {
		return "HIGH"
	}
	return "LOW"
}

// LevelOf converts a logical on/off into a Level.
func LevelOf(on bool) Level {
	if on {
		return High
	}
	return Low
}

// Edge selects which transitions raise an interrupt.
type Edge int

const (
	EdgeRising Edge = iota
	EdgeFalling
	EdgeBoth
)

func (e Edge) String() string {
	switch e {
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	default:
		return "rising"
	}
}

// ParseEdge accepts rising, falling or both.
func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(s) {
	case "rising", "":
		return EdgeRising, nil
	case "falling":
		return EdgeFalling, nil
	case "both":
		return EdgeBoth, nil
	}
	return EdgeRising, fmt.Errorf("gpio: unknown edge %q", s)
}

// EdgeHandler is called from the bus goroutine with the pin that fired.
type EdgeHandler func(pin int)

var (
	ErrPinNotConfigured = errors.New("gpio: pin not configured")
	ErrClosed           = errors.New("gpio: bus closed")
)

// Bus is the raw pin access layer.
type Bus interface {
	// SetupInput requests pin as an input.
	SetupInput(pin int) error

	// SetupOutput requests pin as an output driven to initial.
	SetupOutput(pin int, initial Level) error

	// Read returns the current level of a configured pin.
	Read(pin int) (Level, error)

	// Write drives a configured output pin.
	Write(pin int, level Level) error

	// WatchEdge registers handler for edge transitions on an input pin,
	// filtered by the kernel debounce period.
	WatchEdge(pin int, edge Edge, debounce time.Duration, handler EdgeHandler) error

	// Close deregisters interrupts and releases every line.
	Close() error
}
