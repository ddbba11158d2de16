//go:build !linux

package gpio

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealBus is not available on non-Linux platforms.
type RealBus struct{}

// NewRealBus returns an error on non-Linux platforms.
func NewRealBus(chipName string) (*RealBus, error) {
	return nil, errUnsupported
}

func (b *RealBus) SetupInput(pin int) error                 { return errUnsupported }
func (b *RealBus) SetupOutput(pin int, initial Level) error { return errUnsupported }
func (b *RealBus) Read(pin int) (Level, error)              { return Low, errUnsupported }
func (b *RealBus) Write(pin int, level Level) error         { return errUnsupported }

func (b *RealBus) WatchEdge(pin int, edge Edge, debounce time.Duration, handler EdgeHandler) error {
	return errUnsupported
}

// Close is a no-op on non-Linux platforms.
func (b *RealBus) Close() error {
	return nil
}
