// Package adc reads the board's 12-bit SPI analog-to-digital converter.
package adc

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// startCommand carries the start bit and single-ended mode in the first
// transfer byte.
const startCommand = 0x06

// Channels is the converter's input count. The command word only carries
// the two low channel bits.
const Channels = 4

// ErrBusTransfer marks a failed or malformed SPI exchange.
var ErrBusTransfer = errors.New("adc: bus transfer failed")

// Conn is a full-duplex transfer. periph.io spi.Conn satisfies it.
type Conn interface {
	Tx(w, r []byte) error
}

// Request builds the 3-byte command for channel, which must be below Channels.
func Request(channel int) []byte {
	return []byte{startCommand, byte(channel << 6), 0}
}

// Decode extracts the 12-bit conversion result from a 3-byte response.
func Decode(resp []byte) (uint16, error) {
	if len(resp) < 3 {
		return 0, fmt.Errorf("short response (%d bytes): %w", len(resp), ErrBusTransfer)
	}
	return uint16(resp[1]&0x0F)<<8 | uint16(resp[2]), nil
}

// Convert scales a raw word into a physical value.
func Convert(raw uint16, scale float64) float64 {
	return float64(raw) * scale
}

// Converter serialises transfers on one SPI connection.
type Converter struct {
	mu     sync.Mutex
	conn   Conn
	closer io.Closer
}

// NewConverter wraps conn. closer may be nil.
func NewConverter(conn Conn, closer io.Closer) *Converter {
	return &Converter{conn: conn, closer: closer}
}

// ReadRaw performs one conversion on channel.
func (c *Converter) ReadRaw(channel int) (uint16, error) {
	if channel < 0 || channel >= Channels {
		return 0, fmt.Errorf("channel %d out of range: %w", channel, ErrBusTransfer)
	}
	w := Request(channel)
	r := make([]byte, len(w))

	c.mu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = errors.New("converter closed")
	} else {
		err = conn.Tx(w, r)
	}
	c.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("channel %d: %v: %w", channel, err, ErrBusTransfer)
	}
	return Decode(r)
}

// Read performs one conversion and applies scale.
func (c *Converter) Read(channel int, scale float64) (float64, error) {
	raw, err := c.ReadRaw(channel)
	if err != nil {
		return 0, err
	}
	return Convert(raw, scale), nil
}

// Close releases the port. Calling Close twice is a no-op.
func (c *Converter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}
