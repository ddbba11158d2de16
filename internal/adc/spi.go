package adc

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// OpenSPI opens device (e.g. "/dev/spidev0.0") in SPI mode 1 at speedHz.
func OpenSPI(device string, speedHz int64) (*Converter, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host drivers: %w", err)
	}
	port, err := spireg.Open(device)
	if err != nil {
		return nil, fmt.Errorf("open spi port %s: %w", device, err)
	}
	conn, err := port.Connect(physic.Frequency(speedHz)*physic.Hertz, spi.Mode1, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect spi port %s: %w", device, err)
	}
	return NewConverter(conn, port), nil
}
