// Package onewire reads temperature sensors exposed by the kernel w1 driver.
//
// Each sensor appears as a directory named <family>-<serial> holding a
// w1_slave file of two lines:
//
//	4b 01 4b 46 7f ff 05 10 e1 : crc=e1 YES
//	4b 01 4b 46 7f ff 05 10 e1 t=20687
//
// The first line ends with YES when the CRC matched; the second carries the
// temperature in millidegrees Celsius.
package onewire

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
)

const (
	DefaultRoot   = "/sys/bus/w1/devices"
	DefaultFamily = "28" // DS18B20
	slaveFile     = "w1_slave"
)

var (
	ErrNoDevice          = errors.New("onewire: no matching device")
	ErrSensorUnavailable = errors.New("onewire: sensor unavailable")
	ErrSensorParse       = errors.New("onewire: cannot parse reading")
)

// Bus lists and reads devices below a root directory.
type Bus struct {
	fsys   fs.FS
	family string
}

// NewBus reads devices from the directory root.
func NewBus(root, family string) *Bus {
	return NewBusFS(os.DirFS(root), family)
}

// NewBusFS reads devices from fsys.
func NewBusFS(fsys fs.FS, family string) *Bus {
	if family == "" {
		family = DefaultFamily
	}
	return &Bus{fsys: fsys, family: family}
}

// Discover returns the device codes of the configured family in lexical order.
func (b *Bus) Discover() ([]string, error) {
	matches, err := fs.Glob(b.fsys, b.family+"*")
	if err != nil {
		return nil, fmt.Errorf("onewire: glob: %w", err)
	}
	if len(matches) == 0 {
		return nil, ErrNoDevice
	}
	codes := make([]string, 0, len(matches))
	for _, m := range matches {
		codes = append(codes, path.Base(m))
	}
	return codes, nil
}

// ReadTemperature returns the sensor temperature in degrees Celsius.
func (b *Bus) ReadTemperature(code string) (float64, error) {
	if code == "" || strings.Contains(code, "/") {
		return 0, fmt.Errorf("device %q: %w", code, ErrSensorUnavailable)
	}
	data, err := fs.ReadFile(b.fsys, path.Join(code, slaveFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("device %s: %w", code, ErrSensorUnavailable)
		}
		return 0, fmt.Errorf("device %s: %v: %w", code, err, ErrSensorUnavailable)
	}
	t, err := ParseRaw(string(data))
	if err != nil {
		return 0, fmt.Errorf("device %s: %w", code, err)
	}
	return t, nil
}

// ParseRaw parses the two-line w1_slave content.
func ParseRaw(raw string) (float64, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("expected 2 lines, got %d: %w", len(lines), ErrSensorParse)
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, fmt.Errorf("crc check failed: %w", ErrSensorParse)
	}
	i := strings.Index(lines[1], "t=")
	if i < 0 {
		return 0, fmt.Errorf("missing t= field: %w", ErrSensorParse)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(lines[1][i+2:]))
	if err != nil {
		return 0, fmt.Errorf("bad t= value: %v: %w", err, ErrSensorParse)
	}
	return float64(milli) / 1000.0, nil
}
