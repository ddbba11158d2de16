// Package config loads the daemon configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Analog input ranges and their conversion factors (volts per ADC count).
const (
	Range30V = "0-30V"
	Range3V  = "0-3V"

	Scale30V = 0.007319
	Scale3V  = 0.000725
)

type Config struct {
	Station        string          `yaml:"station"`
	Features       Features        `yaml:"features"`
	Schedule       Schedule        `yaml:"schedule"`
	GPIO           GPIOConfig      `yaml:"gpio"`
	ADC            ADCConfig       `yaml:"adc"`
	OneWire        OneWireConfig   `yaml:"onewire"`
	DigitalInputs  []DigitalInput  `yaml:"digital_inputs"`
	Relays         []Output        `yaml:"relays"`
	OpenCollectors []Output        `yaml:"open_collectors"`
	LED            Output          `yaml:"led"`
	AnalogInputs   []AnalogInput   `yaml:"analog_inputs"`
	OneWireSensors []OneWireSensor `yaml:"one_wire"`
	Alarms         []Alarm         `yaml:"alarms"`
	MQTT           MQTTConfig      `yaml:"mqtt"`
	HTTP           HTTPConfig      `yaml:"http"`
	DataDir        string          `yaml:"data_dir"`
	Log            LogConfig       `yaml:"log"`
}

// Features gate initialisation of each channel class.
type Features struct {
	Analog         bool `yaml:"use_ai"`
	Digital        bool `yaml:"use_io"`
	Events         bool `yaml:"use_ev"`
	OneWire        bool `yaml:"use_1w"`
	Relays         bool `yaml:"use_ro"`
	OpenCollectors bool `yaml:"use_oc"`
	LED            bool `yaml:"use_ld"`
}

// Schedule holds the two acquisition periods in whole seconds.
type Schedule struct {
	PollSeconds int `yaml:"poll_seconds"`
	MeanSeconds int `yaml:"mean_seconds"`
}

func (s Schedule) PollPeriod() time.Duration { return time.Duration(s.PollSeconds) * time.Second }
func (s Schedule) MeanPeriod() time.Duration { return time.Duration(s.MeanSeconds) * time.Second }

type GPIOConfig struct {
	Chip       string `yaml:"chip"`
	DebounceMs int    `yaml:"debounce_ms"`
	Edge       string `yaml:"edge"` // rising | falling | both
}

func (g GPIOConfig) Debounce() time.Duration { return time.Duration(g.DebounceMs) * time.Millisecond }

type ADCConfig struct {
	Device  string `yaml:"device"`
	SpeedHz int64  `yaml:"speed_hz"`
}

type OneWireConfig struct {
	Root   string `yaml:"root"`
	Family string `yaml:"family"`
}

type DigitalInput struct {
	ID      int    `yaml:"id"`
	Name    string `yaml:"name"`
	Pin     int    `yaml:"pin"`
	Reverse bool   `yaml:"reverse"`
}

type Output struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
	Pin  int    `yaml:"pin"`
}

type AnalogInput struct {
	ID    int     `yaml:"id"`
	Name  string  `yaml:"name"`
	Index int     `yaml:"index"`
	Range string  `yaml:"range"`
	Scale float64 `yaml:"scale"` // overrides Range when non-zero
}

// Factor returns the conversion factor for the channel.
func (a AnalogInput) Factor() float64 {
	if a.Scale != 0 {
		return a.Scale
	}
	switch a.Range {
	case Range3V:
		return Scale3V
	default:
		return Scale30V
	}
}

type OneWireSensor struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
	Code string `yaml:"code"` // empty = auto-discover
}

// Alarm is a threshold band on one series. Nil bounds are not checked.
type Alarm struct {
	Series string   `yaml:"series"`
	Min    *float64 `yaml:"min"`
	Max    *float64 `yaml:"max"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	BufferSize  int    `yaml:"buffer_size"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path over Default() and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader is Load for an already opened source.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs multiErr

	if strings.TrimSpace(c.Station) == "" {
		errs.add("station is required")
	}

	/* Schedule */
	if c.Schedule.PollSeconds <= 0 {
		errs.add("schedule.poll_seconds must be > 0")
	}
	if c.Schedule.MeanSeconds <= 0 {
		errs.add("schedule.mean_seconds must be > 0")
	}

	/* GPIO */
	switch strings.ToLower(c.GPIO.Edge) {
	case "rising", "falling", "both":
	default:
		errs.addf("gpio.edge must be rising, falling or both (got %q)", c.GPIO.Edge)
	}
	if c.GPIO.DebounceMs < 0 {
		errs.add("gpio.debounce_ms cannot be negative")
	}

	/* Channels */
	pins := map[int]string{}
	claimPin := func(pin int, who string) {
		if pin < 0 {
			errs.addf("%s: pin must be >= 0", who)
			return
		}
		if other, ok := pins[pin]; ok {
			errs.addf("%s: pin %d already used by %s", who, pin, other)
			return
		}
		pins[pin] = who
	}

	ids := map[int]bool{}
	for i, d := range c.DigitalInputs {
		who := fmt.Sprintf("digital_inputs[%d]", i)
		checkID(&errs, ids, d.ID, who)
		claimPin(d.Pin, who)
	}
	ids = map[int]bool{}
	for i, o := range c.Relays {
		who := fmt.Sprintf("relays[%d]", i)
		checkID(&errs, ids, o.ID, who)
		claimPin(o.Pin, who)
	}
	ids = map[int]bool{}
	for i, o := range c.OpenCollectors {
		who := fmt.Sprintf("open_collectors[%d]", i)
		checkID(&errs, ids, o.ID, who)
		claimPin(o.Pin, who)
	}
	if c.Features.LED {
		claimPin(c.LED.Pin, "led")
	}

	ids = map[int]bool{}
	idx := map[int]bool{}
	for i, a := range c.AnalogInputs {
		who := fmt.Sprintf("analog_inputs[%d]", i)
		checkID(&errs, ids, a.ID, who)
		if a.Index < 0 || a.Index > 3 {
			errs.addf("%s: index must be 0..3", who)
		} else if idx[a.Index] {
			errs.addf("%s: duplicate index %d", who, a.Index)
		}
		idx[a.Index] = true
		if a.Scale == 0 && a.Range != Range30V && a.Range != Range3V {
			errs.addf("%s: range must be %s or %s when scale is unset", who, Range30V, Range3V)
		}
		if a.Scale < 0 {
			errs.addf("%s: scale cannot be negative", who)
		}
	}
	if len(c.AnalogInputs) > 4 {
		errs.add("analog_inputs: at most 4 channels")
	}

	ids = map[int]bool{}
	for i, s := range c.OneWireSensors {
		checkID(&errs, ids, s.ID, fmt.Sprintf("one_wire[%d]", i))
	}
	if c.Features.OneWire && len(c.OneWireSensors) == 0 {
		errs.add("one_wire: at least one sensor is required when use_1w is set")
	}
	if c.Features.Events && !c.Features.Digital {
		errs.add("features: use_ev requires use_io")
	}

	for i, a := range c.Alarms {
		if strings.TrimSpace(a.Series) == "" {
			errs.addf("alarms[%d]: series is required", i)
		}
		if a.Min == nil && a.Max == nil {
			errs.addf("alarms[%d/%s]: min or max is required", i, a.Series)
		}
		if a.Min != nil && a.Max != nil && *a.Min > *a.Max {
			errs.addf("alarms[%d/%s]: min greater than max", i, a.Series)
		}
	}

	if c.MQTT.BufferSize < 0 {
		errs.add("mqtt.buffer_size cannot be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkID(errs *multiErr, seen map[int]bool, id int, who string) {
	if id <= 0 {
		errs.addf("%s: id must be > 0", who)
		return
	}
	if seen[id] {
		errs.addf("%s: duplicate id %d", who, id)
	}
	seen[id] = true
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
