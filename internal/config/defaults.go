package config

// Default returns the Iono Pi board layout with every feature enabled.
// Pins use BCM numbering on gpiochip0.
func Default() *Config {
	return &Config{
		Station: "iono",
		Features: Features{
			Analog:         true,
			Digital:        true,
			Events:         true,
			OneWire:        true,
			Relays:         true,
			OpenCollectors: true,
			LED:            true,
		},
		Schedule: Schedule{PollSeconds: 60, MeanSeconds: 600},
		GPIO:     GPIOConfig{Chip: "gpiochip0", DebounceMs: 500, Edge: "rising"},
		ADC:      ADCConfig{Device: "/dev/spidev0.0", SpeedHz: 50000},
		OneWire:  OneWireConfig{Root: "/sys/bus/w1/devices", Family: "28"},
		DigitalInputs: []DigitalInput{
			{ID: 1, Name: "DI1", Pin: 16},
			{ID: 2, Name: "DI2", Pin: 19},
			{ID: 3, Name: "DI3", Pin: 20},
			{ID: 4, Name: "DI4", Pin: 21},
			{ID: 5, Name: "DI5", Pin: 26},
			{ID: 6, Name: "DI6", Pin: 4},
		},
		Relays: []Output{
			{ID: 1, Name: "O1", Pin: 17},
			{ID: 2, Name: "O2", Pin: 27},
			{ID: 3, Name: "O3", Pin: 22},
			{ID: 4, Name: "O4", Pin: 23},
		},
		OpenCollectors: []Output{
			{ID: 1, Name: "OC1", Pin: 18},
			{ID: 2, Name: "OC2", Pin: 25},
			{ID: 3, Name: "OC3", Pin: 24},
		},
		LED: Output{ID: 1, Name: "LED", Pin: 7},
		AnalogInputs: []AnalogInput{
			{ID: 1, Name: "AI1", Index: 0, Range: Range30V},
			{ID: 2, Name: "AI2", Index: 1, Range: Range30V},
			{ID: 3, Name: "AI3", Index: 2, Range: Range3V},
			{ID: 4, Name: "AI4", Index: 3, Range: Range3V},
		},
		OneWireSensors: []OneWireSensor{
			{ID: 1, Name: "T1"},
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "iono-daq",
			TopicPrefix: "iono",
			BufferSize:  1000,
		},
		HTTP:    HTTPConfig{Addr: ":8080"},
		DataDir: "data",
		Log:     LogConfig{Level: "info"},
	}
}
