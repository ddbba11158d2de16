package status

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string            `json:"event,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Station       string            `json:"station"`
	Ready         bool              `json:"ready"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	StartTime     string            `json:"start_time"`
	Timestamp     string            `json:"timestamp"`
	LastPoll      string            `json:"last_poll,omitempty"`
	LastStore     string            `json:"last_store,omitempty"`
	MQTT          MQTTStatus        `json:"mqtt"`
	Counts        CountsJSON        `json:"counts"`
	Features      FeaturesJSON      `json:"features"`
	Channels      ChannelsJSON      `json:"channels"`
	Alarms        map[string]string `json:"alarms,omitempty"`
	Network       *NetworkJSON      `json:"network,omitempty"`
	Config        ConfigJSON        `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of the cycle and event counters.
type CountsJSON struct {
	Events      int `json:"events"`
	Polls       int `json:"polls"`
	PollErrors  int `json:"poll_errors"`
	Stores      int `json:"stores"`
	StoreErrors int `json:"store_errors"`
	Alarms      int `json:"alarms"`
}

// FeaturesJSON mirrors the configuration toggles of the enabled classes.
type FeaturesJSON struct {
	Analog         bool `json:"use_ai"`
	Digital        bool `json:"use_io"`
	Events         bool `json:"use_ev"`
	OneWire        bool `json:"use_1w"`
	Relays         bool `json:"use_ro"`
	OpenCollectors bool `json:"use_oc"`
	LED            bool `json:"use_ld"`
}

// ChannelsJSON lists every channel.
type ChannelsJSON struct {
	DigitalInputs  []InputJSON   `json:"digital_inputs"`
	Relays         []OutputJSON  `json:"relays"`
	OpenCollectors []OutputJSON  `json:"open_collectors"`
	LED            *OutputJSON   `json:"led,omitempty"`
	AnalogInputs   []AnalogJSON  `json:"analog_inputs"`
	OneWire        []OneWireJSON `json:"one_wire"`
}

type InputJSON struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Pin       int    `json:"pin"`
	Level     string `json:"level"`
	LastEvent string `json:"last_event"`
}

type OutputJSON struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Pin  int    `json:"pin"`
	On   bool   `json:"on"`
}

type AnalogJSON struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Index int    `json:"index"`
	Value number `json:"value"`
}

type OneWireJSON struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Code  string `json:"code"`
	Value number `json:"value"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollSeconds int    `json:"poll_seconds"`
	MeanSeconds int    `json:"mean_seconds"`
	DebounceMs  int    `json:"debounce_ms"`
	Edge        string `json:"edge"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	DataDir     string `json:"data_dir"`
}

// number encodes NaN as null.
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'f', -1, 64), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildChannels(snap Snapshot) ChannelsJSON {
	ch := snap.Channels
	out := ChannelsJSON{
		DigitalInputs:  make([]InputJSON, 0, len(ch.DigitalInputs)),
		Relays:         make([]OutputJSON, 0, len(ch.Relays)),
		OpenCollectors: make([]OutputJSON, 0, len(ch.OpenCollectors)),
		AnalogInputs:   make([]AnalogJSON, 0, len(ch.AnalogInputs)),
		OneWire:        make([]OneWireJSON, 0, len(ch.OneWire)),
	}
	for _, in := range ch.DigitalInputs {
		out.DigitalInputs = append(out.DigitalInputs, InputJSON{
			ID: in.ID, Name: in.Name, Pin: in.Pin, Level: in.Status.String(), LastEvent: in.LastEvent.String(),
		})
	}
	for _, o := range ch.Relays {
		out.Relays = append(out.Relays, OutputJSON{ID: o.ID, Name: o.Name, Pin: o.Pin, On: o.Status})
	}
	for _, o := range ch.OpenCollectors {
		out.OpenCollectors = append(out.OpenCollectors, OutputJSON{ID: o.ID, Name: o.Name, Pin: o.Pin, On: o.Status})
	}
	if ch.LED != nil {
		out.LED = &OutputJSON{ID: ch.LED.ID, Name: ch.LED.Name, Pin: ch.LED.Pin, On: ch.LED.Status}
	}
	for _, a := range ch.AnalogInputs {
		out.AnalogInputs = append(out.AnalogInputs, AnalogJSON{ID: a.ID, Name: a.Name, Index: a.Index, Value: number(a.Value)})
	}
	for _, s := range ch.OneWire {
		out.OneWire = append(out.OneWire, OneWireJSON{ID: s.ID, Name: s.Name, Code: s.Code, Value: number(s.Value)})
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	f := snap.Enabled
	return StatusInner{
		Station:       snap.Config.Station,
		Ready:         snap.Ready,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		LastPoll:      formatTime(snap.LastPoll),
		LastStore:     formatTime(snap.LastStore),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Events:      snap.Counts.Events,
			Polls:       snap.Counts.Polls,
			PollErrors:  snap.Counts.PollErrors,
			Stores:      snap.Counts.Stores,
			StoreErrors: snap.Counts.StoreErrors,
			Alarms:      snap.Counts.Alarms,
		},
		Features: FeaturesJSON{
			Analog: f.Analog, Digital: f.Digital, Events: f.Events, OneWire: f.OneWire,
			Relays: f.Relays, OpenCollectors: f.OpenCollectors, LED: f.LED,
		},
		Channels: buildChannels(snap),
		Alarms:   snap.ActiveAlarms,
		Config: ConfigJSON{
			PollSeconds: snap.Config.PollSeconds,
			MeanSeconds: snap.Config.MeanSeconds,
			DebounceMs:  snap.Config.DebounceMs,
			Edge:        snap.Config.Edge,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			DataDir:     snap.Config.DataDir,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
