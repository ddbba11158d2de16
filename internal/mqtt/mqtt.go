// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/iono-daq/internal/aggregate"
	"github.com/sweeney/iono-daq/internal/alarm"
	"github.com/sweeney/iono-daq/internal/channel"
)

// Topic kinds, published under <prefix>/<station>/.
const (
	KindEvents  = "events"
	KindSamples = "samples"
	KindMeans   = "means"
	KindAlarms  = "alarms"
	KindSystem  = "system"
)

// Topic builds the topic for kind.
func Topic(prefix, station, kind string) string {
	parts := make([]string, 0, 3)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, station, kind)
	return strings.Join(parts, "/")
}

// Publisher publishes acquisition data to MQTT.
type Publisher interface {
	// PublishEvent sends a digital input event.
	// Returns error if publishing fails (should not crash the process).
	PublishEvent(event channel.Event) error

	// PublishSample sends the readings of one poll cycle.
	PublishSample(sample Sample) error

	// PublishMeans sends the means of one store window.
	PublishMeans(means MeanSet) error

	// PublishAlarm sends an alarm transition.
	PublishAlarm(tr alarm.Transition) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "RECONNECTED", "OFFLINE"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Sample is the result of one poll cycle.
type Sample struct {
	Time    time.Time
	Analog  []channel.AnalogInput
	Digital []channel.DigitalInput
	OneWire []channel.OneWireSensor
}

// MeanSet is the result of one store window.
type MeanSet struct {
	Time  time.Time
	Means []aggregate.Mean
}

// Number is a float that encodes NaN and infinities as JSON null.
type Number float64

func (n Number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'f', -1, 64), nil
}

// EventPayload represents the MQTT message payload for input events.
type EventPayload struct {
	Input InputEvent `json:"input"`
}

// InputEvent contains the input event details.
type InputEvent struct {
	Timestamp string `json:"timestamp"`
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Pin       int    `json:"pin"`
	Level     string `json:"level"`
}

// FormatEventPayload creates the JSON payload for an input event.
func FormatEventPayload(event channel.Event) ([]byte, error) {
	return json.Marshal(EventPayload{
		Input: InputEvent{
			Timestamp: event.Time.UTC().Format(time.RFC3339),
			ID:        event.ID,
			Name:      event.Name,
			Pin:       event.Pin,
			Level:     event.Level.String(),
		},
	})
}

// SamplePayload represents the MQTT message payload for a poll cycle.
type SamplePayload struct {
	Sample SampleInner `json:"sample"`
}

// SampleInner contains the readings of one poll.
type SampleInner struct {
	Timestamp string         `json:"timestamp"`
	Analog    []AnalogValue  `json:"analog,omitempty"`
	Digital   []DigitalValue `json:"digital,omitempty"`
	OneWire   []OneWireValue `json:"onewire,omitempty"`
}

type AnalogValue struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Value Number `json:"value"`
}

type DigitalValue struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Level string `json:"level"`
}

type OneWireValue struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Code  string `json:"code,omitempty"`
	Value Number `json:"value"`
}

// FormatSamplePayload creates the JSON payload for a poll cycle.
func FormatSamplePayload(s Sample) ([]byte, error) {
	inner := SampleInner{Timestamp: s.Time.UTC().Format(time.RFC3339)}
	for _, a := range s.Analog {
		inner.Analog = append(inner.Analog, AnalogValue{ID: a.ID, Name: a.Name, Value: Number(a.Value)})
	}
	for _, d := range s.Digital {
		inner.Digital = append(inner.Digital, DigitalValue{ID: d.ID, Name: d.Name, Level: d.Status.String()})
	}
	for _, o := range s.OneWire {
		inner.OneWire = append(inner.OneWire, OneWireValue{ID: o.ID, Name: o.Name, Code: o.Code, Value: Number(o.Value)})
	}
	return json.Marshal(SamplePayload{Sample: inner})
}

// MeansPayload represents the MQTT message payload for a store window.
type MeansPayload struct {
	Means MeansInner `json:"means"`
}

type MeansInner struct {
	Timestamp string      `json:"timestamp"`
	Series    []MeanValue `json:"series"`
}

type MeanValue struct {
	Series string `json:"series"`
	Value  Number `json:"value"`
	Count  int    `json:"count"`
}

// FormatMeansPayload creates the JSON payload for a store window.
func FormatMeansPayload(m MeanSet) ([]byte, error) {
	inner := MeansInner{
		Timestamp: m.Time.UTC().Format(time.RFC3339),
		Series:    make([]MeanValue, 0, len(m.Means)),
	}
	for _, mean := range m.Means {
		inner.Series = append(inner.Series, MeanValue{Series: mean.Key, Value: Number(mean.Value), Count: mean.Count})
	}
	return json.Marshal(MeansPayload{Means: inner})
}

// AlarmPayload represents the MQTT message payload for an alarm transition.
type AlarmPayload struct {
	Alarm AlarmInner `json:"alarm"`
}

type AlarmInner struct {
	Timestamp string `json:"timestamp"`
	Series    string `json:"series"`
	Event     string `json:"event"`
	Bound     string `json:"bound"`
	Value     Number `json:"value"`
	Limit     Number `json:"limit"`
}

// FormatAlarmPayload creates the JSON payload for an alarm transition.
func FormatAlarmPayload(tr alarm.Transition) ([]byte, error) {
	return json.Marshal(AlarmPayload{
		Alarm: AlarmInner{
			Timestamp: tr.Time.UTC().Format(time.RFC3339),
			Series:    tr.Series,
			Event:     string(tr.Kind),
			Bound:     string(tr.Bound),
			Value:     Number(tr.Value),
			Limit:     Number(tr.Limit),
		},
	})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
