// Package status provides a thread-safe status tracker for the iono-daq daemon.
// It is read by the HTTP handlers and the MQTT lifecycle messages.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/iono-daq/internal/channel"
	"github.com/sweeney/iono-daq/internal/config"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Station     string
	PollSeconds int
	MeanSeconds int
	DebounceMs  int
	Edge        string
	Broker      string
	HTTPAddr    string
	DataDir     string
}

// Counts are cumulative since start.
type Counts struct {
	Events      int
	Polls       int
	PollErrors  int
	Stores      int
	StoreErrors int
	Alarms      int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Channels      channel.Snapshot
	Enabled       config.Features
	Ready         bool // first poll completed
	Counts        Counts
	LastPoll      time.Time
	LastStore     time.Time
	ActiveAlarms  map[string]string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// UpdateChannels stores the latest channel copy. The caller must not modify
// ch afterwards.
func (t *Tracker) UpdateChannels(ch channel.Snapshot) {
	t.mu.Lock()
	t.snap.Channels = ch
	t.mu.Unlock()
}

// SetEnabled records which channel classes are active.
func (t *Tracker) SetEnabled(f config.Features) {
	t.mu.Lock()
	t.snap.Enabled = f
	t.mu.Unlock()
}

// RecordEvent counts one digital input event.
func (t *Tracker) RecordEvent() {
	t.mu.Lock()
	t.snap.Counts.Events++
	t.mu.Unlock()
}

// RecordPoll counts a finished poll cycle.
func (t *Tracker) RecordPoll(at time.Time, err error) {
	t.mu.Lock()
	t.snap.Counts.Polls++
	if err != nil {
		t.snap.Counts.PollErrors++
	}
	t.snap.LastPoll = at
	t.snap.Ready = true
	t.mu.Unlock()
}

// RecordStore counts a finished store cycle.
func (t *Tracker) RecordStore(at time.Time, err error) {
	t.mu.Lock()
	t.snap.Counts.Stores++
	if err != nil {
		t.snap.Counts.StoreErrors++
	}
	t.snap.LastStore = at
	t.mu.Unlock()
}

// SetAlarms replaces the active alarm set (series -> violated bound) and adds
// transitions to the alarm count.
func (t *Tracker) SetAlarms(active map[string]string, transitions int) {
	cp := make(map[string]string, len(active))
	for k, v := range active {
		cp[k] = v
	}
	t.mu.Lock()
	t.snap.ActiveAlarms = cp
	t.snap.Counts.Alarms += transitions
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if t.snap.ActiveAlarms != nil {
		s.ActiveAlarms = make(map[string]string, len(t.snap.ActiveAlarms))
		for k, v := range t.snap.ActiveAlarms {
			s.ActiveAlarms[k] = v
		}
	}
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
