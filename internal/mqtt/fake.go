package mqtt

import (
	"sync"

	"github.com/sweeney/iono-daq/internal/alarm"
	"github.com/sweeney/iono-daq/internal/channel"
)

// FakePublisher records published messages for test assertions. It is safe
// for concurrent use; read the fields once the code under test is done.
type FakePublisher struct {
	mu sync.Mutex

	// Events contains all input events that were published.
	Events []channel.Event

	// Samples, Means and Alarms contain the published data messages.
	Samples []Sample
	Means   []MeanSet
	Alarms  []alarm.Transition

	// Payloads contains the JSON payloads of every data message, in order.
	Payloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, will be returned by every data publish.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (f *FakePublisher) record(payload []byte, err error, add func()) error {
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	add()
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishEvent records the input event.
func (f *FakePublisher) PublishEvent(event channel.Event) error {
	payload, err := FormatEventPayload(event)
	return f.record(payload, err, func() { f.Events = append(f.Events, event) })
}

// PublishSample records the poll sample.
func (f *FakePublisher) PublishSample(sample Sample) error {
	payload, err := FormatSamplePayload(sample)
	return f.record(payload, err, func() { f.Samples = append(f.Samples, sample) })
}

// PublishMeans records the window means.
func (f *FakePublisher) PublishMeans(means MeanSet) error {
	payload, err := FormatMeansPayload(means)
	return f.record(payload, err, func() { f.Means = append(f.Means, means) })
}

// PublishAlarm records the alarm transition.
func (f *FakePublisher) PublishAlarm(tr alarm.Transition) error {
	payload, err := FormatAlarmPayload(tr)
	return f.record(payload, err, func() { f.Alarms = append(f.Alarms, tr) })
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	f.SystemEvents = append(f.SystemEvents, event)

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemPayloads = append(f.SystemPayloads, payload)

	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// EventCount returns the number of recorded input events.
func (f *FakePublisher) EventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Events)
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = nil
	f.Samples = nil
	f.Means = nil
	f.Alarms = nil
	f.Payloads = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
