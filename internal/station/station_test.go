package station

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/iono-daq/internal/adc"
	"github.com/sweeney/iono-daq/internal/alarm"
	"github.com/sweeney/iono-daq/internal/channel"
	"github.com/sweeney/iono-daq/internal/config"
	"github.com/sweeney/iono-daq/internal/gpio"
	"github.com/sweeney/iono-daq/internal/metrics"
	"github.com/sweeney/iono-daq/internal/mqtt"
	"github.com/sweeney/iono-daq/internal/onewire"
	"github.com/sweeney/iono-daq/internal/status"
	"github.com/sweeney/iono-daq/internal/store"
)

const sensorCode = "28-0000075e0152"

func slave(milli string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(
		"72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n" +
			"72 01 4b 46 7f ff 0e 10 57 t=" + milli + "\n")}
}

// memStore keeps rows in memory.
type memStore struct {
	samples  []store.Row
	means    []store.Row
	writeErr error
}

func (m *memStore) WriteSamples(r store.Row) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.samples = append(m.samples, r)
	return nil
}

func (m *memStore) WriteMeans(r store.Row) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.means = append(m.means, r)
	return nil
}

type rig struct {
	st      *Station
	reg     *channel.Registry
	bus     *gpio.FakeBus
	conn    *adc.FakeConn
	w1      fstest.MapFS
	store   *memStore
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	prom    *prometheus.Registry
}

func newRig(t *testing.T, features config.Features, alarms []config.Alarm) *rig {
	t.Helper()
	cfg := config.Default()
	cfg.Features = features
	r := &rig{
		bus:     gpio.NewFakeBus(),
		conn:    adc.NewFakeConn(),
		w1:      fstest.MapFS{sensorCode + "/w1_slave": slave("23125")},
		store:   &memStore{},
		pub:     mqtt.NewFakePublisher(),
		tracker: status.NewTracker(time.Now(), status.Config{Station: "test"}),
		prom:    prometheus.NewRegistry(),
	}
	reg, err := channel.New(channel.FromConfig(cfg), channel.Hardware{
		Bus:     r.bus,
		ADC:     adc.NewConverter(r.conn, nil),
		OneWire: onewire.NewBusFS(r.w1, "28"),
	})
	if err != nil {
		t.Fatalf("channel.New: %v", err)
	}
	if err := reg.Setup(features); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	r.reg = reg

	st, err := New(Deps{
		Channels:  reg,
		Store:     r.store,
		Alarms:    alarm.New(alarms),
		Publisher: r.pub,
		Tracker:   r.tracker,
		Metrics:   metrics.New(r.prom),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.st = st
	return r
}

func (r *rig) gather(t *testing.T) map[string]float64 {
	t.Helper()
	mfs, err := r.prom.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "," + lp.GetName() + "=" + lp.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

var at = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func allFeatures() config.Features { return config.Default().Features }

func TestNewRequiresChannels(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error without channels")
	}
}

func TestColumnsFollowEnabledClasses(t *testing.T) {
	r := newRig(t, allFeatures(), nil)
	want := "ai1,ai2,ai3,ai4,di1,di2,di3,di4,di5,di6,1w1"
	if got := strings.Join(r.st.Columns(), ","); got != want {
		t.Errorf("columns: got %s, want %s", got, want)
	}

	f := allFeatures()
	f.Analog = false
	f.OneWire = false
	r = newRig(t, f, nil)
	if got := strings.Join(r.st.Columns(), ","); got != "di1,di2,di3,di4,di5,di6" {
		t.Errorf("digital only columns: %s", got)
	}
}

func TestPollRecordsEveryClass(t *testing.T) {
	r := newRig(t, allFeatures(), nil)
	r.conn.SetRaw(0, 2578)
	r.bus.SetLevel(16, gpio.High)

	if err := r.st.Poll(context.Background(), at); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(r.store.samples) != 1 {
		t.Fatalf("expected 1 sample row, got %d", len(r.store.samples))
	}
	row := r.store.samples[0]
	if !row.Time.Equal(at) {
		t.Errorf("row time: %v", row.Time)
	}
	vals := map[string]float64{}
	for i, c := range row.Columns {
		vals[c] = row.Values[i]
	}
	if !near(vals["ai1"], 2578*config.Scale30V) {
		t.Errorf("ai1: got %v", vals["ai1"])
	}
	if vals["di1"] != 1 || vals["di2"] != 0 {
		t.Errorf("digital: di1=%v di2=%v", vals["di1"], vals["di2"])
	}
	if !near(vals["1w1"], 23.125) {
		t.Errorf("1w1: got %v", vals["1w1"])
	}

	if len(r.pub.Samples) != 1 {
		t.Fatalf("expected 1 published sample, got %d", len(r.pub.Samples))
	}
	s := r.pub.Samples[0]
	if len(s.Analog) != 4 || len(s.Digital) != 6 || len(s.OneWire) != 1 {
		t.Errorf("sample sizes: %d/%d/%d", len(s.Analog), len(s.Digital), len(s.OneWire))
	}

	snap := r.tracker.Snapshot()
	if !snap.Ready || snap.Counts.Polls != 1 || !snap.LastPoll.Equal(at) {
		t.Errorf("tracker: ready=%v polls=%d last=%v", snap.Ready, snap.Counts.Polls, snap.LastPoll)
	}
	if !near(snap.Channels.AnalogInputs[0].Value, 2578*config.Scale30V) {
		t.Errorf("tracker channels not refreshed: %+v", snap.Channels.AnalogInputs[0])
	}

	got := r.gather(t)
	if got["iono_cycles_total,action=poll,result=success"] != 1 {
		t.Errorf("poll cycle not counted: %v", got)
	}
	if got["iono_digital_input,input=DI1"] != 1 {
		t.Errorf("digital gauge: %v", got["iono_digital_input,input=DI1"])
	}
	if !near(got["iono_temperature_celsius,sensor=T1"], 23.125) {
		t.Errorf("temperature gauge: %v", got["iono_temperature_celsius,sensor=T1"])
	}
	if got["iono_last_poll_timestamp_seconds"] != float64(at.Unix()) {
		t.Errorf("last poll gauge: %v", got["iono_last_poll_timestamp_seconds"])
	}
}

func TestStoreAveragesWindow(t *testing.T) {
	r := newRig(t, allFeatures(), nil)
	ctx := context.Background()

	r.conn.SetRaw(0, 1000)
	if err := r.st.Poll(ctx, at); err != nil {
		t.Fatal(err)
	}
	r.conn.SetRaw(0, 3000)
	r.w1[sensorCode+"/w1_slave"] = slave("25125")
	if err := r.st.Poll(ctx, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	end := at.Add(10 * time.Minute)
	if err := r.st.Store(ctx, end); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(r.store.means) != 1 {
		t.Fatalf("expected 1 means row, got %d", len(r.store.means))
	}
	row := r.store.means[0]
	if got := strings.Join(row.Columns, ","); got != "ai1,ai2,ai3,ai4,1w1" {
		t.Errorf("means columns: %s", got)
	}
	if !near(row.Values[0], 2000*config.Scale30V) {
		t.Errorf("ai1 mean: %v", row.Values[0])
	}
	if !near(row.Values[4], 24.125) {
		t.Errorf("1w1 mean: %v", row.Values[4])
	}

	if len(r.pub.Means) != 1 || !r.pub.Means[0].Time.Equal(end) {
		t.Fatalf("means not published: %+v", r.pub.Means)
	}
	if m := r.pub.Means[0].Means[0]; m.Key != "ai1" || m.Count != 2 {
		t.Errorf("published mean: %+v", m)
	}
	if snap := r.tracker.Snapshot(); snap.Counts.Stores != 1 || !snap.LastStore.Equal(end) {
		t.Errorf("tracker store: %+v", snap.Counts)
	}

	// empty window
	if err := r.st.Store(ctx, end.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if v := r.store.means[1].Values[0]; !math.IsNaN(v) {
		t.Errorf("empty window should average to NaN, got %v", v)
	}
}

func TestFailedReadsAreSkippedInMeans(t *testing.T) {
	r := newRig(t, allFeatures(), nil)
	ctx := context.Background()

	r.conn.SetRaw(0, 1000)
	if err := r.st.Poll(ctx, at); err != nil {
		t.Fatal(err)
	}
	r.conn.Err = errors.New("spi gone")
	if err := r.st.Poll(ctx, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if v := r.store.samples[1].Values[0]; !math.IsNaN(v) {
		t.Errorf("failed read should be NaN, got %v", v)
	}
	if err := r.st.Store(ctx, at.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if v := r.store.means[0].Values[0]; !near(v, 1000*config.Scale30V) {
		t.Errorf("mean should skip NaN, got %v", v)
	}
	if got := r.gather(t); got["iono_read_errors_total,class=analog"] != 4 {
		t.Errorf("read errors: %v", got["iono_read_errors_total,class=analog"])
	}
}

func TestAlarmTransitions(t *testing.T) {
	limit := 24.0
	r := newRig(t, allFeatures(), []config.Alarm{{Series: "1w1", Max: &limit}})
	ctx := context.Background()

	r.w1[sensorCode+"/w1_slave"] = slave("25000")
	if err := r.st.Poll(ctx, at); err != nil {
		t.Fatal(err)
	}
	if len(r.pub.Alarms) != 1 || r.pub.Alarms[0].Kind != alarm.Raised || r.pub.Alarms[0].Bound != alarm.Above {
		t.Fatalf("expected raise, got %+v", r.pub.Alarms)
	}
	if b := r.tracker.Snapshot().ActiveAlarms["1w1"]; b != string(alarm.Above) {
		t.Errorf("active alarm: %q", b)
	}

	// still high: no new transition
	if err := r.st.Poll(ctx, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if len(r.pub.Alarms) != 1 {
		t.Fatalf("repeated violation should not re-raise: %+v", r.pub.Alarms)
	}

	r.w1[sensorCode+"/w1_slave"] = slave("21000")
	if err := r.st.Poll(ctx, at.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if len(r.pub.Alarms) != 2 || r.pub.Alarms[1].Kind != alarm.Cleared {
		t.Fatalf("expected clear, got %+v", r.pub.Alarms)
	}
	snap := r.tracker.Snapshot()
	if len(snap.ActiveAlarms) != 0 || snap.Counts.Alarms != 2 {
		t.Errorf("tracker alarms: active=%v count=%d", snap.ActiveAlarms, snap.Counts.Alarms)
	}
	got := r.gather(t)
	if got["iono_alarm_transitions_total,kind=RAISED,series=1w1"] != 1 || got["iono_alarm_transitions_total,kind=CLEARED,series=1w1"] != 1 {
		t.Errorf("alarm counters: %v", got)
	}
}

func TestPublishFailureDoesNotFailCycle(t *testing.T) {
	r := newRig(t, allFeatures(), nil)
	r.pub.PublishError = errors.New("broker down")
	ctx := context.Background()

	if err := r.st.Poll(ctx, at); err != nil {
		t.Errorf("Poll: %v", err)
	}
	if err := r.st.Store(ctx, at.Add(time.Minute)); err != nil {
		t.Errorf("Store: %v", err)
	}
	if got := r.gather(t); got["iono_publish_errors_total"] != 2 {
		t.Errorf("publish errors: %v", got["iono_publish_errors_total"])
	}
	if len(r.store.samples) != 1 || len(r.store.means) != 1 {
		t.Errorf("rows should still be written: %d/%d", len(r.store.samples), len(r.store.means))
	}
}

func TestWriteFailureIsReported(t *testing.T) {
	r := newRig(t, allFeatures(), nil)
	r.store.writeErr = errors.New("disk full")
	ctx := context.Background()

	if err := r.st.Poll(ctx, at); err == nil {
		t.Error("Poll should report the write failure")
	}
	if len(r.pub.Samples) != 1 {
		t.Errorf("sample should still be published")
	}
	if err := r.st.Store(ctx, at.Add(time.Minute)); err == nil {
		t.Error("Store should report the write failure")
	}
	if len(r.pub.Means) != 0 {
		t.Errorf("means should not be published after a failed write")
	}
	snap := r.tracker.Snapshot()
	if snap.Counts.PollErrors != 1 || snap.Counts.StoreErrors != 1 {
		t.Errorf("tracker errors: %+v", snap.Counts)
	}
}

func TestStoreWithoutNumericSeries(t *testing.T) {
	f := allFeatures()
	f.Analog = false
	f.OneWire = false
	r := newRig(t, f, nil)

	if err := r.st.Store(context.Background(), at); err != nil {
		t.Fatal(err)
	}
	if len(r.store.means) != 0 || len(r.pub.Means) != 0 {
		t.Errorf("nothing to average, got %d rows", len(r.store.means))
	}
}

func TestPollWritesCSV(t *testing.T) {
	dir := t.TempDir()
	csv, err := store.NewCSV(dir, "arpa01")
	if err != nil {
		t.Fatal(err)
	}
	f := allFeatures()
	f.Digital = false
	f.Events = false
	r := newRig(t, f, nil)
	st, err := New(Deps{Channels: r.reg, Store: csv})
	if err != nil {
		t.Fatal(err)
	}
	r.conn.SetRaw(0, 2578)

	if err := st.Poll(context.Background(), at); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "arpa01_samples_20260501.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || lines[0] != "time,ai1,ai2,ai3,ai4,1w1" {
		t.Errorf("csv: %q", data)
	}
	if !strings.HasPrefix(lines[1], "2026-05-01T08:00:00Z,18.86838") || !strings.HasSuffix(lines[1], ",0,0,0,23.125") {
		t.Errorf("row: %q", lines[1])
	}
}
