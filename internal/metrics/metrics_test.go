package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	mfs, err := reg.Gather()
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
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestObserveCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCycle("poll", 20*time.Millisecond, nil)
	m.ObserveCycle("poll", 30*time.Millisecond, errors.New("x"))
	m.ObserveCycle("store", time.Millisecond, nil)

	got := gather(t, reg)
	if got["iono_cycles_total,action=poll,result=success"] != 1 {
		t.Errorf("poll success: %v", got)
	}
	if got["iono_cycles_total,action=poll,result=error"] != 1 {
		t.Errorf("poll error: %v", got)
	}
	if got["iono_cycle_duration_seconds,action=poll"] != 2 {
		t.Errorf("poll observations: %v", got)
	}
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AnalogValue.WithLabelValues("AI1").Set(18.87)
	m.Output.WithLabelValues("relay", "O1").Set(BoolValue(true))
	m.MQTTConnected.Set(BoolValue(false))

	got := gather(t, reg)
	if got["iono_analog_input_volts,input=AI1"] != 18.87 {
		t.Errorf("analog: %v", got)
	}
	if got["iono_output,kind=relay,output=O1"] != 1 {
		t.Errorf("output: %v", got)
	}
	if v, ok := got["iono_mqtt_connected"]; !ok || v != 0 {
		t.Errorf("mqtt_connected: %v", got)
	}
}

func TestNewRegistersOncePerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("registering twice should panic")
		}
	}()
	New(reg)
}

func TestObserveBacklog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveBacklog(10, 0)
	m.ObserveBacklog(1000, 4)
	m.ObserveBacklog(1000, 9)
	m.ObserveBacklog(0, 9)

	got := gather(t, reg)
	if got["iono_mqtt_backlog_messages"] != 0 {
		t.Errorf("backlog: %v", got["iono_mqtt_backlog_messages"])
	}
	if got["iono_mqtt_dropped_messages_total"] != 9 {
		t.Errorf("dropped: %v", got["iono_mqtt_dropped_messages_total"])
	}
}
