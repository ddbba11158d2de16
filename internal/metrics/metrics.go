// Package metrics exposes acquisition counters and channel values to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const prefix = "iono_"

// Metrics bundles the daemon collectors.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	ReadErrorsTotal  *prometheus.CounterVec
	AlarmsTotal      *prometheus.CounterVec
	AnalogValue      *prometheus.GaugeVec
	Temperature      *prometheus.GaugeVec
	DigitalInput     *prometheus.GaugeVec
	Output           *prometheus.GaugeVec
	PublishErrors    prometheus.Counter
	MQTTConnected    prometheus.Gauge
	MQTTBacklog      prometheus.Gauge
	MQTTDropped      prometheus.Counter
	LastPollUnixTime prometheus.Gauge

	mu          sync.Mutex
	lastDropped uint64
}

// New constructs the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "input_events_total",
				Help: "Digital input events by input and level",
			},
			[]string{"input", "level"},
		),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "cycles_total",
				Help: "Scheduled cycles by action and result",
			},
			[]string{"action", "result"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "cycle_duration_seconds",
				Help:    "Scheduled cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		ReadErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "read_errors_total",
				Help: "Channel reads that returned no value, by class",
			},
			[]string{"class"},
		),
		AlarmsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "alarm_transitions_total",
				Help: "Alarm transitions by series and kind",
			},
			[]string{"series", "kind"},
		),
		AnalogValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "analog_input_volts",
				Help: "Last analog input reading",
			},
			[]string{"input"},
		),
		Temperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "temperature_celsius",
				Help: "Last one-wire temperature reading",
			},
			[]string{"sensor"},
		),
		DigitalInput: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "digital_input",
				Help: "Last polled digital input level (1 = high)",
			},
			[]string{"input"},
		),
		Output: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "output",
				Help: "Output state (1 = on)",
			},
			[]string{"kind", "output"},
		),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "publish_errors_total",
			Help: "MQTT messages that failed to publish",
		}),
		MQTTConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "mqtt_connected",
			Help: "1 when the MQTT client is connected",
		}),
		MQTTBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "mqtt_backlog_messages",
			Help: "MQTT messages waiting for the broker",
		}),
		MQTTDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "mqtt_dropped_messages_total",
			Help: "MQTT messages evicted from a full backlog",
		}),
		LastPollUnixTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "last_poll_timestamp_seconds",
			Help: "Unix time of the last poll cycle",
		}),
	}
	reg.MustRegister(
		m.EventsTotal,
		m.CyclesTotal,
		m.CycleDuration,
		m.ReadErrorsTotal,
		m.AlarmsTotal,
		m.AnalogValue,
		m.Temperature,
		m.DigitalInput,
		m.Output,
		m.PublishErrors,
		m.MQTTConnected,
		m.MQTTBacklog,
		m.MQTTDropped,
		m.LastPollUnixTime,
	)
	return m
}

// ObserveCycle records one scheduled action.
func (m *Metrics) ObserveCycle(action string, took time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.CyclesTotal.WithLabelValues(action, result).Inc()
	m.CycleDuration.WithLabelValues(action).Observe(took.Seconds())
}

// ObserveBacklog records the publisher backlog. dropped is the publisher's
// running total.
func (m *Metrics) ObserveBacklog(buffered int, dropped uint64) {
	m.MQTTBacklog.Set(float64(buffered))
	m.mu.Lock()
	if dropped > m.lastDropped {
		m.MQTTDropped.Add(float64(dropped - m.lastDropped))
		m.lastDropped = dropped
	}
	m.mu.Unlock()
}

// BoolValue maps a state to a gauge value.
func BoolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
