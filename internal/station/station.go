// Package station implements the scheduled cycles of a measuring station: the
// poll cycle reads every enabled channel, records the row and checks alarms;
// the store cycle reduces the window to means.
package station

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sweeney/iono-daq/internal/aggregate"
	"github.com/sweeney/iono-daq/internal/alarm"
	"github.com/sweeney/iono-daq/internal/channel"
	"github.com/sweeney/iono-daq/internal/config"
	"github.com/sweeney/iono-daq/internal/logging"
	"github.com/sweeney/iono-daq/internal/metrics"
	"github.com/sweeney/iono-daq/internal/mqtt"
	"github.com/sweeney/iono-daq/internal/status"
	"github.com/sweeney/iono-daq/internal/store"
)

// Series key prefixes.
const (
	AnalogPrefix  = "ai"
	DigitalPrefix = "di"
	OneWirePrefix = "1w"
)

// Key names the series of channel id in class prefix, e.g. "ai1".
func Key(prefix string, id int) string {
	return prefix + strconv.Itoa(id)
}

// Channels is the registry surface the cycles read.
type Channels interface {
	Enabled() config.Features
	ReadAnalogInputs() []channel.AnalogInput
	ReadDigitalInputs() []channel.DigitalInput
	ReadOneWireInputs() []channel.OneWireSensor
	Snapshot() channel.Snapshot
}

// Store persists rows. store.CSV satisfies it.
type Store interface {
	WriteSamples(store.Row) error
	WriteMeans(store.Row) error
}

// Publisher forwards cycle results. mqtt.Publisher satisfies it.
type Publisher interface {
	PublishSample(mqtt.Sample) error
	PublishMeans(mqtt.MeanSet) error
	PublishAlarm(alarm.Transition) error
}

// Deps are the collaborators of a Station. Channels is required; the rest
// may be nil.
type Deps struct {
	Channels  Channels
	Store     Store
	Alarms    *alarm.Evaluator
	Publisher Publisher
	Tracker   *status.Tracker
	Metrics   *metrics.Metrics
}

// Station runs the poll and store cycles. It satisfies scheduler.Hooks.
type Station struct {
	deps    Deps
	acc     *aggregate.Accumulator
	columns []string // sample row layout
	labels  map[string]string
}

// New fixes the row layout from the classes enabled on d.Channels.
func New(d Deps) (*Station, error) {
	if d.Channels == nil {
		return nil, errors.New("station: nil channels")
	}
	s := &Station{deps: d, labels: map[string]string{}}

	en := d.Channels.Enabled()
	snap := d.Channels.Snapshot()
	var meanKeys []string
	if en.Analog {
		for _, a := range snap.AnalogInputs {
			k := Key(AnalogPrefix, a.ID)
			s.columns = append(s.columns, k)
			s.labels[k] = a.Name
			meanKeys = append(meanKeys, k)
		}
	}
	if en.Digital {
		for _, in := range snap.DigitalInputs {
			k := Key(DigitalPrefix, in.ID)
			s.columns = append(s.columns, k)
			s.labels[k] = in.Name
		}
	}
	if en.OneWire {
		for _, o := range snap.OneWire {
			k := Key(OneWirePrefix, o.ID)
			s.columns = append(s.columns, k)
			s.labels[k] = o.Name
			meanKeys = append(meanKeys, k)
		}
	}
	s.acc = aggregate.New(meanKeys...)

	if d.Alarms != nil {
		for _, series := range d.Alarms.Series() {
			if _, ok := s.labels[series]; !ok {
				logging.Warn("Alarm on a series that is never sampled", "series", series)
			}
		}
	}
	return s, nil
}

// Columns returns the sample row layout.
func (s *Station) Columns() []string {
	return append([]string(nil), s.columns...)
}

// Poll reads every enabled class, appends the numeric series to the window,
// writes the sample row and evaluates alarms. Publishing failures are logged
// and do not fail the cycle.
func (s *Station) Poll(ctx context.Context, t time.Time) (err error) {
	start := time.Now()
	defer func() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveCycle("poll", time.Since(start), err)
			s.deps.Metrics.LastPollUnixTime.Set(float64(t.Unix()))
		}
		if s.deps.Tracker != nil {
			s.deps.Tracker.RecordPoll(t, err)
		}
	}()

	en := s.deps.Channels.Enabled()
	sample := mqtt.Sample{Time: t}
	values := make(map[string]float64, len(s.columns))

	if en.Analog {
		sample.Analog = s.deps.Channels.ReadAnalogInputs()
		for _, a := range sample.Analog {
			k := Key(AnalogPrefix, a.ID)
			values[k] = a.Value
			s.acc.Append(k, a.Value)
			s.observe("analog", a.Value)
			if s.deps.Metrics != nil {
				s.deps.Metrics.AnalogValue.WithLabelValues(a.Name).Set(a.Value)
			}
		}
	}
	if en.Digital {
		sample.Digital = s.deps.Channels.ReadDigitalInputs()
		for _, in := range sample.Digital {
			v := metrics.BoolValue(in.Status.Bool())
			values[Key(DigitalPrefix, in.ID)] = v
			if s.deps.Metrics != nil {
				s.deps.Metrics.DigitalInput.WithLabelValues(in.Name).Set(v)
			}
		}
	}
	if en.OneWire {
		sample.OneWire = s.deps.Channels.ReadOneWireInputs()
		for _, o := range sample.OneWire {
			k := Key(OneWirePrefix, o.ID)
			values[k] = o.Value
			s.acc.Append(k, o.Value)
			s.observe("onewire", o.Value)
			if s.deps.Metrics != nil {
				s.deps.Metrics.Temperature.WithLabelValues(o.Name).Set(o.Value)
			}
		}
	}

	var errs []error
	if s.deps.Store != nil {
		row := store.Row{Time: t, Columns: s.columns, Values: make([]float64, len(s.columns))}
		for i, c := range s.columns {
			v, ok := values[c]
			if !ok {
				v = math.NaN()
			}
			row.Values[i] = v
		}
		if err := s.deps.Store.WriteSamples(row); err != nil {
			errs = append(errs, fmt.Errorf("write samples: %w", err))
		}
	}

	s.evaluateAlarms(t, values)

	if s.deps.Tracker != nil {
		s.deps.Tracker.UpdateChannels(s.deps.Channels.Snapshot())
	}
	if s.deps.Publisher != nil {
		s.publish("sample", s.deps.Publisher.PublishSample(sample))
	}
	return errors.Join(errs...)
}

// Store closes the averaging window: it writes and publishes the mean of
// every numeric series and starts a new window.
func (s *Station) Store(ctx context.Context, t time.Time) (err error) {
	start := time.Now()
	defer func() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveCycle("store", time.Since(start), err)
		}
		if s.deps.Tracker != nil {
			s.deps.Tracker.RecordStore(t, err)
		}
	}()

	means := s.acc.Flush()
	if len(means) == 0 {
		logging.Debug("No numeric series to average")
		return nil
	}
	row := store.Row{Time: t, Columns: make([]string, len(means)), Values: make([]float64, len(means))}
	for i, m := range means {
		row.Columns[i] = m.Key
		row.Values[i] = m.Value
		logging.Debug("Mean", "series", m.Key, "value", m.Value, "samples", m.Count)
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.WriteMeans(row); err != nil {
			return fmt.Errorf("write means: %w", err)
		}
	}
	if s.deps.Publisher != nil {
		s.publish("means", s.deps.Publisher.PublishMeans(mqtt.MeanSet{Time: t, Means: means}))
	}
	return nil
}

func (s *Station) evaluateAlarms(t time.Time, values map[string]float64) {
	if s.deps.Alarms == nil {
		return
	}
	transitions := s.deps.Alarms.Evaluate(t, values)
	for _, tr := range transitions {
		logging.Warn("Alarm "+string(tr.Kind),
			"series", tr.Series, "name", s.labels[tr.Series], "bound", tr.Bound, "value", tr.Value, "limit", tr.Limit)
		if s.deps.Metrics != nil {
			s.deps.Metrics.AlarmsTotal.WithLabelValues(tr.Series, string(tr.Kind)).Inc()
		}
		if s.deps.Publisher != nil {
			s.publish("alarm", s.deps.Publisher.PublishAlarm(tr))
		}
	}
	if s.deps.Tracker != nil {
		active := s.deps.Alarms.Active()
		m := make(map[string]string, len(active))
		for k, b := range active {
			m[k] = string(b)
		}
		s.deps.Tracker.SetAlarms(m, len(transitions))
	}
}

func (s *Station) observe(class string, v float64) {
	if math.IsNaN(v) && s.deps.Metrics != nil {
		s.deps.Metrics.ReadErrorsTotal.WithLabelValues(class).Inc()
	}
}

func (s *Station) publish(what string, err error) {
	if err == nil {
		return
	}
	logging.Warn("Publish failed", "message", what, "error", err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.PublishErrors.Inc()
	}
}
