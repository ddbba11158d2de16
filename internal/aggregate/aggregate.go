// Package aggregate accumulates poll samples per series and reduces them to
// means when a store window closes.
package aggregate

import (
	"math"
	"sync"
)

// Mean is the reduction of one series over a window.
type Mean struct {
	Key   string
	Value float64 // NaN when the window held no valid samples
	Count int
}

type series struct {
	sum   float64
	count int
}

// Accumulator collects samples between two store boundaries. Series keep the
// order in which they were first seen so rows line up with CSV headers.
type Accumulator struct {
	mu     sync.Mutex
	order  []string
	series map[string]*series
}

// New creates an Accumulator with keys pre-registered in order.
func New(keys ...string) *Accumulator {
	a := &Accumulator{series: make(map[string]*series)}
	for _, k := range keys {
		a.register(k)
	}
	return a
}

func (a *Accumulator) register(key string) *series {
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
		a.order = append(a.order, key)
	}
	return s
}

// Append adds v to the series key. NaN and infinities are skipped so a failed
// read never poisons the mean.
func (a *Accumulator) Append(key string, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.register(key)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	s.sum += v
	s.count++
}

// Keys returns the series keys in order.
func (a *Accumulator) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

// Flush returns the mean of every series and starts a new window. Series are
// kept registered so the next window reports them even when empty.
func (a *Accumulator) Flush() []Mean {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Mean, 0, len(a.order))
	for _, k := range a.order {
		s := a.series[k]
		m := Mean{Key: k, Value: math.NaN(), Count: s.count}
		if s.count > 0 {
			m.Value = s.sum / float64(s.count)
		}
		out = append(out, m)
		*s = series{}
	}
	return out
}
