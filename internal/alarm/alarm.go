// Package alarm checks poll values against threshold bands and reports when a
// series enters or leaves its alarm state.
package alarm

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/iono-daq/internal/config"
)

// Kind says whether an alarm started or ended.
type Kind string

const (
	Raised  Kind = "RAISED"
	Cleared Kind = "CLEARED"
)

// Bound names the violated side of a band.
type Bound string

const (
	Below Bound = "MIN"
	Above Bound = "MAX"
)

// Transition is one change of alarm state.
type Transition struct {
	Series string
	Kind   Kind
	Bound  Bound
	Value  float64
	Limit  float64
	Time   time.Time
}

// Evaluator holds the rules and the current state of every series.
type Evaluator struct {
	mu     sync.Mutex
	rules  map[string]config.Alarm
	active map[string]Bound
}

// New creates an Evaluator. A later rule for the same series replaces an
// earlier one.
func New(rules []config.Alarm) *Evaluator {
	e := &Evaluator{
		rules:  make(map[string]config.Alarm),
		active: make(map[string]Bound),
	}
	for _, r := range rules {
		e.rules[r.Series] = r
	}
	return e
}

// Series returns the watched series, sorted.
func (e *Evaluator) Series() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.rules))
	for k := range e.rules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Evaluate checks values at t and returns the transitions, ordered by
// series. Series without a rule are ignored; NaN leaves the state unchanged.
func (e *Evaluator) Evaluate(t time.Time, values map[string]float64) []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, 0, len(values))
	for k := range values {
		if _, ok := e.rules[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []Transition
	for _, k := range keys {
		v := values[k]
		if math.IsNaN(v) {
			continue
		}
		rule := e.rules[k]
		next, limit := check(rule, v)
		prev := e.active[k]
		if next == prev {
			continue
		}
		if prev != "" {
			out = append(out, Transition{Series: k, Kind: Cleared, Bound: prev, Value: v, Limit: limitOf(rule, prev), Time: t})
			delete(e.active, k)
		}
		if next != "" {
			out = append(out, Transition{Series: k, Kind: Raised, Bound: next, Value: v, Limit: limit, Time: t})
			e.active[k] = next
		}
	}
	return out
}

// Active returns the series currently in alarm and the violated bound.
func (e *Evaluator) Active() map[string]Bound {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Bound, len(e.active))
	for k, b := range e.active {
		out[k] = b
	}
	return out
}

func check(r config.Alarm, v float64) (Bound, float64) {
	if r.Min != nil && v < *r.Min {
		return Below, *r.Min
	}
	if r.Max != nil && v > *r.Max {
		return Above, *r.Max
	}
	return "", 0
}

func limitOf(r config.Alarm, b Bound) float64 {
	switch {
	case b == Below && r.Min != nil:
		return *r.Min
	case b == Above && r.Max != nil:
		return *r.Max
	}
	return math.NaN()
}
