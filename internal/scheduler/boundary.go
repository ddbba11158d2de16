package scheduler

import "time"

// Boundary detects wall-clock multiples of a period. It tracks the index of
// the last multiple reached, floor(unix/period), and reports a hit whenever
// that index increases. This avoids comparing a ratio with its floor in
// floating point and fires exactly once per boundary even when several ticks
// land in the same second.
type Boundary struct {
	period  int64 // seconds
	window  time.Duration
	last    int64
	started bool
}

// NewBoundary returns a Boundary for period, truncated to whole seconds.
// window is how far past a multiple the first observation may land and still
// count as reaching it; zero or less means DefaultTick.
func NewBoundary(period, window time.Duration) *Boundary {
	p := int64(period / time.Second)
	if p < 1 {
		p = 1
	}
	if window <= 0 {
		window = DefaultTick
	}
	return &Boundary{period: p, window: window}
}

// Period returns the boundary period.
func (b *Boundary) Period() time.Duration {
	return time.Duration(b.period) * time.Second
}

// Hit reports whether t has reached a boundary not yet reported. The first
// observation only hits when t lies less than the window past a multiple of
// the period; later observations hit whenever the multiple index advanced,
// so a boundary missed by a slow tick fires late exactly once.
func (b *Boundary) Hit(t time.Time) bool {
	n := floorDiv(t.Unix(), b.period)
	if !b.started {
		b.started = true
		b.last = n
		return t.Sub(time.Unix(n*b.period, 0)) < b.window
	}
	if n <= b.last {
		return false
	}
	b.last = n
	return true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
