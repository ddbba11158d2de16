package aggregate

import (
	"math"
	"testing"
)

func TestFlushComputesMeans(t *testing.T) {
	a := New("ai1", "1w1")
	a.Append("ai1", 10)
	a.Append("ai1", 20)
	a.Append("1w1", 21.5)

	got := a.Flush()
	if len(got) != 2 {
		t.Fatalf("expected 2 means, got %d", len(got))
	}
	if got[0].Key != "ai1" || got[0].Value != 15 || got[0].Count != 2 {
		t.Errorf("ai1: %+v", got[0])
	}
	if got[1].Key != "1w1" || got[1].Value != 21.5 || got[1].Count != 1 {
		t.Errorf("1w1: %+v", got[1])
	}
}

func TestNaNSkipped(t *testing.T) {
	a := New("ai1")
	a.Append("ai1", math.NaN())
	a.Append("ai1", 4)
	a.Append("ai1", math.Inf(1))

	got := a.Flush()
	if got[0].Value != 4 || got[0].Count != 1 {
		t.Errorf("got %+v, want mean 4 over 1 sample", got[0])
	}
}

func TestEmptySeriesIsNaN(t *testing.T) {
	a := New("ai1")
	a.Append("ai1", math.NaN())

	got := a.Flush()
	if !math.IsNaN(got[0].Value) || got[0].Count != 0 {
		t.Errorf("got %+v, want NaN", got[0])
	}
}

func TestFlushResetsWindow(t *testing.T) {
	a := New("ai1")
	a.Append("ai1", 100)
	a.Flush()
	a.Append("ai1", 2)

	got := a.Flush()
	if got[0].Value != 2 {
		t.Errorf("second window: got %v, want 2", got[0].Value)
	}
	got = a.Flush()
	if len(got) != 1 || !math.IsNaN(got[0].Value) {
		t.Errorf("empty window should still report the series: %+v", got)
	}
}

func TestUnknownKeyAppendedInOrder(t *testing.T) {
	a := New("b")
	a.Append("a", 1)
	a.Append("b", 2)

	keys := a.Keys()
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "a" {
		t.Errorf("keys: %v", keys)
	}
}
