package metrics

import (
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	var c Counter
	c.Inc()
	c.Add(4)
	if got := c.Load(); got != 5 {
		t.Fatalf("counter = %d, want 5", got)
	}
	var g Gauge
	g.Inc()
	g.Inc()
	g.Dec()
	g.Add(10)
	if got := g.Load(); got != 11 {
		t.Fatalf("gauge = %d, want 11", got)
	}
	g.Set(3)
	if got := g.Load(); got != 3 {
		t.Fatalf("gauge = %d, want 3", got)
	}
}

func TestLatencySamplerQuantiles(t *testing.T) {
	s := NewLatencySampler(4)
	if len(s.Quantiles(0.5)) != 0 {
		t.Fatalf("expected empty result without samples")
	}
	for i := 1; i <= 6; i++ {
		s.Add(time.Duration(i) * time.Millisecond)
	}
	if s.Count() != 4 {
		t.Fatalf("count = %d, want 4", s.Count())
	}
	q := s.Quantiles(0, 0.5, 1)
	if q[0] != 3*time.Millisecond {
		t.Fatalf("min = %v", q[0])
	}
	if q[0.5] != 4*time.Millisecond {
		t.Fatalf("p50 = %v", q[0.5])
	}
	if q[1] != 6*time.Millisecond {
		t.Fatalf("max = %v", q[1])
	}
}
