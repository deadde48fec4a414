package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing atomic counter.
type Counter struct {
	value atomic.Int64
}

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Inc increments the counter by one.
func (c *Counter) Inc() { c.value.Add(1) }

// Load returns the current value.
func (c *Counter) Load() int64 { return c.value.Load() }

// Gauge is an atomic value that may go up and down.
type Gauge struct {
	value atomic.Int64
}

func (g *Gauge) Inc()        { g.value.Add(1) }
func (g *Gauge) Dec()        { g.value.Add(-1) }
func (g *Gauge) Add(n int64) { g.value.Add(n) }
func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Load() int64 { return g.value.Load() }

// LatencySampler keeps a ring of the most recent samples for percentile
// reporting.
type LatencySampler struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  int
}

// NewLatencySampler creates a sampler that keeps the last size samples.
func NewLatencySampler(size int) *LatencySampler {
	if size <= 0 {
		size = 128
	}
	return &LatencySampler{samples: make([]time.Duration, size)}
}

// Add records a sample.
func (l *LatencySampler) Add(d time.Duration) {
	l.mu.Lock()
	l.samples[l.next] = d
	l.next = (l.next + 1) % len(l.samples)
	if l.filled < len(l.samples) {
		l.filled++
	}
	l.mu.Unlock()
}

// Count returns the number of stored samples.
func (l *LatencySampler) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filled
}

// Quantiles returns the sample value at each requested quantile. Quantiles
// outside (0,1) clamp to the minimum or maximum sample.
func (l *LatencySampler) Quantiles(qs ...float64) map[float64]time.Duration {
	l.mu.Lock()
	values := make([]time.Duration, l.filled)
	copy(values, l.samples[:l.filled])
	l.mu.Unlock()

	out := make(map[float64]time.Duration, len(qs))
	if len(values) == 0 {
		return out
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	last := len(values) - 1
	for _, q := range qs {
		switch {
		case q <= 0:
			out[q] = values[0]
		case q >= 1:
			out[q] = values[last]
		default:
			pos := int(math.Ceil(q*float64(len(values)))) - 1
			if pos < 0 {
				pos = 0
			}
			if pos > last {
				pos = last
			}
			out[q] = values[pos]
		}
	}
	return out
}
