package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// defaultHistogramWindow bounds how many observations a histogram keeps.
// Older observations are overwritten once the window is full.
const defaultHistogramWindow = 4096

// Histogram tracks the distribution of duration measurements over a sliding
// window of the most recent observations. Thread-safe.
type Histogram struct {
	mu     sync.RWMutex
	values []float64 // microseconds
	next   int
	total  int64
}

// NewHistogram creates a new histogram.
func NewHistogram() *Histogram {
	return &Histogram{values: make([]float64, 0, 64)}
}

// Observe records a duration measurement.
func (h *Histogram) Observe(d time.Duration) {
	micros := float64(d.Microseconds())
	h.mu.Lock()
	if len(h.values) < defaultHistogramWindow {
		h.values = append(h.values, micros)
	} else {
		h.values[h.next] = micros
		h.next = (h.next + 1) % defaultHistogramWindow
	}
	h.total++
	h.mu.Unlock()
}

// Since observes the time elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start))
}

// Snapshot returns a point-in-time snapshot with percentiles calculated.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.RLock()
	sorted := append([]float64(nil), h.values...)
	total := h.total
	h.mu.RUnlock()

	if len(sorted) == 0 {
		return HistogramSnapshot{}
	}
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	micros := func(v float64) time.Duration { return time.Duration(v) * time.Microsecond }

	return HistogramSnapshot{
		Count: total,
		Mean:  micros(sum / float64(len(sorted))),
		P50:   micros(percentile(sorted, 0.50)),
		P95:   micros(percentile(sorted, 0.95)),
		P99:   micros(percentile(sorted, 0.99)),
		Max:   micros(sorted[len(sorted)-1]),
	}
}

// HistogramSnapshot holds calculated statistics for a histogram. Count is
// the lifetime number of observations; the percentiles cover the window.
type HistogramSnapshot struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// percentile interpolates the p-th percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) { c.value.Add(delta) }

// Get returns the current value.
func (c *Counter) Get() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	value atomic.Int64
}

// Set sets the gauge.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Get returns the current value.
func (g *Gauge) Get() int64 { return g.value.Load() }

// labeled is a lazily populated set of metrics keyed by a label string.
type labeled[T any] struct {
	mu    sync.RWMutex
	items map[string]*T
	make  func() *T
}

func newLabeled[T any](mk func() *T) *labeled[T] {
	return &labeled[T]{items: make(map[string]*T), make: mk}
}

func (l *labeled[T]) with(label string) *T {
	l.mu.RLock()
	item, ok := l.items[label]
	l.mu.RUnlock()
	if ok {
		return item
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if item, ok := l.items[label]; ok {
		return item
	}
	item = l.make()
	l.items[label] = item
	return item
}

func (l *labeled[T]) each(fn func(label string, item *T)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for label, item := range l.items {
		fn(label, item)
	}
}

// HistogramVec is a set of histograms keyed by label.
type HistogramVec struct {
	l *labeled[Histogram]
}

// NewHistogramVec creates a new histogram vector.
func NewHistogramVec() *HistogramVec {
	return &HistogramVec{l: newLabeled(NewHistogram)}
}

// WithLabels returns the histogram for a label, creating it on first use.
func (hv *HistogramVec) WithLabels(label string) *Histogram {
	return hv.l.with(label)
}

// Snapshot returns snapshots of all histograms.
func (hv *HistogramVec) Snapshot() map[string]HistogramSnapshot {
	out := make(map[string]HistogramSnapshot)
	hv.l.each(func(label string, h *Histogram) { out[label] = h.Snapshot() })
	return out
}

// CounterVec is a set of counters keyed by label.
type CounterVec struct {
	l *labeled[Counter]
}

// NewCounterVec creates a new counter vector.
func NewCounterVec() *CounterVec {
	return &CounterVec{l: newLabeled(func() *Counter { return &Counter{} })}
}

// WithLabels returns the counter for a label, creating it on first use.
func (cv *CounterVec) WithLabels(label string) *Counter {
	return cv.l.with(label)
}

// Snapshot returns the current values of all counters.
func (cv *CounterVec) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	cv.l.each(func(label string, c *Counter) { out[label] = c.Get() })
	return out
}
