// Package observability holds the in-process metrics of the optimization
// engine and exposes them over HTTP.
package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// Metrics holds all performance metrics of the optimization engine.
type Metrics struct {
	// Saga metrics
	transitions     *CounterVec
	activeSagas     *Gauge
	submitDuration  *Histogram
	selectDuration  *Histogram
	planLifetime    *HistogramVec
	selectionTimers *Gauge

	// Estimation metrics
	proposals          *CounterVec
	responses          *CounterVec
	collectionDuration *HistogramVec

	// Scheduling metrics
	allocationDuration *HistogramVec
	slotsReleased      *Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		transitions:     NewCounterVec(),
		activeSagas:     &Gauge{},
		submitDuration:  NewHistogram(),
		selectDuration:  NewHistogram(),
		planLifetime:    NewHistogramVec(),
		selectionTimers: &Gauge{},

		proposals:          NewCounterVec(),
		responses:          NewCounterVec(),
		collectionDuration: NewHistogramVec(),

		allocationDuration: NewHistogramVec(),
		slotsReleased:      &Counter{},
	}
}

// Saga metrics accessors
func (m *Metrics) Transitions() *CounterVec     { return m.transitions }
func (m *Metrics) ActiveSagas() *Gauge          { return m.activeSagas }
func (m *Metrics) SubmitDuration() *Histogram   { return m.submitDuration }
func (m *Metrics) SelectDuration() *Histogram   { return m.selectDuration }
func (m *Metrics) PlanLifetime() *HistogramVec  { return m.planLifetime }
func (m *Metrics) SelectionTimers() *Gauge      { return m.selectionTimers }

// Estimation metrics accessors
func (m *Metrics) Proposals() *CounterVec             { return m.proposals }
func (m *Metrics) Responses() *CounterVec             { return m.responses }
func (m *Metrics) CollectionDuration() *HistogramVec  { return m.collectionDuration }

// Scheduling metrics accessors
func (m *Metrics) AllocationDuration() *HistogramVec { return m.allocationDuration }
func (m *Metrics) SlotsReleased() *Counter           { return m.slotsReleased }

// RecordTransition counts one status change.
func (m *Metrics) RecordTransition(from, to fmt.Stringer) {
	m.transitions.WithLabels(from.String() + "->" + to.String()).Inc()
}

// Snapshot returns a snapshot of all metrics for reporting.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	return &MetricsSnapshot{
		Transitions:     m.transitions.Snapshot(),
		ActiveSagas:     m.activeSagas.Get(),
		SubmitDuration:  m.submitDuration.Snapshot(),
		SelectDuration:  m.selectDuration.Snapshot(),
		PlanLifetime:    m.planLifetime.Snapshot(),
		SelectionTimers: m.selectionTimers.Get(),

		Proposals:          m.proposals.Snapshot(),
		Responses:          m.responses.Snapshot(),
		CollectionDuration: m.collectionDuration.Snapshot(),

		AllocationDuration: m.allocationDuration.Snapshot(),
		SlotsReleased:      m.slotsReleased.Get(),
	}
}

// MetricsSnapshot holds a point-in-time snapshot of all metrics.
type MetricsSnapshot struct {
	// Saga metrics
	Transitions     map[string]int64             `json:"transitions"`
	ActiveSagas     int64                        `json:"active_sagas"`
	SubmitDuration  HistogramSnapshot            `json:"submit_duration"`
	SelectDuration  HistogramSnapshot            `json:"select_duration"`
	PlanLifetime    map[string]HistogramSnapshot `json:"plan_lifetime"`
	SelectionTimers int64                        `json:"selection_timers"`

	// Estimation metrics
	Proposals          map[string]int64             `json:"proposals"`
	Responses          map[string]int64             `json:"responses"`
	CollectionDuration map[string]HistogramSnapshot `json:"collection_duration"`

	// Scheduling metrics
	AllocationDuration map[string]HistogramSnapshot `json:"allocation_duration"`
	SlotsReleased      int64                        `json:"slots_released"`
}

// ServeHTTP implements http.Handler for metrics exposition.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// Support both JSON and text format
	format := r.URL.Query().Get("format")
	if format == "json" || r.Header.Get("Accept") == "application/json" {
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(snapshot)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	snapshot.WriteText(w)
}

// WriteText writes the human-readable exposition.
func (s *MetricsSnapshot) WriteText(w io.Writer) {
	fmt.Fprintf(w, "# Optimization Engine Metrics\n\n")

	fmt.Fprintf(w, "## Saga\n\n")
	fmt.Fprintf(w, "Active sagas: %d\n", s.ActiveSagas)
	fmt.Fprintf(w, "Armed selection timers: %d\n", s.SelectionTimers)
	writeHistogramSummary(w, "Submit duration", s.SubmitDuration)
	writeHistogramSummary(w, "Select duration", s.SelectDuration)
	writeCounters(w, "Transitions", s.Transitions)
	writeHistogramVec(w, "Plan lifetime by final status", s.PlanLifetime)

	fmt.Fprintf(w, "## Estimation\n\n")
	writeCounters(w, "Proposals by outcome", s.Proposals)
	writeCounters(w, "Responses by outcome", s.Responses)
	writeHistogramVec(w, "Collection duration by outcome", s.CollectionDuration)

	fmt.Fprintf(w, "## Scheduling\n\n")
	writeHistogramVec(w, "Allocation duration by outcome", s.AllocationDuration)
	fmt.Fprintf(w, "Slots released: %d\n", s.SlotsReleased)
}

func writeHistogramSummary(w io.Writer, name string, h HistogramSnapshot) {
	if h.Count == 0 {
		fmt.Fprintf(w, "%s: no data\n", name)
		return
	}
	fmt.Fprintf(w, "%s (n=%d):\n", name, h.Count)
	fmt.Fprintf(w, "  Mean: %v, P50: %v, P95: %v, P99: %v, Max: %v\n",
		h.Mean, h.P50, h.P95, h.P99, h.Max)
}

func writeHistogramVec(w io.Writer, name string, hv map[string]HistogramSnapshot) {
	if len(hv) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", name)
	for _, label := range sortedKeys(hv) {
		h := hv[label]
		fmt.Fprintf(w, "  %s: count %d, mean %v, p95 %v, max %v\n",
			label, h.Count, h.Mean.Round(time.Microsecond), h.P95, h.Max)
	}
	fmt.Fprintf(w, "\n")
}

func writeCounters(w io.Writer, name string, counters map[string]int64) {
	if len(counters) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", name)
	for _, label := range sortedKeys(counters) {
		fmt.Fprintf(w, "  %s: %d\n", label, counters[label])
	}
	fmt.Fprintf(w, "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
