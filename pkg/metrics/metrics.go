// Package metrics provides metrics collection for the correlation engine.
// It includes the Collector interface, an in-memory implementation for tests
// and a Prometheus implementation for the metrics endpoint.
package metrics

import (
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
// Labels are passed as name/value pairs.
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler

	// Reset clears all metrics (for testing)
	Reset()
}

// =============================================================================
// Metric Types
// =============================================================================

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"` // For histograms
}

// =============================================================================
// Engine Metrics
// =============================================================================

var (
	// Finding store
	FindingsSubmitted = MetricDefinition{
		Name:   "findings_submitted_total",
		Type:   MetricTypeCounter,
		Help:   "Findings submitted, by result (created, duplicate, invalid)",
		Labels: []string{"result"},
	}
	StatusUpdates = MetricDefinition{
		Name:   "finding_status_updates_total",
		Type:   MetricTypeCounter,
		Help:   "Finding status updates, by target status and result",
		Labels: []string{"to", "result"},
	}

	// Pipeline
	Transitions = MetricDefinition{
		Name:   "pipeline_transitions_total",
		Type:   MetricTypeCounter,
		Help:   "Pipeline transitions, by target stage and result",
		Labels: []string{"to", "result"},
	}
	TargetsByStage = MetricDefinition{
		Name:   "pipeline_targets",
		Type:   MetricTypeGauge,
		Help:   "Targets currently in each pipeline stage",
		Labels: []string{"stage"},
	}

	// Graph
	GraphBuilds = MetricDefinition{
		Name:   "graph_builds_total",
		Type:   MetricTypeCounter,
		Help:   "Correlation graph builds, by mode (full, incremental)",
		Labels: []string{"mode"},
	}
	GraphEdges = MetricDefinition{
		Name:   "graph_edges",
		Type:   MetricTypeGauge,
		Help:   "Edges in the last graph built for a target",
		Labels: []string{"target"},
	}
	GraphNodes = MetricDefinition{
		Name:   "graph_nodes",
		Type:   MetricTypeGauge,
		Help:   "Nodes in the last graph built for a target",
		Labels: []string{"target"},
	}

	// Synthesis
	SynthesisDuration = MetricDefinition{
		Name:    "synthesis_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of chain synthesis runs in seconds",
		Labels:  []string{},
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}
	ChainsEmitted = MetricDefinition{
		Name:   "chains_emitted_total",
		Type:   MetricTypeCounter,
		Help:   "Chains returned by synthesis runs",
		Labels: []string{},
	}
	SynthesisPartial = MetricDefinition{
		Name:   "synthesis_partial_total",
		Type:   MetricTypeCounter,
		Help:   "Synthesis runs cut short by cancellation",
		Labels: []string{},
	}

	// ROI ledger
	ROIEntries = MetricDefinition{
		Name:   "roi_entries_total",
		Type:   MetricTypeCounter,
		Help:   "ROI ledger entries recorded, by subject kind",
		Labels: []string{"kind"},
	}
)

// EngineMetrics lists every metric the engine reports.
func EngineMetrics() []MetricDefinition {
	return []MetricDefinition{
		FindingsSubmitted, StatusUpdates, Transitions, TargetsByStage,
		GraphBuilds, GraphEdges, GraphNodes,
		SynthesisDuration, ChainsEmitted, SynthesisPartial,
		ROIEntries,
	}
}

// =============================================================================
// NopCollector - No-operation implementation
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (c *NopCollector) Handler() http.Handler                                         { return http.NotFoundHandler() }
func (c *NopCollector) Reset()                                                        {}

// OrNop returns c, or a NopCollector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return &NopCollector{}
	}
	return c
}

// =============================================================================
// InMemoryCollector - Simple in-memory implementation for testing
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i < len(labels); i += 2 {
		if i+1 < len(labels) {
			key += "," + labels[i] + "=" + labels[i+1]
		}
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)] = value
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]float64)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string][]float64)
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// =============================================================================
// Timer - Helper for timing operations
// =============================================================================

// Timer is a helper for timing operations and recording to histograms.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer creates a new timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// =============================================================================
// Interface compliance
// =============================================================================

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
