package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInMemoryCollector(t *testing.T) {
	c := NewInMemoryCollector()

	t.Run("Counter", func(t *testing.T) {
		c.CounterInc("test_counter", "label1", "value1")
		c.CounterInc("test_counter", "label1", "value1")
		c.CounterAdd("test_counter", 5, "label1", "value1")

		got := c.GetCounter("test_counter", "label1", "value1")
		if got != 7 {
			t.Errorf("Counter = %v, want %v", got, 7)
		}
	})

	t.Run("Gauge", func(t *testing.T) {
		c.GaugeSet("test_gauge", 42, "label1", "value1")
		if got := c.GetGauge("test_gauge", "label1", "value1"); got != 42 {
			t.Errorf("Gauge = %v, want %v", got, 42)
		}
	})

	t.Run("Histogram", func(t *testing.T) {
		c.HistogramObserve("test_histogram", 1.5, "label1", "value1")
		c.HistogramObserve("test_histogram", 2.5, "label1", "value1")
		c.HistogramObserve("test_histogram", 3.5, "label1", "value1")

		got := c.GetHistogram("test_histogram", "label1", "value1")
		if len(got) != 3 {
			t.Errorf("Histogram observations = %v, want %v", len(got), 3)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		c.Reset()

		if c.GetCounter("test_counter", "label1", "value1") != 0 {
			t.Error("Counter should be 0 after reset")
		}
		if c.GetGauge("test_gauge", "label1", "value1") != 0 {
			t.Error("Gauge should be 0 after reset")
		}
	})
}

func TestNopCollector(t *testing.T) {
	c := OrNop(nil)

	// These should all be no-ops and not panic
	c.CounterInc("test", "label", "value")
	c.CounterAdd("test", 5, "label", "value")
	c.GaugeSet("test", 1)
	c.HistogramObserve("test", 1.5)
	c.Reset()

	if c.Handler() == nil {
		t.Error("Handler should not be nil")
	}
}

func TestTimer(t *testing.T) {
	c := NewInMemoryCollector()

	timer := NewTimer(c, SynthesisDuration.Name)
	time.Sleep(5 * time.Millisecond)
	d := timer.ObserveDuration()

	if d < 5*time.Millisecond {
		t.Errorf("Duration = %v, want >= 5ms", d)
	}
	if obs := c.GetHistogram(SynthesisDuration.Name); len(obs) != 1 {
		t.Errorf("Histogram observations = %d, want 1", len(obs))
	}
}

func TestEngineMetrics(t *testing.T) {
	seen := make(map[string]bool)
	for _, def := range EngineMetrics() {
		if def.Name == "" || def.Help == "" {
			t.Errorf("metric %+v missing name or help", def)
		}
		if seen[def.Name] {
			t.Errorf("duplicate metric %s", def.Name)
		}
		seen[def.Name] = true
		if def.Type == MetricTypeHistogram && len(def.Buckets) == 0 {
			t.Errorf("histogram %s has no buckets", def.Name)
		}
	}
}

func TestPrometheusCollector(t *testing.T) {
	c, err := NewPrometheusCollector(&PrometheusConfig{
		Namespace:             "chainhunt",
		Registry:              prometheus.NewRegistry(),
		RegisterEngineMetrics: true,
	})
	if err != nil {
		t.Fatalf("NewPrometheusCollector: %v", err)
	}

	c.CounterInc(FindingsSubmitted.Name, "result", "created")
	c.CounterInc(FindingsSubmitted.Name, "result", "created")
	c.CounterInc(FindingsSubmitted.Name, "result", "duplicate")
	c.GaugeSet(GraphEdges.Name, 4, "target", "x.com")
	c.HistogramObserve(SynthesisDuration.Name, 0.02)
	c.CounterInc("not_registered")

	if got := testutil.ToFloat64(c.counters[FindingsSubmitted.Name].WithLabelValues("created")); got != 2 {
		t.Errorf("created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.gauges[GraphEdges.Name].WithLabelValues("x.com")); got != 4 {
		t.Errorf("edges = %v, want 4", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"chainhunt_findings_submitted_total",
		"chainhunt_graph_edges",
		"chainhunt_synthesis_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}

	c.Reset()
	if got := testutil.ToFloat64(c.counters[FindingsSubmitted.Name].WithLabelValues("created")); got != 0 {
		t.Errorf("after reset = %v, want 0", got)
	}
}

func TestPrometheusCollector_UnknownType(t *testing.T) {
	c, _ := NewPrometheusCollector(&PrometheusConfig{Registry: prometheus.NewRegistry()})
	if err := c.Register(MetricDefinition{Name: "x", Type: "summary"}); err == nil {
		t.Error("unknown metric type should fail")
	}
}

func TestLabelsToValues(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{nil, nil},
		{[]string{"a", "1"}, []string{"1"}},
		{[]string{"a", "1", "b", "2"}, []string{"1", "2"}},
	}
	for _, tt := range tests {
		got := labelsToValues(tt.in)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("labelsToValues(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
