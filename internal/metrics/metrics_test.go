package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	reg := NewRegistry("test")

	c := reg.RegisterCounter("requests_total", "Requests handled", nil)
	c.Inc()
	c.Add(4)
	if got := c.Value(); got != 5 {
		t.Errorf("counter = %d, want 5", got)
	}

	g := reg.RegisterGauge("depth", "Queue depth", nil)
	g.Set(10)
	g.Dec()
	g.Add(-2)
	if got := g.Value(); got != 7 {
		t.Errorf("gauge = %d, want 7", got)
	}
}

func TestRegisterReturnsExisting(t *testing.T) {
	reg := NewRegistry("test")

	a := reg.RegisterCounter("dup_total", "First", nil)
	b := reg.RegisterCounter("dup_total", "Second", nil)
	if a != b {
		t.Error("re-registration returned a different counter")
	}
	a.Inc()
	if b.Value() != 1 {
		t.Error("counters do not share state")
	}
}

func TestHistogramObserve(t *testing.T) {
	reg := NewRegistry("test")
	h := reg.RegisterHistogram("latency", "Latency", nil, []float64{0.1, 1, 10})

	for _, v := range []float64{0.05, 0.5, 5, 50} {
		h.Observe(v)
	}
	if got := h.Count(); got != 4 {
		t.Errorf("count = %d, want 4", got)
	}
	if got := h.Mean(); got < 13 || got > 15 {
		t.Errorf("mean = %f, want ~13.9", got)
	}
}

func TestObserveDuration(t *testing.T) {
	reg := NewRegistry("test")
	h := reg.RegisterHistogram("op_seconds", "Op duration", nil, DurationBuckets)
	h.ObserveDuration(150 * time.Millisecond)
	if h.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.Count())
	}
	if s := h.Sum(); s < 0.14 || s > 0.16 {
		t.Errorf("sum = %f, want ~0.15", s)
	}
}

func TestWritePrometheus(t *testing.T) {
	reg := NewRegistry("tetherd")
	reg.RegisterCounter("transitions_total", "Connectivity flips", nil).Add(3)
	reg.RegisterGauge("online", "Online flag", nil).Set(1)

	var sb strings.Builder
	if err := reg.WritePrometheus(&sb); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := sb.String()

	for _, want := range []string{
		"# HELP tetherd_transitions_total Connectivity flips",
		"# TYPE tetherd_transitions_total counter",
		"tetherd_transitions_total 3",
		"# TYPE tetherd_online gauge",
		"tetherd_online 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSnapshotAndReset(t *testing.T) {
	reg := NewRegistry("test")
	reg.RegisterCounter("a_total", "A", nil).Inc()
	reg.RegisterGauge("b", "B", nil).Set(2)

	snap := reg.Snapshot()
	if got, ok := snap["test_a_total"].(uint64); !ok || got != 1 {
		t.Errorf("snapshot counter = %v, want 1", snap["test_a_total"])
	}
	if got, ok := snap["test_b"].(int64); !ok || got != 2 {
		t.Errorf("snapshot gauge = %v, want 2", snap["test_b"])
	}

	reg.Reset()
	snap = reg.Snapshot()
	if got, _ := snap["test_a_total"].(uint64); got != 0 {
		t.Error("reset did not zero counters")
	}
}

func TestTetherdMetricsTransitions(t *testing.T) {
	reg := NewRegistry("tetherd")
	m := NewTetherdMetrics(reg)

	m.RecordTransition(true)
	m.RecordTransition(false)
	m.RecordTransition(true)

	if got := m.TransitionsTotal.Value(); got != 3 {
		t.Errorf("transitions = %d, want 3", got)
	}
	if got := m.OnlineTotal.Value(); got != 2 {
		t.Errorf("online = %d, want 2", got)
	}
	if got := m.Online.Value(); got != 1 {
		t.Errorf("online gauge = %d, want 1", got)
	}
}
