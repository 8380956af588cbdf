package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCollector() *Collector {
	return NewWithRegistry("test", prometheus.NewRegistry())
}

func TestCallFinished_CountsByCode(t *testing.T) {
	c := newTestCollector()

	c.CallStarted("svc.echo")
	c.CallFinished("svc.echo", "", 10*time.Millisecond)
	c.CallStarted("svc.echo")
	c.CallFinished("svc.echo", "VALIDATION_ERROR", time.Millisecond)

	if got := testutil.ToFloat64(c.CallsTotal.WithLabelValues("svc.echo", "ok")); got != 1 {
		t.Errorf("ok calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.CallsTotal.WithLabelValues("svc.echo", "VALIDATION_ERROR")); got != 1 {
		t.Errorf("validation calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.CallsInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0 after completion", got)
	}
}

func TestCallStarted_TracksInFlight(t *testing.T) {
	c := newTestCollector()
	c.CallStarted("svc.a")
	c.CallStarted("svc.b")
	if got := testutil.ToFloat64(c.CallsInFlight); got != 2 {
		t.Errorf("in flight = %v, want 2", got)
	}
}

func TestTimeout_SplitsByMode(t *testing.T) {
	c := newTestCollector()
	c.Timeout("svc.slow", "cooperative")
	c.Timeout("svc.slow", "forced")
	c.Timeout("svc.slow", "forced")

	if got := testutil.ToFloat64(c.Timeouts.WithLabelValues("svc.slow", "forced")); got != 2 {
		t.Errorf("forced timeouts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Timeouts.WithLabelValues("svc.slow", "cooperative")); got != 1 {
		t.Errorf("cooperative timeouts = %v, want 1", got)
	}
}

func TestTaskTransitionAndGauges(t *testing.T) {
	c := newTestCollector()
	c.TaskTransition("running")
	c.TaskTransition("completed")
	c.SetModulesRegistered(7)

	if got := testutil.ToFloat64(c.TaskTransitions.WithLabelValues("running")); got != 1 {
		t.Errorf("running transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ModulesRegistered); got != 7 {
		t.Errorf("modules gauge = %v, want 7", got)
	}
}

func TestDefaultNamespace(t *testing.T) {
	c := NewWithRegistry("", prometheus.NewRegistry())
	if c == nil {
		t.Fatal("collector is nil")
	}
}
