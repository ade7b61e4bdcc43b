package xdmcpmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	xdmcpmetrics "github.com/dantte-lp/xdmcpd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xdmcpmetrics.NewCollector(reg)

	if c.Pending == nil {
		t.Error("Pending is nil")
	}
	if c.Managed == nil {
		t.Error("Managed is nil")
	}
	if c.PacketsReceived == nil {
		t.Error("PacketsReceived is nil")
	}
	if c.PacketsDropped == nil {
		t.Error("PacketsDropped is nil")
	}
	if c.Declines == nil {
		t.Error("Declines is nil")
	}
	if c.ForwardQueries == nil {
		t.Error("ForwardQueries is nil")
	}
	if c.ManagedForwards == nil {
		t.Error("ManagedForwards is nil")
	}

	// Verify all metrics are registered by gathering them.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSessionGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xdmcpmetrics.NewCollector(reg)

	c.SetPending(3)
	c.SetManaged(5)

	if v := gaugeValue(t, c.Pending); v != 3 {
		t.Errorf("Pending = %v, want 3", v)
	}
	if v := gaugeValue(t, c.Managed); v != 5 {
		t.Errorf("Managed = %v, want 5", v)
	}

	c.SetPending(0)
	if v := gaugeValue(t, c.Pending); v != 0 {
		t.Errorf("Pending after reset = %v, want 0", v)
	}
}

func TestPacketCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xdmcpmetrics.NewCollector(reg)

	c.IncPacketsReceived("Query")
	c.IncPacketsReceived("Query")
	c.IncPacketsReceived("Request")

	if v := counterValue(t, c.PacketsReceived, "Query"); v != 2 {
		t.Errorf("PacketsReceived(Query) = %v, want 2", v)
	}
	if v := counterValue(t, c.PacketsReceived, "Request"); v != 1 {
		t.Errorf("PacketsReceived(Request) = %v, want 1", v)
	}

	c.IncPacketsDropped("Request", "decode_error")

	if v := counterValue(t, c.PacketsDropped, "Request", "decode_error"); v != 1 {
		t.Errorf("PacketsDropped(Request, decode_error) = %v, want 1", v)
	}
}

func TestDeclines(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xdmcpmetrics.NewCollector(reg)

	c.IncDeclines("Maximum pending servers")
	c.IncDeclines("Maximum pending servers")
	c.IncDeclines("Only MIT-MAGIC-COOKIE-1 supported")

	if v := counterValue(t, c.Declines, "Maximum pending servers"); v != 2 {
		t.Errorf("Declines(max pending) = %v, want 2", v)
	}
	if v := counterValue(t, c.Declines, "Only MIT-MAGIC-COOKIE-1 supported"); v != 1 {
		t.Errorf("Declines(unsupported authz) = %v, want 1", v)
	}
}

func TestForwardGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xdmcpmetrics.NewCollector(reg)

	c.SetForwardQueries(2)
	c.SetManagedForwards(1)

	if v := gaugeValue(t, c.ForwardQueries); v != 2 {
		t.Errorf("ForwardQueries = %v, want 2", v)
	}
	if v := gaugeValue(t, c.ManagedForwards); v != 1 {
		t.Errorf("ManagedForwards = %v, want 1", v)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
