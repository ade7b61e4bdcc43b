package xdmcpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "xdmcpd"
	subsystem = "xdmcp"
)

// Label names for XDMCP metrics.
const (
	labelOpcode = "opcode"
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus XDMCP Metrics
// -------------------------------------------------------------------------

// Collector holds all XDMCP Prometheus metrics and implements
// xdmcp.MetricsSink, so the protocol core has no direct Prometheus
// dependency.
//
//   - Pending/Managed gauges track the live display counts (invariant I2).
//   - Packet counters track received/dropped volumes per opcode.
//   - Decline counter records admission rejections per reason.
//   - ForwardQueries/ManagedForwards gauges track the two bounded,
//     time-limited tables (invariant P3).
type Collector struct {
	// Pending tracks the live count of Pending displays.
	Pending prometheus.Gauge

	// Managed tracks the live count of Managed displays.
	Managed prometheus.Gauge

	// PacketsReceived counts inbound XDMCP datagrams per opcode.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts datagrams dropped per opcode and reason
	// (decode_error, version_mismatch, unhandled_opcode).
	PacketsDropped *prometheus.CounterVec

	// Declines counts Request rejections per admission reason.
	Declines *prometheus.CounterVec

	// ForwardQueries tracks the live Forward Query Table size.
	ForwardQueries prometheus.Gauge

	// ManagedForwards tracks the live Managed-Forward set size.
	ManagedForwards prometheus.Gauge
}

// NewCollector creates a Collector with all XDMCP metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "xdmcpd_xdmcp_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Pending,
		c.Managed,
		c.PacketsReceived,
		c.PacketsDropped,
		c.Declines,
		c.ForwardQueries,
		c.ManagedForwards,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_pending",
			Help:      "Number of displays currently in the Pending state.",
		}),

		Managed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_managed",
			Help:      "Number of displays currently in the Managed state.",
		}),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total XDMCP datagrams received, by opcode.",
		}, []string{labelOpcode}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total XDMCP datagrams dropped, by opcode and reason.",
		}, []string{labelOpcode, labelReason}),

		Declines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "declines_total",
			Help:      "Total Request admissions rejected, by reason.",
		}, []string{labelReason}),

		ForwardQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forward_queries_active",
			Help:      "Current size of the Forward Query Table.",
		}),

		ManagedForwards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "managed_forwards_active",
			Help:      "Current size of the Managed-Forward retransmit set.",
		}),
	}
}

// -------------------------------------------------------------------------
// xdmcp.MetricsSink implementation
// -------------------------------------------------------------------------

func (c *Collector) IncPacketsReceived(opcode string) {
	c.PacketsReceived.WithLabelValues(opcode).Inc()
}

func (c *Collector) IncPacketsDropped(opcode, reason string) {
	c.PacketsDropped.WithLabelValues(opcode, reason).Inc()
}

func (c *Collector) IncDeclines(reason string) {
	c.Declines.WithLabelValues(reason).Inc()
}

func (c *Collector) SetPending(n int) {
	c.Pending.Set(float64(n))
}

func (c *Collector) SetManaged(n int) {
	c.Managed.Set(float64(n))
}

func (c *Collector) SetForwardQueries(n int) {
	c.ForwardQueries.Set(float64(n))
}

func (c *Collector) SetManagedForwards(n int) {
	c.ManagedForwards.Set(float64(n))
}
