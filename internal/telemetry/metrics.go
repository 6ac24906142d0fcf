package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every handler.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// ReadingsIngestedTotal counts readings accepted by the ingest pipeline.
var ReadingsIngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "ingest",
		Name:      "readings_total",
		Help:      "Readings processed by the ingest pipeline, by outcome.",
	},
	[]string{"outcome"}, // accepted, rejected_license, rejected_invalid
)

// AlertsRaisedTotal counts alerts created by the alert engine, by type and
// severity.
var AlertsRaisedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "alert",
		Name:      "raised_total",
		Help:      "Alerts raised, by type and severity.",
	},
	[]string{"type", "severity"},
)

// AlertsSuppressedTotal counts alerts suppressed by the cooldown window.
var AlertsSuppressedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "alert",
		Name:      "suppressed_total",
		Help:      "Alerts suppressed by the cooldown window.",
	},
)

// CommandsDispatchedTotal counts commands published to devices, by command
// and outcome.
var CommandsDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "dispatch",
		Name:      "commands_total",
		Help:      "Commands dispatched to devices, by command and outcome.",
	},
	[]string{"command", "outcome"}, // outcome: sent, failed
)

// HubConnectionsActive tracks the number of live real-time hub sessions.
var HubConnectionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "hub",
		Name:      "connections_active",
		Help:      "Active real-time hub WebSocket connections.",
	},
)

// All returns the service-specific collectors to register alongside the
// Go/process collectors.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ReadingsIngestedTotal,
		AlertsRaisedTotal,
		AlertsSuppressedTotal,
		CommandsDispatchedTotal,
		HubConnectionsActive,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTP metric, and any extra collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
