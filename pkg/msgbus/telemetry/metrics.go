// Package telemetry provides the router's Prometheus metrics and an
// OpenTelemetry tracer provider. The router's statsQuery replies are built
// from its own counters, not from these metrics.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the Prometheus counter/gauge set a router exposes. The router
// updates the forwarded/dropped counters and the adopted/pending gauges;
// BlobBytesSent and BlobBytesReceived are registered but never incremented.
type Metrics struct {
	Registry *prometheus.Registry

	ForwardedMessages prometheus.Counter
	DroppedMessages   *prometheus.CounterVec
	AdoptedNodes      prometheus.Gauge
	PendingConns      prometheus.Gauge
	BlobBytesSent     prometheus.Counter
	BlobBytesReceived prometheus.Counter
}

// NewMetrics registers and returns a fresh Metrics set on its own registry,
// so multiple router instances in one process (e.g. in tests) don't
// collide on the default global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ForwardedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgbus_forwarded_messages_total",
			Help: "Messages successfully forwarded by this router.",
		}),
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgbus_dropped_messages_total",
			Help: "Messages dropped by this router, by reason.",
		}, []string{"reason"}),
		AdoptedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msgbus_adopted_nodes",
			Help: "Currently adopted connections (endpoints and sub-routers).",
		}),
		PendingConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msgbus_pending_connections",
			Help: "Connections accepted but not yet adopted.",
		}),
		BlobBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgbus_blob_bytes_sent_total",
			Help: "BLOB payload bytes sent by this router's manipulator.",
		}),
		BlobBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgbus_blob_bytes_received_total",
			Help: "BLOB payload bytes received by this router's manipulator.",
		}),
	}
	reg.MustRegister(m.ForwardedMessages, m.DroppedMessages, m.AdoptedNodes, m.PendingConns, m.BlobBytesSent, m.BlobBytesReceived)
	return m
}

// Drop reasons used with DroppedMessages.
const (
	ReasonHopCount   = "hop_count"
	ReasonStale      = "stale"
	ReasonBadHeader  = "bad_header"
	ReasonBadBlob    = "bad_blob_fragment"
	ReasonNoRoute    = "no_route"
)
