// Package metrics defines the Prometheus collectors shared by the broker,
// history writer, and WebSocket gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Parley collectors. A single instance is wired through
// the app; tests construct one against a private registry.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	MessagesBroadcast prometheus.Counter
	FanoutDropped     prometheus.Counter
	HistoryRequests   prometheus.Counter

	TokensIssued   prometheus.Counter
	TokensRejected prometheus.Counter

	FlushTotal      *prometheus.CounterVec
	FlushFailures   prometheus.Counter
	MessagesFlushed prometheus.Counter
}

// New registers all collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "parley_connections_active",
			Help: "Number of currently registered chat connections.",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_connections_total",
			Help: "Total connections registered since start.",
		}),
		MessagesBroadcast: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_broadcast_total",
			Help: "Messages fanned out to connected clients.",
		}),
		FanoutDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_fanout_dropped_total",
			Help: "Per-recipient sends dropped because the outbound queue was full or closing.",
		}),
		HistoryRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_history_requests_total",
			Help: "History requests served from durable storage.",
		}),
		TokensIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_admission_tokens_issued_total",
			Help: "Admission tokens issued.",
		}),
		TokensRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_admission_tokens_rejected_total",
			Help: "Admission attempts rejected at pre-screen or token validation.",
		}),
		FlushTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_history_flush_total",
			Help: "Persistence flushes by trigger reason.",
		}, []string{"reason"}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_history_flush_failures_total",
			Help: "Persistence flushes that failed (batch discarded).",
		}),
		MessagesFlushed: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_flushed_total",
			Help: "Messages written to durable storage.",
		}),
	}
}
