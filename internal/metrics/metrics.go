// Package metrics provides Prometheus instrumentation for the chat
// gateway. It exposes gauges for connection and session counts, counters
// for message throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindline_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SessionsActive tracks the current number of active room sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindline_sessions_active",
		Help: "Current number of active room sessions",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "sent", "edited", "deleted", "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindline_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// SendLatency records end-to-end send latency in seconds, from event
	// receipt to broadcast.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kindline_send_latency_seconds",
		Help:    "Message send processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// AnalysisLatency records draft analysis round-trip latency.
	AnalysisLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kindline_analysis_latency_seconds",
		Help:    "Draft analysis round-trip latency in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 3, 5},
	})

	// AnalysisTotal counts analysis requests, labeled by the resulting
	// risk level ("low", "medium", "high"). Fail-open results count as
	// "low".
	AnalysisTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindline_analysis_total",
		Help: "Total number of draft analysis requests",
	}, []string{"outcome"})

	// RateLimitedTotal counts events dropped by the rate limiter, labeled
	// by event type.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindline_rate_limited_total",
		Help: "Total number of events dropped by the rate limiter",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsActive,
		MessagesTotal,
		SendLatency,
		AnalysisLatency,
		AnalysisTotal,
		RateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
