// Package metrics provides Prometheus instrumentation for the chat
// subsystem: a gauge for the online connection count, message counters by
// outcome, censor-call latency, and the circuit breaker state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OnlineConnections tracks the current number of live chat connections.
	OnlineConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_connections",
		Help: "Current number of live chat connections",
	})

	// MessagesTotal counts processed chat messages, labeled by outcome:
	// "accepted", "flagged", "pending", "rejected", "failed" or "recalled".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// CensorLatency records remote censor call latency in seconds.
	CensorLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_censor_call_seconds",
		Help:    "Remote censor call latency in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// BreakerOpen is 1 while the censor circuit breaker is open.
	BreakerOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_censor_breaker_open",
		Help: "Whether the censor circuit breaker is open (1) or closed (0)",
	})
)

func init() {
	prometheus.MustRegister(
		OnlineConnections,
		MessagesTotal,
		CensorLatency,
		BreakerOpen,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
