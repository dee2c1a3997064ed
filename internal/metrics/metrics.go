// Package metrics provides Prometheus instrumentation for the realtime
// gateway: connection and conversation gauges, event intake and per-peer
// delivery counters, and a fan-out latency histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open websocket
	// connections across both channels.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "glimpse_connections_total",
		Help: "Current number of open websocket connections",
	})

	// EventsTotal counts inbound events by channel and outcome:
	// "forwarded", "invalid", or "rate_limited".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "glimpse_events_total",
		Help: "Total inbound events by outcome",
	}, []string{"channel", "result"})

	// DeliveriesTotal counts per-peer delivery attempts by channel and
	// outcome: "ok" or "pruned" (peer write failed, peer removed).
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "glimpse_deliveries_total",
		Help: "Total per-peer delivery attempts by outcome",
	}, []string{"channel", "result"})

	// FanoutDuration records the time to deliver one inbound event to all
	// peers of its conversation.
	FanoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "glimpse_fanout_duration_seconds",
		Help:    "Time to fan one inbound event out to all peers",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		DeliveriesTotal,
		FanoutDuration,
	)
}

// RegisterConversationsGauge exposes a registry's live conversation count as
// glimpse_active_conversations{channel=...}. Called once per channel at
// wiring time.
func RegisterConversationsGauge(channel string, size func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "glimpse_active_conversations",
		Help:        "Current number of conversations with attached streams",
		ConstLabels: prometheus.Labels{"channel": channel},
	}, size))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
