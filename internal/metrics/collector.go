// Package metrics exposes the gateway's Prometheus metrics on a private
// registry, so tests and multiple adapters share one set of collectors
// without touching the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inbound event outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeMalformed = "malformed"
	OutcomeSelf      = "self"
	OutcomeBot       = "bot"
	OutcomeUnmapped  = "unmapped"
	OutcomeIgnored   = "ignored" // received while disconnected
)

// Outbound send results.
const (
	ResultSent         = "sent"
	ResultFailed       = "failed"
	ResultUnmapped     = "unmapped"
	ResultDisconnected = "disconnected"
)

// Registry holds every nanoclaw collector.
var Registry = prometheus.NewRegistry()

var (
	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nanoclaw",
		Name:      "inbound_events_total",
		Help:      "Inbound platform events by outcome.",
	}, []string{"channel", "outcome"})

	OutboundMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nanoclaw",
		Name:      "outbound_messages_total",
		Help:      "Outbound send attempts by result.",
	}, []string{"channel", "result"})

	SendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nanoclaw",
		Name:      "send_duration_seconds",
		Help:      "Latency of platform send calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"channel"})

	ChannelMappings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nanoclaw",
		Name:      "channel_mappings",
		Help:      "Number of active channel to group mappings.",
	}, []string{"channel"})

	Connected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nanoclaw",
		Name:      "connected",
		Help:      "1 while the channel adapter holds a live platform session.",
	}, []string{"channel"})
)

func init() {
	Registry.MustRegister(
		InboundEvents,
		OutboundMessages,
		SendDuration,
		ChannelMappings,
		Connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetConnected flips the connected gauge for a channel.
func SetConnected(channel string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	Connected.WithLabelValues(channel).Set(v)
}
