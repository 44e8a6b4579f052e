// Package metrics holds the Prometheus collectors shared by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "botrelay"

var (
	IngestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Inbound webhook events by kind and result.",
		},
		[]string{"kind", "result"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held by the registry.",
		},
	)

	SessionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Sessions removed after their terminal retention window.",
		},
	)

	BufferEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "evictions_total",
			Help:      "Transcript fragments evicted from full conversation buffers.",
		},
	)

	HubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Connected push subscribers.",
		},
	)

	HubPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "published_total",
			Help:      "Notifications published by type.",
		},
		[]string{"type"},
	)

	HubDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Notifications dropped from full subscriber queues.",
		},
	)

	RelayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "errors_total",
			Help:      "Cross-instance relay failures by operation.",
		},
		[]string{"op"},
	)

	AnalysisRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Conversation analyses by result.",
		},
		[]string{"result"},
	)
)

func init() {
	// ignore duplicate registration when imported by several test binaries
	_ = prometheus.Register(IngestEvents)
	_ = prometheus.Register(SessionsActive)
	_ = prometheus.Register(SessionsEvicted)
	_ = prometheus.Register(BufferEvictions)
	_ = prometheus.Register(HubSubscribers)
	_ = prometheus.Register(HubPublished)
	_ = prometheus.Register(HubDropped)
	_ = prometheus.Register(RelayErrors)
	_ = prometheus.Register(AnalysisRuns)
}
