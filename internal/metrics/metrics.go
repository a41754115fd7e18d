// Package metrics registers the service's prometheus instruments. Counters
// live here rather than in each package so the full metric surface is
// visible in one place.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricehub_stream_messages_total",
		Help: "Inbound websocket frames per streaming worker.",
	}, []string{"worker"})

	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricehub_stream_reconnects_total",
		Help: "Websocket reconnect attempts per streaming worker.",
	}, []string{"worker"})

	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricehub_poll_ticks_total",
		Help: "Completed poll ticks per polling worker.",
	}, []string{"worker"})

	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricehub_poll_errors_total",
		Help: "Failed poll ticks per polling worker.",
	}, []string{"worker"})

	StoreWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricehub_store_write_errors_total",
		Help: "Asset batches a worker failed to persist.",
	}, []string{"worker"})

	AssetsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricehub_assets_written_total",
		Help: "Asset observations written to the store per worker.",
	}, []string{"worker"})

	SignalsComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricehub_signals_computed_total",
		Help: "Per-signal price engine outcomes by status.",
	}, []string{"status"})

	MonitoringPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricehub_monitoring_publishes_total",
		Help: "Monitoring uplink publishes by topic.",
	}, []string{"topic"})
)
