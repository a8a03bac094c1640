// Package metrics exposes the process-wide prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prefix = "thub_"

var (
	MessagesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "messages_ingested_total",
		Help: "Inbound messages accepted by the pipeline, by kind.",
	}, []string{"kind"})

	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "messages_dropped_total",
		Help: "Inbound messages dropped, by reason.",
	}, []string{"reason"})

	MetricRowsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "metric_rows_written_total",
		Help: "Time-series rows written by the batched upsert.",
	})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "topic_cache_lookups_total",
		Help: "Topic resolver lookups, by tier and result.",
	}, []string{"tier", "result"})

	CommandsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "commands_pending",
		Help: "Commands awaiting a device response.",
	})

	CommandRoundTrip = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    prefix + "command_round_trip_seconds",
		Help:    "Latency between command publish and matching response.",
		Buckets: prometheus.DefBuckets,
	})

	CommandsLateResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "commands_late_responses_total",
		Help: "Responses for unknown or already-resolved command ids.",
	})

	TransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "transport_reconnects_total",
		Help: "Broker reconnection attempts.",
	})

	SensorsStale = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "sensors_stale",
		Help: "Sensors past their staleness window at the last sweep.",
	})

	DevicesMarkedOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "devices_marked_offline_total",
		Help: "Devices flipped offline by the health monitor.",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesIngested,
		MessagesDropped,
		MetricRowsWritten,
		CacheLookups,
		CommandsPending,
		CommandRoundTrip,
		CommandsLateResponses,
		TransportReconnects,
		SensorsStale,
		DevicesMarkedOffline,
	)
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
