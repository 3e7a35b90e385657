// Package metrics declares the Prometheus collectors of the messaging subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dm"

var (
	MessagesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_created_total",
		Help:      "Messages persisted, by kind.",
	}, []string{"kind"})

	MessagesReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_replayed_total",
		Help:      "Sends answered from an existing correlation token.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_rate_limited_total",
		Help:      "Sends refused by the per-sender limiter.",
	})

	// FanoutPublished counts event publishes by transport and result (ok | error).
	FanoutPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_published_total",
		Help:      "Live events published, by transport and result.",
	}, []string{"transport", "result"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Live channel connections held by this process.",
	})

	WSDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_dropped_total",
		Help:      "Connections dropped because their send buffer was full.",
	})

	WSThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_inbound_throttled_total",
		Help:      "Inbound frames discarded by the per-connection limiter.",
	})

	// MediaJobs counts enhancement jobs by result (enhanced | fallback | discarded | failed).
	MediaJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "media_jobs_total",
		Help:      "Audio enhancement jobs, by result.",
	}, []string{"result"})

	MediaRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "media_removals_total",
		Help:      "Asset removals, by result.",
	}, []string{"result"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "REST request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
