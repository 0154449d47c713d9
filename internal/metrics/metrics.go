// Package metrics holds the Prometheus instruments shared by the lobby components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache tiers: "listings", "search", "stats".
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_cache_hits_total",
			Help: "Total number of lobby cache hits per tier",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_cache_misses_total",
			Help: "Total number of lobby cache misses per tier",
		},
		[]string{"tier"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_cache_evictions_total",
			Help: "Total number of lobby cache entries evicted per tier and reason",
		},
		[]string{"tier", "reason"}, // "ttl", "capacity", "invalidate"
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lobby_search_duration_seconds",
			Help:    "Duration of lobby read operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation", "source"}, // source: "cache" or "engine"
	)

	ReconcilerFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_reconciler_flushes_total",
			Help: "Total number of reconciler flushes by trigger",
		},
		[]string{"trigger"}, // "debounce", "max_wait", "cap", "manual", "shutdown"
	)

	ReconcilerBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobby_reconciler_batch_size",
			Help:    "Number of room changes per reconciler flush",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	StatusUpdatesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_status_updates_processed_total",
			Help: "Total number of status updates broadcast per priority",
		},
		[]string{"priority"},
	)

	StatusUpdatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lobby_status_updates_suppressed_total",
			Help: "Status signals dropped because they did not change anything significant",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_events_published_total",
			Help: "Total number of events published on the lobby bus",
		},
		[]string{"type"},
	)

	EventHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_event_handler_failures_total",
			Help: "Total number of event handler failures (errors and panics)",
		},
		[]string{"type"},
	)

	LobbyConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lobby_ws_connections",
			Help: "Current number of lobby WebSocket connections",
		},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_rate_limited_total",
			Help: "Total number of inbound lobby operations rejected by the rate limiter",
		},
		[]string{"operation"},
	)

	BroadcastsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_broadcasts_total",
			Help: "Total number of lobby broadcasts by message type",
		},
		[]string{"type"},
	)

	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobby_ingest_messages_total",
			Help: "Total number of lifecycle messages consumed by result",
		},
		[]string{"result"},
	)
)
