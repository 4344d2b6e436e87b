package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	SearchRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "search_requests_total",
		Help:      "Search requests by cascade path taken (primary, supplement, fallback, empty).",
	}, []string{"path"})

	SearchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookfinder",
		Name:      "search_duration_seconds",
		Help:      "End-to-end search latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
	})

	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "provider_requests_total",
		Help:      "Total requests to catalog providers by provider name and result status.",
	}, []string{"provider", "status"})

	ProviderRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bookfinder",
		Name:      "provider_request_duration_seconds",
		Help:      "Catalog provider request duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	}, []string{"provider"})

	ProviderAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bookfinder",
		Name:      "provider_available",
		Help:      "Whether a provider is available (1) or blocked by circuit breaker (0).",
	}, []string{"provider"})

	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "cache_hits_total",
		Help:      "Total number of cache hits by cache name.",
	}, []string{"cache"})

	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "cache_misses_total",
		Help:      "Total number of cache misses by cache name.",
	}, []string{"cache"})

	UpsertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "upserts_total",
		Help:      "Canonical upserts by outcome (created, updated, not_persisted, failed).",
	}, []string{"outcome"})

	SlugRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "slug_retries_total",
		Help:      "Slug collisions resolved by retrying with a disambiguated slug.",
	})

	UpsertQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "upsert_queue_dropped_total",
		Help:      "Candidates dropped because the upsert queue was full.",
	})

	UpsertQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookfinder",
		Name:      "upsert_queue_depth",
		Help:      "Candidates waiting for an upsert worker.",
	})

	RelayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "relay_events_total",
		Help:      "Outbox events handled by the relay by result (sent, failed).",
	}, []string{"result"})

	RelayCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookfinder",
		Name:      "relay_cycle_duration_seconds",
		Help:      "Duration of one outbox relay cycle in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	RelayMaxRetryCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookfinder",
		Name:      "relay_max_retry_count",
		Help:      "Highest retry count seen in the last relay batch.",
	})

	OutboxArchivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "outbox_archived_total",
		Help:      "Sent outbox events moved to the archive.",
	})

	BrokerPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookfinder",
		Name:      "broker_publish_total",
		Help:      "Push channel publishes by broker type and result.",
	}, []string{"broker", "result"})

	WebsocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookfinder",
		Name:      "websocket_clients",
		Help:      "Connected websocket subscribers.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		SearchRequestsTotal,
		SearchDuration,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		ProviderAvailable,
		CacheHitsTotal,
		CacheMissesTotal,
		UpsertsTotal,
		SlugRetriesTotal,
		UpsertQueueDropped,
		UpsertQueueDepth,
		RelayEventsTotal,
		RelayCycleDuration,
		RelayMaxRetryCount,
		OutboxArchivedTotal,
		BrokerPublishTotal,
		WebsocketClients,
	)
}
