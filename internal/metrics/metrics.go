package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the instrumentation for the resilience and caching layer.
// Construct with a dedicated registry in tests to avoid duplicate
// registration panics.
type Metrics struct {
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheSets    prometheus.Counter
	CacheDeletes prometheus.Counter

	RateLimitRejections prometheus.Counter
	CircuitOpens        prometheus.Counter
	KeyPoolActive       prometheus.Gauge

	UpstreamRequests *prometheus.CounterVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdash_cache_hits_total",
			Help: "Total number of cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdash_cache_misses_total",
			Help: "Total number of cache misses",
		}),
		CacheSets: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdash_cache_sets_total",
			Help: "Total number of cache writes",
		}),
		CacheDeletes: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdash_cache_deletes_total",
			Help: "Total number of cache deletions",
		}),
		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdash_ratelimit_rejections_total",
			Help: "Total number of requests rejected by local admission control",
		}),
		CircuitOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdash_circuit_opens_total",
			Help: "Total number of circuit breaker trips",
		}),
		KeyPoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketdash_api_keys_active",
			Help: "Current number of active upstream API keys",
		}),
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdash_upstream_requests_total",
			Help: "Total upstream requests by operation and outcome",
		}, []string{"operation", "outcome"}),
	}
}
