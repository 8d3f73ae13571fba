package dnscache

import "github.com/prometheus/client_golang/prometheus"

type cacheMetrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	markdowns     prometheus.Counter
	evictions     prometheus.Counter
	probeFailures prometheus.Counter
}

func newCacheMetrics() *cacheMetrics {
	return &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnscache_hits_total",
			Help: "Gets served from an existing bucket.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnscache_misses_total",
			Help: "Gets that triggered a fresh resolution.",
		}),
		markdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnscache_markdowns_total",
			Help: "IPs removed after a failed connect or probe.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnscache_ttl_evictions_total",
			Help: "IPs evicted for exceeding the idle TTL.",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnscache_probe_failures_total",
			Help: "Background liveness probes that failed.",
		}),
	}
}

// RegisterMetrics adds the cache's collectors to reg.
func (c *Cache) RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		c.metrics.hits,
		c.metrics.misses,
		c.metrics.markdowns,
		c.metrics.evictions,
		c.metrics.probeFailures,
	)
}
