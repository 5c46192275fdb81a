package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRegisterer is the subset of *prometheus.Registry the facade needs.
// Passing a fresh registry per Facade (rather than relying on
// prometheus.DefaultRegisterer, as the teacher's WorkerPoolMetrics does)
// lets tests build more than one Facade without tripping prometheus's
// duplicate-collector panic.
type MetricsRegisterer interface {
	prometheus.Registerer
}

// Metrics are the facade's aggregate counters of spec.md §2.5, promoted from
// the teacher's plain int64 TieredCacheMetrics fields to real Prometheus
// collectors.
type Metrics struct {
	L1Hits        prometheus.Counter
	L1Misses      prometheus.Counter
	L2Hits        prometheus.Counter
	L2Misses      prometheus.Counter
	Misses        prometheus.Counter
	Invalidations prometheus.Counter

	L1EntryCount  prometheus.Gauge
	L1MemoryUsage prometheus.Gauge
	L2EntryCount  prometheus.Gauge
	L2DiskUsage   prometheus.Gauge
}

// NewMetrics builds and registers the facade's metrics against reg. A nil
// reg uses a fresh, unregistered *prometheus.Registry so callers who don't
// care about /metrics exposition (e.g. unit tests) don't need one.
func NewMetrics(reg MetricsRegisterer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		L1Hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratmemcached", Subsystem: "l1", Name: "hits_total",
			Help: "Number of L1 cache hits.",
		}),
		L1Misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratmemcached", Subsystem: "l1", Name: "misses_total",
			Help: "Number of L1 cache misses.",
		}),
		L2Hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratmemcached", Subsystem: "l2", Name: "hits_total",
			Help: "Number of L2 cache hits.",
		}),
		L2Misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratmemcached", Subsystem: "l2", Name: "misses_total",
			Help: "Number of L2 cache misses.",
		}),
		Misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratmemcached", Name: "misses_total",
			Help: "Number of total cache misses (both tiers).",
		}),
		Invalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratmemcached", Name: "invalidations_total",
			Help: "Number of successful deletes.",
		}),
		L1EntryCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratmemcached", Subsystem: "l1", Name: "entry_count",
			Help: "Current number of entries held in L1.",
		}),
		L1MemoryUsage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratmemcached", Subsystem: "l1", Name: "memory_usage_bytes",
			Help: "Current L1 memory usage in bytes.",
		}),
		L2EntryCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratmemcached", Subsystem: "l2", Name: "entry_count",
			Help: "Current number of entries held in L2.",
		}),
		L2DiskUsage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratmemcached", Subsystem: "l2", Name: "disk_usage_bytes",
			Help: "Current L2 on-disk size in bytes.",
		}),
	}
}
