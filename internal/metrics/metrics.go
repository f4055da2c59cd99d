package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"offline-sync-service/internal/cache"
)

var (
	SyncPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_passes_total",
		Help: "Synchronization passes by outcome (completed, failed, skipped).",
	}, []string{"outcome"})

	Delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_sync_delivered_total",
		Help: "Queued mutations delivered to the remote backend.",
	})
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_sync_delivery_failures_total",
		Help: "Delivery attempts rejected by or timed out against the remote backend.",
	})
	CapExceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_sync_cap_exceeded_total",
		Help: "Mutations abandoned after reaching the retry cap.",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_sync_queue_depth",
		Help: "Mutations waiting for delivery.",
	})
	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_sync_online",
		Help: "1 while the process believes it is online.",
	})
	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_sync_pass_duration_seconds",
		Help:    "Wall time of synchronization passes.",
		Buckets: prometheus.DefBuckets,
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SyncPasses,
		Delivered, DeliveryFailures, CapExceeded,
		QueueDepth, Online, PassDuration,
	)
}

// RegisterCache exposes cache counters read from stats at scrape time.
func RegisterCache(reg prometheus.Registerer, stats func() cache.Stats) {
	counter := func(name, help string, v func(cache.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v(stats())) })
	}
	gauge := func(name, help string, v func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return v(stats()) })
	}

	reg.MustRegister(
		counter("offline_cache_hits_total", "Cache lookups served.", func(s cache.Stats) int64 { return s.Hits }),
		counter("offline_cache_misses_total", "Cache lookups that missed.", func(s cache.Stats) int64 { return s.Misses }),
		counter("offline_cache_evictions_total", "Entries evicted for capacity.", func(s cache.Stats) int64 { return s.Evictions }),
		gauge("offline_cache_bytes", "Estimated cache footprint.", func(s cache.Stats) float64 { return float64(s.Size) }),
		gauge("offline_cache_entries", "Entries held.", func(s cache.Stats) float64 { return float64(s.Entries) }),
	)
}
