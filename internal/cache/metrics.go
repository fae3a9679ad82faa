package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metricSet struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	size   prometheus.Gauge
}

// Registered once per process; tests create many caches.
var (
	metricsOnce  sync.Once
	hitsTotal    *prometheus.CounterVec
	missesTotal  *prometheus.CounterVec
	entriesGauge *prometheus.GaugeVec
)

func metricsFor(name string) *metricSet {
	metricsOnce.Do(func() {
		hitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nfce_cache_hits_total",
			Help: "Cache lookups that returned a live entry",
		}, []string{"cache"})
		missesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nfce_cache_misses_total",
			Help: "Cache lookups that found nothing or an expired entry",
		}, []string{"cache"})
		entriesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfce_cache_entries",
			Help: "Entries currently held by the in-process cache",
		}, []string{"cache"})
	})
	return &metricSet{
		hits:   hitsTotal.WithLabelValues(name),
		misses: missesTotal.WithLabelValues(name),
		size:   entriesGauge.WithLabelValues(name),
	}
}
