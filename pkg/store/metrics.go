package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	opDuration *prometheus.HistogramVec
	inserts    *prometheus.CounterVec
	pool       *poolMetrics
}

type poolMetrics struct {
	inUse           prometheus.Gauge
	idle            prometheus.Gauge
	acquireDuration prometheus.Histogram
	exhaustions     prometheus.Counter
	longHeld        *prometheus.GaugeVec
	leaks           prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	factory := promauto.With(reg)

	return &storeMetrics{
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loghaul",
			Name:      "store_operation_duration_seconds",
			Help:      "Duration of store transactions by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"operation"}),
		inserts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loghaul",
			Name:      "store_inserts_total",
			Help:      "Insert results; duplicates are replays skipped by the conflict clause.",
		}, []string{"outcome"}),
		pool: &poolMetrics{
			inUse: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: "loghaul",
				Name:      "store_pool_in_use_sessions",
				Help:      "Sessions currently leased.",
			}),
			idle: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: "loghaul",
				Name:      "store_pool_idle_sessions",
				Help:      "Sessions parked in the pool.",
			}),
			acquireDuration: factory.NewHistogram(prometheus.HistogramOpts{
				Namespace: "loghaul",
				Name:      "store_pool_acquire_duration_seconds",
				Help:      "Time spent waiting for a session lease.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			}),
			exhaustions: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "loghaul",
				Name:      "store_pool_exhaustions_total",
				Help:      "Acquisitions that timed out with no free session.",
			}),
			longHeld: factory.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "loghaul",
				Name:      "store_pool_long_held_sessions",
				Help:      "Sessions held longer than each leak threshold.",
			}, []string{"threshold_seconds"}),
			leaks: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "loghaul",
				Name:      "store_pool_leaked_sessions_total",
				Help:      "Sessions that crossed the largest leak threshold.",
			}),
		},
	}
}
