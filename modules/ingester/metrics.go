package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ingesterMetrics struct {
	ingested        *prometheus.CounterVec
	enqueueFailures prometheus.Counter
	batchSize       prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newIngesterMetrics(reg prometheus.Registerer) *ingesterMetrics {
	factory := promauto.With(reg)

	return &ingesterMetrics{
		ingested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loghaul",
			Name:      "ingester_records_total",
			Help:      "Records admitted to the queue by level.",
		}, []string{"level"}),
		enqueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loghaul",
			Name:      "ingester_enqueue_failures_total",
			Help:      "Submissions rejected because the queue stayed unavailable.",
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loghaul",
			Name:      "ingester_batch_size",
			Help:      "Size of submitted batches.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loghaul",
			Name:      "ingester_cache_lookups_total",
			Help:      "Read path cache lookups by result.",
		}, []string{"result"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loghaul",
			Name:      "ingester_request_duration_seconds",
			Help:      "HTTP handler duration by route.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"route"}),
	}
}
