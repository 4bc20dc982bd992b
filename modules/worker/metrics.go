package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomePersisted  = "persisted"
	outcomeDuplicate  = "duplicate"
	outcomeDeadLetter = "dead_letter"
)

type workerMetrics struct {
	processed *prometheus.CounterVec
	batchSize prometheus.Histogram
	retries   prometheus.Counter
	claimed   prometheus.Counter
}

func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	factory := promauto.With(reg)

	return &workerMetrics{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loghaul",
			Name:      "worker_records_total",
			Help:      "Records processed by outcome.",
		}, []string{"outcome"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loghaul",
			Name:      "worker_batch_size",
			Help:      "Entries delivered per group read.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loghaul",
			Name:      "worker_batch_retries_total",
			Help:      "Batch inserts retried after transient store errors.",
		}),
		claimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loghaul",
			Name:      "worker_claimed_entries_total",
			Help:      "Pending entries claimed from idle consumers.",
		}),
	}
}
