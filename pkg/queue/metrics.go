package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

type queueMetrics struct {
	appends      *prometheus.CounterVec
	deadLetters  prometheus.Counter
	streamLength prometheus.Gauge
}

func newQueueMetrics(reg prometheus.Registerer) *queueMetrics {
	factory := promauto.With(reg)

	return &queueMetrics{
		appends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loghaul",
			Name:      "queue_appends_total",
			Help:      "Stream append attempts by outcome.",
		}, []string{"outcome"}),
		deadLetters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loghaul",
			Name:      "queue_dead_letters_total",
			Help:      "Entries quarantined to the dead letter stream.",
		}),
		streamLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loghaul",
			Name:      "queue_stream_length",
			Help:      "Length of the log stream as of the last observation.",
		}),
	}
}
