package jobqueue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	enqueueTotal  *prometheus.CounterVec
	dispatchTotal *prometheus.CounterVec
	deadTotal     *prometheus.CounterVec

	dispatchLatency *prometheus.HistogramVec

	pending      *prometheus.GaugeVec
	locked       *prometheus.GaugeVec
	workerLeader *prometheus.GaugeVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		enqueueTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_queue",
			Name:      "enqueue_total",
			Help:      "Total number of upload jobs enqueued.",
		}, []string{"queue", "topic"}),
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_queue",
			Name:      "dispatch_total",
			Help:      "Total number of upload job deliveries.",
		}, []string{"queue", "topic", "result"}),
		deadTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_queue",
			Name:      "dead_total",
			Help:      "Total number of upload jobs that exhausted their attempts.",
		}, []string{"queue", "topic"}),
		dispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ingest_queue",
			Name:      "dispatch_latency_seconds",
			Help:      "Time spent handling one upload job.",
			Buckets: []float64{
				0.05, 0.1, 0.25, 0.5,
				1, 2.5, 5, 10,
				30, 60, 120, 300, 900,
			},
		}, []string{"queue", "topic", "result"}),
		pending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingest_queue",
			Name:      "pending",
			Help:      "Current number of undelivered upload jobs.",
		}, []string{"queue"}),
		locked: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingest_queue",
			Name:      "locked",
			Help:      "Current number of upload jobs claimed by a worker.",
		}, []string{"queue"}),
		workerLeader: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingest_queue",
			Name:      "worker_leader",
			Help:      "Whether this instance holds the single-active worker lock (1/0).",
		}, []string{"queue"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

func (m *metrics) recordDispatch(queue, topic, result string, seconds float64) {
	m.dispatchTotal.WithLabelValues(queue, topic, result).Inc()
	m.dispatchLatency.WithLabelValues(queue, topic, result).Observe(seconds)
}
