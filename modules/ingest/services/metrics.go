package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type pipelineMetrics struct {
	runs     *prometheus.CounterVec
	rows     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var pipelineMetricsSingleton = sync.OnceValue(func() *pipelineMetrics {
	return &pipelineMetrics{
		runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome (loaded, duplicate, overlap_skipped, rejected, error).",
		}, []string{"sheet", "outcome"}),
		rows: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_pipeline",
			Name:      "rows_total",
			Help:      "Rows handled by the pipeline (staged, inserted, rejected).",
		}, []string{"sheet", "kind"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ingest_pipeline",
			Name:      "duration_seconds",
			Help:      "Wall time of one pipeline run.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"sheet", "outcome"}),
	}
})

func (m *pipelineMetrics) record(sheet, outcome string, seconds float64, staged, inserted, rejected int64) {
	m.runs.WithLabelValues(sheet, outcome).Inc()
	m.duration.WithLabelValues(sheet, outcome).Observe(seconds)
	m.rows.WithLabelValues(sheet, "staged").Add(float64(staged))
	m.rows.WithLabelValues(sheet, "inserted").Add(float64(inserted))
	m.rows.WithLabelValues(sheet, "rejected").Add(float64(rejected))
}
