package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mpractice"

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	turnEvents       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	ingestions       *prometheus.CounterVec
	embeddingBatches *prometheus.CounterVec
	usageEvents      *prometheus.CounterVec
	rerankFailures   *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Stream events emitted per model.",
		}, []string{"model", "event"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a single model answer.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model", "status"}),
		ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Finished document ingestions by final status.",
		}, []string{"status"}),
		embeddingBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_batches_total",
			Help:      "Embedding requests sent to providers.",
		}, []string{"model"}),
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Usage ledger writes by kind and result.",
		}, []string{"kind", "result"}),
		rerankFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_failures_total",
			Help:      "Rerank calls that fell back to similarity order.",
		}, []string{"backend"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job executions.",
		}, []string{"job", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turnEvents, m.turnDuration, m.ingestions, m.embeddingBatches,
		m.usageEvents, m.rerankFailures, m.jobRuns,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TurnEvent(model, event string) {
	if m == nil {
		return
	}
	m.turnEvents.WithLabelValues(model, event).Inc()
}

func (m *Metrics) TurnFinished(model, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.WithLabelValues(model, status).Observe(elapsed.Seconds())
}

func (m *Metrics) IngestionFinished(status string) {
	if m == nil {
		return
	}
	m.ingestions.WithLabelValues(status).Inc()
}

func (m *Metrics) EmbeddingBatch(model string) {
	if m == nil {
		return
	}
	m.embeddingBatches.WithLabelValues(model).Inc()
}

func (m *Metrics) UsageEvent(kind, result string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RerankFailure(backend string) {
	if m == nil {
		return
	}
	m.rerankFailures.WithLabelValues(backend).Inc()
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
}
