package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ingestionTasks      *prometheus.CounterVec
	dispatches          *prometheus.CounterVec
	oomRetries          prometheus.Counter
	batchSize           prometheus.Histogram
	generationFallbacks *prometheus.CounterVec
	generationDuration  *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingestionTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sirius_ingestion_tasks_total",
			Help: "Ingestion task state transitions.",
		}, []string{"state"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sirius_ingestion_dispatch_total",
			Help: "Ingestion tasks dispatched, by path.",
		}, []string{"mode"}),
		oomRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sirius_embedding_oom_retries_total",
			Help: "Embedding batches split after running out of memory.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sirius_embedding_batch_size",
			Help:    "Size of embedding forward passes.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		generationFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sirius_generation_fallbacks_total",
			Help: "Generation calls replaced by a fallback result.",
		}, []string{"operation", "reason"}),
		generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sirius_generation_duration_seconds",
			Help:    "Duration of model generation calls.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"operation"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestionTasks,
		m.dispatches,
		m.oomRetries,
		m.batchSize,
		m.generationFallbacks,
		m.generationDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IngestionTask(state string) {
	if m == nil {
		return
	}
	m.ingestionTasks.WithLabelValues(state).Inc()
}

func (m *Metrics) Dispatch(mode string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(mode).Inc()
}

func (m *Metrics) EmbeddingOOMRetry() {
	if m == nil {
		return
	}
	m.oomRetries.Inc()
}

func (m *Metrics) EmbeddingBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

// Fallback reasons.
const (
	ReasonUnavailable = "unavailable"
	ReasonTimeout     = "timeout"
	ReasonParse       = "parse"
	ReasonError       = "error"
)

func (m *Metrics) GenerationFallback(operation, reason string) {
	if m == nil {
		return
	}
	m.generationFallbacks.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) ObserveGeneration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.generationDuration.WithLabelValues(operation).Observe(d.Seconds())
}
