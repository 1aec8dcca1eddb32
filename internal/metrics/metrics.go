// Package metrics defines the Prometheus collectors for pipeline runs and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task attempt outcomes
const (
	OutcomeCommitted = "committed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Metrics holds all collectors for one pipeline process. Each instance has
// its own registry so tests and multiple pipelines don't collide.
type Metrics struct {
	registry *prometheus.Registry

	OccurrencesTotal *prometheus.CounterVec
	RecordsEmitted   *prometheus.CounterVec
	TaskAttempts     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	DistinctPhrases  prometheus.Gauge
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OccurrencesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "phraseweight",
				Name:      "occurrences_total",
				Help:      "Occurrences seen by the weight assigner, by result (assigned, rejected).",
			},
			[]string{"result"},
		),
		RecordsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "phraseweight",
				Name:      "records_emitted_total",
				Help:      "Records committed by each stage.",
			},
			[]string{"stage"},
		),
		TaskAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "phraseweight",
				Name:      "task_attempts_total",
				Help:      "Task attempts by stage and outcome (committed, duplicate, failed).",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "phraseweight",
				Name:      "stage_duration_seconds",
				Help:      "Wall time from stage open to seal.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"stage"},
		),
		DistinctPhrases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "phraseweight",
				Name:      "distinct_phrases",
				Help:      "Distinct phrases in the most recent aggregated output.",
			},
		),
	}

	m.registry.MustRegister(
		m.OccurrencesTotal,
		m.RecordsEmitted,
		m.TaskAttempts,
		m.StageDuration,
		m.DistinctPhrases,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus scrape HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
