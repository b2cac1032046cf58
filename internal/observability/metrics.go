// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/selivandex/market-etl/pkg/models"
)

const namespace = "etl"

// Metrics holds all Prometheus metrics for the ETL service.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	RunsTotal           *prometheus.CounterVec
	FetchedTotal        *prometheus.CounterVec
	MergedTotal         *prometheus.CounterVec
	NormalizationErrors *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec
	CheckpointCursor    *prometheus.GaugeVec

	// API metrics
	APIRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance registered on its own registry.
// Go runtime and process collectors are included.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := newMetrics(reg)
	m.registry = reg
	return m
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of ingestion runs by outcome",
		}, []string{"source", "status"}),
		FetchedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Total number of raw records fetched from providers",
		}, []string{"source"}),
		MergedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_merged_total",
			Help:      "Total number of candidates merged into canonical assets",
		}, []string{"source"}),
		NormalizationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalization_errors_total",
			Help:      "Total number of raw records skipped by normalization",
		}, []string{"source"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Ingestion run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		CheckpointCursor: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_cursor",
			Help:      "Last committed checkpoint cursor",
		}, []string{"source"}),
		APIRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Read API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// RunFinished counts a run and observes its duration
func (m *Metrics) RunFinished(sourceID string, status models.RunStatus, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(sourceID, string(status)).Inc()
	m.RunDuration.WithLabelValues(sourceID).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordsFetched(sourceID string, n int) {
	m.FetchedTotal.WithLabelValues(sourceID).Add(float64(n))
}

func (m *Metrics) RecordsMerged(sourceID string, n int) {
	m.MergedTotal.WithLabelValues(sourceID).Add(float64(n))
}

func (m *Metrics) RecordsSkipped(sourceID string, n int) {
	m.NormalizationErrors.WithLabelValues(sourceID).Add(float64(n))
}

func (m *Metrics) CursorAdvanced(sourceID string, cursor int64) {
	m.CheckpointCursor.WithLabelValues(sourceID).Set(float64(cursor))
}

// ObserveRequest records API latency for a route
func (m *Metrics) ObserveRequest(route string, elapsed time.Duration) {
	m.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
