// Package metrics provides Prometheus instrumentation for the availz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only availz metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storekit/availz/internal/core"
)

// Metrics holds all Prometheus collectors used by the availz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RuleCacheSize       prometheus.Gauge
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	SchedulesTotal      prometheus.Counter
	BulkTargetsTotal    *prometheus.CounterVec
}

// New creates and registers all availz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "availz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "availz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		RuleCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "availz_rule_cache_size",
			Help: "Number of rules in the in-memory cache.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availz_cache_loads_total",
			Help: "Total number of full cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availz_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "availz_evaluations_total",
			Help: "Total number of availability evaluations.",
		}, []string{"state"}),

		SchedulesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availz_schedules_materialized_total",
			Help: "Total number of state-change schedules written.",
		}),

		BulkTargetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "availz_bulk_targets_total",
			Help: "Total number of bulk operation targets processed.",
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RuleCacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.SchedulesTotal,
		m.BulkTargetsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter for the given state.
func (m *Metrics) RecordEvaluation(state core.State) {
	m.EvaluationsTotal.WithLabelValues(string(state)).Inc()
}

// SetRuleCacheSize updates the rule cache size gauge.
func (m *Metrics) SetRuleCacheSize(size float64) {
	m.RuleCacheSize.Set(size)
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncSchedulesMaterialized increments the materialized schedule counter.
func (m *Metrics) IncSchedulesMaterialized() {
	m.SchedulesTotal.Inc()
}

// RecordBulkTarget counts one processed bulk target by operation and outcome.
func (m *Metrics) RecordBulkTarget(operation, outcome string) {
	m.BulkTargetsTotal.WithLabelValues(operation, outcome).Inc()
}
