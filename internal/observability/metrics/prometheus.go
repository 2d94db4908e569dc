// Package metrics provides Prometheus metrics for lookups, the concept cache,
// reconciliation verdicts and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxrecon/internal/batch"
	"github.com/drfirst/go-rxrecon/internal/concept"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrecon/internal/reconcile"
	"github.com/drfirst/go-rxrecon/internal/rxnorm"
	"github.com/drfirst/go-rxrecon/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	Lookups             *prometheus.CounterVec
	LookupDuration      *prometheus.HistogramVec
	LookupRetries       *prometheus.CounterVec
	CacheRequests       *prometheus.CounterVec
	Verdicts            *prometheus.CounterVec
	MismatchFlags       *prometheus.CounterVec
	ExcludedRows        *prometheus.CounterVec
	BatchDuration       prometheus.Histogram
	BatchRows           prometheus.Counter
	MessagesProduced    *prometheus.CounterVec
	MessagesConsumed    *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxnav_lookups_total",
			Help: "RxNav lookups by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		LookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rxnav_lookup_duration_seconds",
			Help:    "RxNav lookup duration including retries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),
		LookupRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxnav_lookup_retries_total",
			Help: "RxNav lookup retries",
		}, []string{"endpoint"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concept_cache_requests_total",
			Help: "Concept cache requests by keyspace and result",
		}, []string{"keyspace", "result"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_verdicts_total",
			Help: "Reconciliation verdicts by status and deciding rule",
		}, []string{"status", "rule"}),
		MismatchFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_flags_total",
			Help: "Raised reconciliation flags",
		}, []string{"flag"}),
		ExcludedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_excluded_rows_total",
			Help: "Rows excluded from scoring",
		}, []string{"reason"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_batch_duration_seconds",
			Help:    "Report run duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		BatchRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_batch_rows_total",
			Help: "Rows submitted in reports",
		}),
		MessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Kafka messages produced by topic",
		}, []string{"topic"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Kafka messages consumed by topic",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.Lookups,
		m.LookupDuration,
		m.LookupRetries,
		m.CacheRequests,
		m.Verdicts,
		m.MismatchFlags,
		m.ExcludedRows,
		m.BatchDuration,
		m.BatchRows,
		m.MessagesProduced,
		m.MessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

var (
	_ rxnorm.Observer       = (*Metrics)(nil)
	_ batch.Observer        = (*Metrics)(nil)
	_ concept.CacheObserver = (*Metrics)(nil)
	_ redpanda.Observer     = (*Metrics)(nil)
)

// ObserveLookup implements rxnorm.Observer
func (m *Metrics) ObserveLookup(endpoint string, outcome rxnorm.Outcome, d time.Duration) {
	m.Lookups.WithLabelValues(endpoint, string(outcome)).Inc()
	m.LookupDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveRetry implements rxnorm.Observer
func (m *Metrics) ObserveRetry(endpoint string) {
	m.LookupRetries.WithLabelValues(endpoint).Inc()
}

// CacheHit implements concept.CacheObserver
func (m *Metrics) CacheHit(keyspace string) {
	m.CacheRequests.WithLabelValues(keyspace, "hit").Inc()
}

// CacheMiss implements concept.CacheObserver
func (m *Metrics) CacheMiss(keyspace string) {
	m.CacheRequests.WithLabelValues(keyspace, "miss").Inc()
}

// ObserveVerdict implements batch.Observer
func (m *Metrics) ObserveVerdict(v reconcile.Verdict) {
	m.Verdicts.WithLabelValues(v.Status.String(), v.Rule).Inc()
	for flag, raised := range map[string]bool{
		"ingredient":       v.IngredientMismatch,
		"strength":         v.StrengthMismatch,
		"dose_form":        v.DoseFormMismatch,
		"identity_differs": v.ComponentsMatchButIdentityDiffers,
	} {
		if raised {
			m.MismatchFlags.WithLabelValues(flag).Inc()
		}
	}
}

// ObserveExclusion implements batch.Observer
func (m *Metrics) ObserveExclusion(reason string) {
	m.ExcludedRows.WithLabelValues(reason).Inc()
}

// ObserveBatch implements batch.Observer
func (m *Metrics) ObserveBatch(result *batch.Result, d time.Duration) {
	m.BatchDuration.Observe(d.Seconds())
	m.BatchRows.Add(float64(result.Total))
}

// ObserveBreakers copies breaker states into CircuitBreakerState
func (m *Metrics) ObserveBreakers(statuses []circuitbreaker.HealthStatus) {
	for _, s := range statuses {
		var v float64
		switch s.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(v)
	}
}

// MessageProduced implements redpanda.Observer
func (m *Metrics) MessageProduced(topic string) {
	m.MessagesProduced.WithLabelValues(topic).Inc()
}

// MessageConsumed implements redpanda.Observer
func (m *Metrics) MessageConsumed(topic string) {
	m.MessagesConsumed.WithLabelValues(topic).Inc()
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics of a specific registry
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
