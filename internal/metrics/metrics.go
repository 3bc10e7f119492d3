// Package metrics exposes gateway counters and histograms in Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inference-gateway/internal/fallback"
	"inference-gateway/internal/models"
	"inference-gateway/internal/usage"
)

const namespace = "gateway"

// Metrics owns a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	attempts           *prometheus.CounterVec
	attemptDuration    *prometheus.HistogramVec
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	timeToFirstChunk   *prometheus.HistogramVec
	tokens             *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec
	continuationWrites *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_seconds",
			Help:      "Time from opening an upstream attempt until it committed or failed.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finalized requests by model, provider and status.",
		}, []string{"model", "provider", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model", "status"}),
		timeToFirstChunk: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_chunk_seconds",
			Help:      "Latency until the first chunk was forwarded.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens by model, provider and kind.",
		}, []string{"model", "provider", "kind"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Requests served by a candidate other than the first.",
		}, []string{"model"}),
		continuationWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuation_writes_total",
			Help:      "Continuation cache writes by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.attempts,
		m.attemptDuration,
		m.requests,
		m.requestDuration,
		m.timeToFirstChunk,
		m.tokens,
		m.fallbacks,
		m.continuationWrites,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AttemptFinished implements fallback.Observer.
func (m *Metrics) AttemptFinished(cand models.Candidate, state fallback.State, _ error, elapsed time.Duration) {
	m.attempts.WithLabelValues(cand.Provider, state.String()).Inc()
	m.attemptDuration.WithLabelValues(cand.Provider).Observe(elapsed.Seconds())
}

// RecordUsage implements usage.Sink.
func (m *Metrics) RecordUsage(_ context.Context, rec usage.Record) {
	status := string(rec.Status)
	m.requests.WithLabelValues(rec.Model, rec.Provider, status).Inc()
	m.requestDuration.WithLabelValues(rec.Model, status).Observe(rec.Latency.Seconds())
	if rec.TimeToFirstChunk > 0 {
		m.timeToFirstChunk.WithLabelValues(rec.Model).Observe(rec.TimeToFirstChunk.Seconds())
	}
	if len(rec.Attempts) > 0 && rec.Status != usage.StatusError {
		m.fallbacks.WithLabelValues(rec.Model).Inc()
	}

	m.addTokens(rec, "prompt", rec.Usage.PromptTokens)
	m.addTokens(rec, "completion", rec.Usage.CompletionTokens)
	m.addTokens(rec, "reasoning", rec.Usage.ReasoningTokens)
	m.addTokens(rec, "cached", rec.Usage.CachedTokens)
}

func (m *Metrics) addTokens(rec usage.Record, kind string, n int) {
	if n <= 0 {
		return
	}
	m.tokens.WithLabelValues(rec.Model, rec.Provider, kind).Add(float64(n))
}

// ContinuationWritten counts a continuation cache write.
func (m *Metrics) ContinuationWritten(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.continuationWrites.WithLabelValues(result).Inc()
}
