// Package metrics provides Prometheus instrumentation for the gateway.
//
// A single Collector records client admission decisions, upstream call
// outcomes per credential, upstream latency, and deduplication outcomes.
//
//	collector := metrics.NewCollector()
//	collector.Admission(true)
//	collector.Upstream("token_0", metrics.UpstreamOK, elapsed)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Upstream outcome labels.
const (
	UpstreamOK          = "ok"
	UpstreamRateLimited = "rate_limited"
	UpstreamError       = "error"
)

// Collector holds Prometheus metric vectors for the gateway.
type Collector struct {
	admissions *prometheus.CounterVec
	upstream   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	dedup      *prometheus.CounterVec
}

type collectorConfig struct {
	namespace string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for upstream latency.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_admissions_total            counter   (decision)
//   - {namespace}_upstream_requests_total     counter   (token_id, outcome)
//   - {namespace}_upstream_duration_seconds   histogram (token_id)
//   - {namespace}_dedup_total                 counter   (outcome)
//
// Default namespace is "searchgate".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "searchgate",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "admissions_total",
		Help:      "Client rate limit checks partitioned by decision.",
	}, []string{"decision"})

	upstream := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "upstream_requests_total",
		Help:      "Upstream API calls partitioned by credential and outcome.",
	}, []string{"token_id", "outcome"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Name:      "upstream_duration_seconds",
		Help:      "Latency of upstream API calls in seconds.",
		Buckets:   cfg.buckets,
	}, []string{"token_id"})

	dedup := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "dedup_total",
		Help:      "Request coalescing outcomes.",
	}, []string{"outcome"})

	cfg.registry.MustRegister(admissions, upstream, latency, dedup)

	return &Collector{
		admissions: admissions,
		upstream:   upstream,
		latency:    latency,
		dedup:      dedup,
	}
}

// Admission records a client rate limit decision.
func (c *Collector) Admission(allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.admissions.WithLabelValues(decision).Inc()
}

// Upstream records one upstream API call.
func (c *Collector) Upstream(tokenID, outcome string, elapsed time.Duration) {
	c.upstream.WithLabelValues(tokenID, outcome).Inc()
	c.latency.WithLabelValues(tokenID).Observe(elapsed.Seconds())
}

// Dedup records a coalescing outcome. Satisfies the dedup.WithObserver
// callback shape.
func (c *Collector) Dedup(outcome string) {
	c.dedup.WithLabelValues(outcome).Inc()
}
