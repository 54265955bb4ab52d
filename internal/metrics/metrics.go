// Package metrics holds the Prometheus collectors for crawl and signal runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sigcrawl"

// Signal results for Signals
const (
	SignalStored     = "stored"
	SignalSuppressed = "suppressed"
	SignalFailed     = "failed"
)

type Metrics struct {
	AccountsCrawled *prometheus.CounterVec
	PostsCollected  prometheus.Counter
	CrawlStops      *prometheus.CounterVec
	Classifications *prometheus.CounterVec
	LLMRetries      prometheus.Counter
	Signals         *prometheus.CounterVec
	RunDuration     prometheus.Histogram
}

// New registers every collector on reg. Tests pass a fresh
// prometheus.NewRegistry(), as does serve for its /metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AccountsCrawled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accounts_crawled_total",
				Help:      "Accounts crawled, by result",
			},
			[]string{"result"}, // "ok", "failed", "skipped"
		),
		PostsCollected: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "posts_collected_total",
				Help:      "New posts written to the store",
			},
		),
		CrawlStops: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawl_stop_total",
				Help:      "Scroll loop terminations, by reason",
			},
			[]string{"reason"},
		),
		Classifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Per-asset classification attempts",
			},
			[]string{"classifier", "result"},
		),
		LLMRetries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_retries_total",
				Help:      "LLM requests retried after a rate-limit response",
			},
		),
		Signals: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_total",
				Help:      "Detected signals, by persistence result",
			},
			[]string{"result"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of a full pipeline run",
				Buckets:   prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~43m
			},
		),
	}
}

// Discard returns collectors bound to a private registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
