package api

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type Metrics struct {
	commits      *prometheus.CounterVec
	commitDeltas prometheus.Histogram
	debits       *prometheus.CounterVec
	rateLimited  prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsRegistry *Metrics
)

// DefaultMetrics registers the API collectors with the default registry once.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsRegistry = &Metrics{
			commits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "candy_commits_total",
				Help: "Ledger commits received, by outcome.",
			}, []string{"outcome"}),
			commitDeltas: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "candy_commit_delta",
				Help:    "Size of accepted commit deltas.",
				Buckets: prometheus.ExponentialBuckets(1, 10, 10),
			}),
			debits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "candy_debits_total",
				Help: "Upgrade and item purchases, by kind and outcome.",
			}, []string{"kind", "outcome"}),
			rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "candy_commits_rate_limited_total",
				Help: "Commits refused by the per-player rate limit.",
			}),
		}
		prometheus.MustRegister(
			metricsRegistry.commits,
			metricsRegistry.commitDeltas,
			metricsRegistry.debits,
			metricsRegistry.rateLimited,
		)
	})
	return metricsRegistry
}

func (m *Metrics) ObserveCommit(outcome string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCommitDelta(delta decimal.Decimal) {
	if m == nil {
		return
	}
	v, _ := delta.Abs().Float64()
	m.commitDeltas.Observe(v)
}

func (m *Metrics) ObserveDebit(kind, outcome string) {
	if m == nil {
		return
	}
	m.debits.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
