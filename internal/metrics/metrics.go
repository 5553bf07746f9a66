// Package metrics holds the Prometheus collectors for publish cycles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postrelay"

// Cycle results.
const (
	CyclePublished = "published"
	CycleExhausted = "exhausted"
	CycleFailed    = "failed"
)

// Metrics groups every collector the scheduler exports.
type Metrics struct {
	Cycles        *prometheus.CounterVec
	Publishes     *prometheus.CounterVec
	Enrichments   *prometheus.CounterVec
	PoolResets    prometheus.Counter
	RecordsReset  prometheus.Counter
	CycleDuration prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Publish cycles by result",
		}, []string{"result"}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Platform publish attempts",
		}, []string{"platform", "strategy", "result"}),
		Enrichments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_total",
			Help:      "Metadata enrichment attempts",
		}, []string{"result"}),
		PoolResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_resets_total",
			Help:      "Times the posted pool was reset",
		}),
		RecordsReset: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_reset_total",
			Help:      "Records returned to the unposted pool",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of publish cycles in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
}

// Result maps success to the label used by Publishes and Enrichments.
func Result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
