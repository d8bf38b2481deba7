package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ProviderCalls *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	LedgerEntries prometheus.Gauge
	RateLimited   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(global.ProviderCalls, global.CallDuration, global.LedgerEntries, global.RateLimited)
	})
	return global
}

// New builds an unregistered set, for tests and custom registries.
func New() *Metrics {
	return &Metrics{
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gemchat",
			Name:      "provider_calls_total",
			Help:      "Total provider calls by call kind and outcome",
		}, []string{"kind", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gemchat",
			Name:      "provider_call_duration_seconds",
			Help:      "Provider call latency by call kind",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"}),
		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gemchat",
			Name:      "ledger_entries",
			Help:      "Entries currently held by the request ledger",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gemchat",
			Name:      "rate_limited_total",
			Help:      "Provider calls rejected by the client-side rate limiter",
		}),
	}
}
