package refresh

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	assemblies   prometheus.Counter
	memoHits     prometheus.Counter
	failures     *prometheus.CounterVec
	staleDropped prometheus.Counter
	loadDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		assemblies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poolscope",
			Name:      "assemblies_total",
			Help:      "Pool records assembled from fresh inputs.",
		}),
		memoHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poolscope",
			Name:      "memo_hits_total",
			Help:      "Loads that reused the previous record because no input changed.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poolscope",
			Name:      "failures_total",
			Help:      "Failed loads by kind.",
		}, []string{"kind"}),
		staleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poolscope",
			Name:      "stale_results_dropped_total",
			Help:      "Fetch results discarded because a newer load or key superseded them.",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poolscope",
			Name:      "load_duration_seconds",
			Help:      "Duration of a full fetch and assemble cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return m
	}

	m.assemblies = register(reg, m.assemblies).(prometheus.Counter)
	m.memoHits = register(reg, m.memoHits).(prometheus.Counter)
	m.failures = register(reg, m.failures).(*prometheus.CounterVec)
	m.staleDropped = register(reg, m.staleDropped).(prometheus.Counter)
	m.loadDuration = register(reg, m.loadDuration).(prometheus.Histogram)
	return m
}

// register returns the already registered collector when several
// subscriptions share one registry.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}
