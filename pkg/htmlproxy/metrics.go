package htmlproxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the proxy's prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	requests          *prometheus.CounterVec
	fetchErrors       prometheus.Counter
	fetchDuration     prometheus.Histogram
	fragmentsReplaced prometheus.Counter
	fragmentErrors    prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htmlproxy",
			Name:      "requests_total",
			Help:      "Forwarded requests by outcome.",
		}, []string{"outcome"}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htmlproxy",
			Name:      "upstream_errors_total",
			Help:      "Failed origin fetches.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "htmlproxy",
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Origin fetch duration including decoding.",
			Buckets:   prometheus.DefBuckets,
		}),
		fragmentsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htmlproxy",
			Name:      "fragments_replaced_total",
			Help:      "Nodes whose children were replaced by a fragment.",
		}),
		fragmentErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htmlproxy",
			Name:      "fragment_errors_total",
			Help:      "Fragments that could not be read or rendered.",
		}),
	}
	m.Registry.MustRegister(m.requests, m.fetchErrors, m.fetchDuration, m.fragmentsReplaced, m.fragmentErrors)
	return m
}

func (m *Metrics) observeFetch(d time.Duration, err error) {
	m.fetchDuration.Observe(d.Seconds())
	if err != nil {
		m.fetchErrors.Inc()
	}
}

// ObserveRequest counts a finished request under outcome.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRewrite(res Result) {
	if m == nil {
		return
	}
	m.fragmentsReplaced.Add(float64(res.Replaced))
	m.fragmentErrors.Add(float64(len(res.Errors)))
}
