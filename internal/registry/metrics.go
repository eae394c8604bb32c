package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records registry call latency, token refreshes and breaker state.
type Metrics struct {
	CallDuration *prometheus.HistogramVec
	TokenRefresh *prometheus.CounterVec
	BreakerState prometheus.Gauge
}

// NewMetrics registers the registry client metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "civreg_registry_call_duration_seconds",
			Help:    "Duration of registry API calls by operation and outcome",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation", "outcome"}), // outcome: "ok", "rejected", "transport"

		TokenRefresh: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "civreg_registry_token_refresh_total",
			Help: "Token requests sent to the registry login endpoint",
		}, []string{"outcome"}),

		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "civreg_registry_circuit_open",
			Help: "Registry circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) ObserveCall(operation, outcome string, start time.Time) {
	if m != nil {
		m.CallDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) IncTokenRefresh(outcome string) {
	if m != nil {
		m.TokenRefresh.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
		return
	}
	m.BreakerState.Set(0)
}
