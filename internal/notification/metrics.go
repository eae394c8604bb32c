package notification

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts events and times their reconciliation.
type Metrics struct {
	Events   *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "civreg_events_total",
			Help: "Registry events by topic and final status",
		}, []string{"topic", "status"}),

		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "civreg_event_processing_duration_seconds",
			Help:    "Time spent reconciling one event, lock wait included",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"family", "status"}),
	}
}

func (m *Metrics) IncEvent(topic, status string) {
	if m != nil {
		m.Events.WithLabelValues(topic, status).Inc()
	}
}

func (m *Metrics) ObserveProcessing(family, status string, start time.Time) {
	if m != nil {
		m.Duration.WithLabelValues(family, status).Observe(time.Since(start).Seconds())
	}
}
