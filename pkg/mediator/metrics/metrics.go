// Package metrics holds the Prometheus instrument set for the mediation
// server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	SupervisorEventsDropped prometheus.Counter
	AIAudioDropped          prometheus.Counter

	AnalyticsTasks *prometheus.CounterVec
	SummaryWrites  *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicedesk"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions by terminal status",
		}, []string{"status"}),
		SupervisorEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_events_dropped_total",
			Help:      "Supervisor events dropped on slow outboxes",
		}),
		AIAudioDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_audio_dropped_total",
			Help:      "Outbound AI audio frames dropped on overflow",
		}),
		AnalyticsTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_tasks_total",
			Help:      "Analytics task completions",
		}, []string{"kind", "outcome"}),
		SummaryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_writes_total",
			Help:      "Summary persistence outcomes",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SupervisorEventsDropped,
		m.AIAudioDropped,
		m.AnalyticsTasks,
		m.SummaryWrites,
	)
	return m
}

// Handler serves the registry on /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
