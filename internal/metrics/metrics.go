package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the conversation core.
// Constructed once at startup and passed into components alongside the
// logger; nothing registers against the default registry.
type Metrics struct {
	registry *prometheus.Registry

	StreamsStarted   prometheus.Counter
	StreamsCompleted prometheus.Counter
	StreamsFailed    prometheus.Counter
	StreamsInFlight  prometheus.Gauge

	EventsAppended *prometheus.CounterVec

	ClassificationOutcomes *prometheus.CounterVec

	UpstreamRetries prometheus.Counter
}

// New creates and registers the core metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		StreamsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_streams_started_total",
			Help: "Streaming sessions started.",
		}),
		StreamsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_streams_completed_total",
			Help: "Streaming sessions that reached the completed state.",
		}),
		StreamsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_streams_failed_total",
			Help: "Streaming sessions that reached the failed state.",
		}),
		StreamsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatcore_streams_in_flight",
			Help: "Upstream stream consumers currently running.",
		}),

		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_events_appended_total",
			Help: "Events appended to the event log, by type.",
		}, []string{"event_type"}),

		ClassificationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_classification_total",
			Help: "Conversation classification attempts, by outcome.",
		}, []string{"outcome"}),

		UpstreamRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_upstream_retries_total",
			Help: "Connect-phase retries against the upstream endpoint.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
