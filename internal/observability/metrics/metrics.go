// Package metrics exposes the Prometheus instruments for webhook ingestion
// and outbound delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	WebhookIngestTotal   *prometheus.CounterVec
	EventsEmittedTotal   *prometheus.CounterVec
	DispatchAttemptTotal *prometheus.CounterVec
	DispatchDuration     *prometheus.HistogramVec
	DeliveriesLeased     prometheus.Gauge
}

// New builds the metric set on a private registry so tests can construct
// multiple instances without duplicate-registration panics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		WebhookIngestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicore_webhook_ingest_total",
			Help: "Inbound gateway webhook results by provider.",
		}, []string{"provider", "result"}),
		EventsEmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicore_events_emitted_total",
			Help: "Domain events accepted by the emitter.",
		}, []string{"type"}),
		DispatchAttemptTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicore_dispatch_attempts_total",
			Help: "Outbound webhook delivery attempts by result.",
		}, []string{"result"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinicore_dispatch_duration_seconds",
			Help:    "Outbound webhook POST duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		DeliveriesLeased: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clinicore_deliveries_leased",
			Help: "Deliveries currently leased by this replica.",
		}),
	}
}

// Handler serves the /metrics endpoint for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
