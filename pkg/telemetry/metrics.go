// Package telemetry exposes the control plane's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter the control plane maintains.
type Metrics struct {
	registry *prometheus.Registry

	// Reload lifecycle.
	ReloadSuccessTotal              prometheus.Counter
	ReloadFailureTotal              prometheus.Counter
	ReloadDuplicateSignalTotal      prometheus.Counter
	ReloadDrainDurationMSTotal      prometheus.Counter
	ReloadDrainDurationSamplesTotal prometheus.Counter

	// Pipeline.
	CommandsTotal *prometheus.CounterVec

	// Outbox.
	OutboxDeliveredTotal  prometheus.Counter
	OutboxRetriesTotal    prometheus.Counter
	OutboxDeadLetterTotal prometheus.Counter
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		ReloadSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mucp_reload_success_total",
			Help: "Reload attempts that completed successfully.",
		}),
		ReloadFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mucp_reload_failure_total",
			Help: "Reload attempts that failed (warmup or drain).",
		}),
		ReloadDuplicateSignalTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mucp_reload_duplicate_signal_total",
			Help: "Reload requests coalesced into an in-flight attempt.",
		}),
		ReloadDrainDurationMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mucp_reload_drain_duration_ms_total",
			Help: "Total milliseconds spent draining prior generations.",
		}),
		ReloadDrainDurationSamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mucp_reload_drain_duration_samples_total",
			Help: "Number of drain duration samples recorded.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mucp_commands_total",
			Help: "Commands reaching a lifecycle state, by state.",
		}, []string{"state"}),
		OutboxDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mucp_outbox_delivered_total",
			Help: "Outbox records delivered.",
		}),
		OutboxRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mucp_outbox_retries_total",
			Help: "Outbox delivery attempts that were retried.",
		}),
		OutboxDeadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mucp_outbox_dead_letter_total",
			Help: "Outbox records dead-lettered.",
		}),
	}

	registry.MustRegister(
		m.ReloadSuccessTotal,
		m.ReloadFailureTotal,
		m.ReloadDuplicateSignalTotal,
		m.ReloadDrainDurationMSTotal,
		m.ReloadDrainDurationSamplesTotal,
		m.CommandsTotal,
		m.OutboxDeliveredTotal,
		m.OutboxRetriesTotal,
		m.OutboxDeadLetterTotal,
	)
	return m
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
