// Package metrics exposes fleet activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/fleet"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
)

const namespace = "botfleet"

var states = []supervisor.State{
	supervisor.StatePending,
	supervisor.StateConnecting,
	supervisor.StateActive,
	supervisor.StateDisconnected,
	supervisor.StateFailed,
	supervisor.StateStopped,
}

type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	operations  *prometheus.CounterVec
	deployments *prometheus.GaugeVec
	webhooks    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Deployment state changes by source and target state.",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Connections that dropped or failed, by reason.",
		}, []string{"reason"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Deploy, stop and redeploy outcomes.",
		}, []string{"operation", "result"}),
		deployments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deployments",
			Help:      "Registered deployments by state.",
		}, []string{"state"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by event and outcome.",
		}, []string{"event", "result"}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.failures,
		m.operations,
		m.deployments,
		m.webhooks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTransition matches fleet.Deps.OnTransition. It runs under the
// supervisor lock so it only touches collectors.
func (m *Metrics) ObserveTransition(id string, from supervisor.State, to supervisor.State, reason supervisor.Reason) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	if reason != supervisor.ReasonNone && (to == supervisor.StateDisconnected || to == supervisor.StateFailed) {
		m.failures.WithLabelValues(string(reason)).Inc()
	}
}

// ObserveResult matches fleet.Deps.OnResult.
func (m *Metrics) ObserveResult(operation string, res fleet.Result) {
	result := "success"
	if !res.Success {
		result = string(res.Reason)
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

// ObserveWebhook matches webhook.Config.OnDelivered.
func (m *Metrics) ObserveWebhook(event string, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.webhooks.WithLabelValues(event, result).Inc()
}

// Reconcile sets the per-state gauge from a fleet snapshot. States missing
// from stats are reset to zero.
func (m *Metrics) Reconcile(stats map[supervisor.State]int) {
	for _, state := range states {
		m.deployments.WithLabelValues(string(state)).Set(float64(stats[state]))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
