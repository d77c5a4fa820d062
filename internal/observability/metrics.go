package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the counters exported by the autorevert service.
type Metrics struct {
	signals     *prometheus.CounterVec
	actions     *prometheus.CounterVec
	evaluations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	signals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorevert_signals_total",
		Help: "Total signals evaluated by outcome.",
	}, []string{"outcome"})
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorevert_actions_total",
		Help: "Total actions by type and result.",
	}, []string{"type", "result"})
	evaluations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorevert_evaluations_total",
		Help: "Total evaluation runs by result.",
	}, []string{"result"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorevert_failures_total",
		Help: "Total failures by type.",
	}, []string{"type"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autorevert_webhook_deliveries_total",
		Help: "Total webhook deliveries by event and result.",
	}, []string{"event", "result"})

	signals = registerCounterVec(registerer, signals)
	actions = registerCounterVec(registerer, actions)
	evaluations = registerCounterVec(registerer, evaluations)
	failures = registerCounterVec(registerer, failures)
	webhooks = registerCounterVec(registerer, webhooks)

	return &Metrics{
		signals:     signals,
		actions:     actions,
		evaluations: evaluations,
		failures:    failures,
		webhooks:    webhooks,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncSignal(outcome string) {
	if m == nil || m.signals == nil {
		return
	}
	m.signals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAction(kind, result string) {
	if m == nil || m.actions == nil {
		return
	}
	m.actions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncEvaluation(result string) {
	if m == nil || m.evaluations == nil {
		return
	}
	m.evaluations.WithLabelValues(result).Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncWebhook(event, result string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(event, result).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
