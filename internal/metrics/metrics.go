// Package metrics содержит Prometheus-метрики регистратора.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics хранит счётчики онлайн-регистрации и офлайн-сверки.
// Методы безопасно вызывать на nil.
type Metrics struct {
	Submissions      *prometheus.CounterVec
	SubmitDuration   *prometheus.HistogramVec
	Reconciled       *prometheus.CounterVec
	ResyncFailures   prometheus.Counter
	ActiveWorkers    prometheus.Gauge
	DeliveryFailures prometheus.Counter
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ekasa_submissions_total",
			Help: "Total number of submitted fiscal documents by kind and outcome",
		}, []string{"kind", "outcome"}),
		SubmitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ekasa_submit_duration_seconds",
			Help:    "Duration of online registration attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		Reconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ekasa_reconciled_total",
			Help: "Total number of deferred documents resolved by the resync scheduler",
		}, []string{"outcome"}),
		ResyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekasa_resync_failures_total",
			Help: "Total number of failed resync attempts",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ekasa_resync_active_workers",
			Help: "Current number of per-register resync workers",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekasa_delivery_failures_total",
			Help: "Total number of failed print deliveries",
		}),
	}
}

// ObserveSubmit учитывает результат вызова Submit.
func (m *Metrics) ObserveSubmit(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(kind, outcome).Inc()
	m.SubmitDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveReconciled(outcome string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementResyncFailures() {
	if m == nil {
		return
	}
	m.ResyncFailures.Inc()
}

func (m *Metrics) IncrementDeliveryFailures() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
}
