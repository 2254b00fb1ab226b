package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus метрики оркестратора.
//
// Все методы безопасны для nil-получателя: компоненты, созданные без
// метрик (например, в тестах), просто ничего не записывают.
type Metrics struct {
	attemptsTotal   *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	retryDelay      prometheus.Histogram
	outcomesTotal   *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	activeRuns      prometheus.Gauge
}

// NewMetrics регистрирует метрики в reg.
// Для production передаётся prometheus.DefaultRegisterer, в тестах — новый Registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		attemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "berth_activity_attempts_total",
			Help: "Activity attempts by result (succeeded, failed, interrupted, cancelled)",
		}, []string{"result"}),
		attemptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "berth_activity_attempt_duration_seconds",
			Help:    "Duration of a single executor call",
			Buckets: prometheus.DefBuckets,
		}),
		retryDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "berth_activity_retry_delay_seconds",
			Help:    "Backoff delay scheduled before the next attempt",
			Buckets: []float64{0.1, 0.5, 1, 2, 4, 8, 16, 30, 60},
		}),
		outcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "berth_activity_outcomes_total",
			Help: "Terminal activity outcomes by status and error kind",
		}, []string{"status", "kind"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "berth_runs_finished_total",
			Help: "Batch runs that reached a terminal status",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "berth_active_runs",
			Help: "Batch runs currently executing in this process",
		}),
	}
}

// ObserveAttempt записывает завершённую попытку.
func (m *Metrics) ObserveAttempt(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(result).Inc()
	m.attemptDuration.Observe(d.Seconds())
}

// ObserveRetry записывает запланированную задержку.
func (m *Metrics) ObserveRetry(delay time.Duration) {
	if m == nil {
		return
	}
	m.retryDelay.Observe(delay.Seconds())
}

// ObserveOutcome записывает терминальный outcome activity.
func (m *Metrics) ObserveOutcome(status, kind string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(status, kind).Inc()
}

// RunFinished записывает завершение run.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

// SetActiveRuns обновляет число активных runs.
func (m *Metrics) SetActiveRuns(n int) {
	if m == nil {
		return
	}
	m.activeRuns.Set(float64(n))
}
