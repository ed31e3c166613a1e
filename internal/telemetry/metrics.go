package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics — Prometheus метрики ядра.
//
// Nil *Metrics допустим: все методы становятся no-op.
type Metrics struct {
	runsSubmitted *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsInFlight  prometheus.Gauge
	runsQueued    prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
}

// NewMetrics создаёт и регистрирует метрики.
// reg == nil — prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		runsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "runs_submitted_total",
			Help:      "Submitted runs by admission result (dispatched, queued, rejected, invalid).",
		}, []string{"result"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Name:      "runs_in_flight",
			Help:      "Dispatched runs holding a concurrency slot.",
		}),
		runsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Name:      "runs_queued",
			Help:      "Pending runs waiting for a slot.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrun",
			Name:      "step_duration_seconds",
			Help:      "Step duration including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
		stepAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrun",
			Name:      "step_attempts",
			Help:      "Executor invocations per step.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"method", "pattern", "code"}),
	}

	reg.MustRegister(
		m.runsSubmitted,
		m.runsFinished,
		m.runsInFlight,
		m.runsQueued,
		m.stepDuration,
		m.stepAttempts,
		m.httpRequests,
	)
	return m
}

// RunSubmitted учитывает результат Submit.
func (m *Metrics) RunSubmitted(result string) {
	if m == nil {
		return
	}
	m.runsSubmitted.WithLabelValues(result).Inc()
}

// RunFinished учитывает финальный статус run.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

// SetInFlight выставляет число занятых слотов и длину очереди.
func (m *Metrics) SetInFlight(inFlight, queued int) {
	if m == nil {
		return
	}
	m.runsInFlight.Set(float64(inFlight))
	m.runsQueued.Set(float64(queued))
}

// StepCompleted учитывает завершённый шаг.
func (m *Metrics) StepCompleted(kind string, succeeded bool, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	m.stepDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
	m.stepAttempts.WithLabelValues(kind).Observe(float64(attempts))
}

// HTTPRequest учитывает HTTP-запрос.
func (m *Metrics) HTTPRequest(method, pattern, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, pattern, code).Inc()
}
