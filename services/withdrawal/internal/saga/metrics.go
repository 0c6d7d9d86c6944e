package saga

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SagasTotal        *prometheus.CounterVec
	SagasInFlight     prometheus.Gauge
	StepDuration      *prometheus.HistogramVec
	StepRetries       *prometheus.CounterVec
	Compensations     *prometheus.CounterVec
	ChainCalls        *prometheus.CounterVec
	ChainCallDuration *prometheus.HistogramVec
	LimiterWait       *prometheus.HistogramVec
	SweeperUnlocked   prometheus.Counter
	Notifications     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		SagasTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "withdrawal_sagas_total",
				Help: "Total withdrawal sagas by terminal status.",
			},
			[]string{"status"},
		),
		SagasInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "withdrawal_sagas_in_flight",
				Help: "Withdrawal sagas currently executing in this process.",
			},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "withdrawal_saga_step_duration_seconds",
				Help:    "Saga step duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step", "outcome"},
		),
		StepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "withdrawal_saga_step_retries_total",
				Help: "Total saga step retries.",
			},
			[]string{"step"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "withdrawal_saga_compensations_total",
				Help: "Total saga compensations by outcome.",
			},
			[]string{"outcome"},
		),
		ChainCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "withdrawal_chain_calls_total",
				Help: "Total chain API calls.",
			},
			[]string{"op", "status"},
		),
		ChainCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "withdrawal_chain_call_duration_seconds",
				Help:    "Chain API call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		LimiterWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "withdrawal_rate_limiter_wait_seconds",
				Help:    "Time spent waiting for a rate limiter token.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"limiter"},
		),
		SweeperUnlocked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "withdrawal_sweeper_unlocked_total",
				Help: "Total custodial addresses unlocked by the sweeper.",
			},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "withdrawal_notifications_total",
				Help: "Total outcome notifications by result.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.SagasTotal,
		m.SagasInFlight,
		m.StepDuration,
		m.StepRetries,
		m.Compensations,
		m.ChainCalls,
		m.ChainCallDuration,
		m.LimiterWait,
		m.SweeperUnlocked,
		m.Notifications,
	)
	return m
}

func (m *Metrics) IncSaga(status string) {
	if m == nil {
		return
	}
	m.SagasTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SagaStarted() {
	if m == nil {
		return
	}
	m.SagasInFlight.Inc()
}

func (m *Metrics) SagaFinished() {
	if m == nil {
		return
	}
	m.SagasInFlight.Dec()
}

func (m *Metrics) ObserveStep(step, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step, outcome).Observe(duration.Seconds())
}

func (m *Metrics) IncStepRetry(step string) {
	if m == nil {
		return
	}
	m.StepRetries.WithLabelValues(step).Inc()
}

func (m *Metrics) IncCompensation(outcome string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveChainCall(op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ChainCalls.WithLabelValues(op, status).Inc()
	m.ChainCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) ObserveLimiterWait(name string, wait time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.WithLabelValues(name).Observe(wait.Seconds())
}

func (m *Metrics) AddSweeperUnlocked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweeperUnlocked.Add(float64(n))
}

func (m *Metrics) IncNotification(status string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(status).Inc()
}
