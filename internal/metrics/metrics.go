// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "caretaker"

	// Delivery results.
	ResultDelivered    = "delivered"
	ResultRetried      = "retried"
	ResultDeadLettered = "dead_lettered"
	ResultDuplicate    = "duplicate"
)

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	// Job metrics
	JobRunsTotal       *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	JobsRunning        prometheus.Gauge
	JobOverrunsTotal   *prometheus.CounterVec
	JobFailing         *prometheus.GaugeVec

	// Notification metrics
	EventsTotal       *prometheus.CounterVec
	DeliveriesTotal   *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	BreakerState      *prometheus.GaugeVec
	BreakerTripsTotal *prometheus.CounterVec

	// Rotation metrics
	RotationStepsTotal *prometheus.CounterVec
}

// New creates and registers every collector on reg, or on the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initJobMetrics(factory)
	m.initNotifyMetrics(factory)
	m.initRotationMetrics(factory)

	return m
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "job",
			Name:      "runs_total",
			Help:      "Job executions by outcome status",
		},
		[]string{"job", "status"},
	)

	m.JobDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"job"},
	)

	m.JobsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "job",
			Name:      "running",
			Help:      "Number of jobs currently executing",
		},
	)

	m.JobOverrunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "job",
			Name:      "overruns_total",
			Help:      "Slots skipped because the previous run was still executing",
		},
		[]string{"job"},
	)

	m.JobFailing = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "job",
			Name:      "consecutive_failures",
			Help:      "Current failure streak per job",
		},
		[]string{"job"},
	)
}

func (m *Metrics) initNotifyMetrics(factory promauto.Factory) {
	m.EventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Events emitted by severity",
		},
		[]string{"severity"},
	)

	m.DeliveriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Delivery results per channel",
		},
		[]string{"channel", "result"},
	)

	m.QueueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "queue_depth",
			Help:      "Events waiting per channel",
		},
		[]string{"channel"},
	)

	m.BreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per channel (0=closed, 1=open, 2=half-open)",
		},
		[]string{"channel"},
	)

	m.BreakerTripsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "circuit_breaker_trips_total",
			Help:      "Times a channel circuit opened",
		},
		[]string{"channel"},
	)
}

func (m *Metrics) initRotationMetrics(factory promauto.Factory) {
	m.RotationStepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rotation",
			Name:      "steps_total",
			Help:      "Completed rotation steps",
		},
		[]string{"step"},
	)
}

// RecordJobStarted increments the running job count.
func (m *Metrics) RecordJobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Inc()
}

// RecordJobFinished records a completed execution.
func (m *Metrics) RecordJobFinished(job, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDurationSeconds.WithLabelValues(job).Observe(durationSeconds)
}

func (m *Metrics) RecordOverrun(job string) {
	if m == nil {
		return
	}
	m.JobOverrunsTotal.WithLabelValues(job).Inc()
}

func (m *Metrics) SetConsecutiveFailures(job string, n int) {
	if m == nil {
		return
	}
	m.JobFailing.WithLabelValues(job).Set(float64(n))
}

func (m *Metrics) RecordEvent(severity string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) RecordDelivery(channel, result string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) SetQueueDepth(channel string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(channel).Set(float64(depth))
}

// SetBreakerState records a breaker transition; opening counts as a trip.
func (m *Metrics) SetBreakerState(channel string, state int, opened bool) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(channel).Set(float64(state))
	if opened {
		m.BreakerTripsTotal.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) RecordRotationStep(step string) {
	if m == nil {
		return
	}
	m.RotationStepsTotal.WithLabelValues(step).Inc()
}
