package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordJobFinished(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordJobStarted()
	m.RecordJobStarted()
	m.RecordJobFinished("disk-check", "failure", 0.2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsRunning))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobRunsTotal.WithLabelValues("disk-check", "failure")))
}

func TestBreakerTripsCountOnlyOpenings(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetBreakerState("slack", 1, true)
	m.SetBreakerState("slack", 2, false)
	m.SetBreakerState("slack", 0, false)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.BreakerState.WithLabelValues("slack")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BreakerTripsTotal.WithLabelValues("slack")))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordJobStarted()
		m.RecordJobFinished("x", "success", 1)
		m.RecordOverrun("x")
		m.RecordDelivery("slack", ResultDelivered)
		m.SetBreakerState("slack", 1, true)
		m.RecordRotationStep("renamed")
	})
}
