package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/codegrader/grade"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.GradeCreated("Python (3.12)", true)
	m.GradeCreated("Python (3.12)", false)
	m.GradeCreated("Python (3.12)", false)
	m.GradeRejected("queue_full")
	m.Retry()
	m.Panic()
	m.Callback(true)
	m.Callback(false)

	g := &grade.Grade{Status: grade.StatusAccepted}
	g.Time = grade.Ptr(0.5)
	g.Memory = grade.Ptr(int64(4096))
	m.GradeFinished(g, 2*time.Second)

	var depth float64 = 3
	m.RegisterGauge("queue_depth", "Grades waiting in queue", func() float64 { return depth })

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gradesCreated.WithLabelValues("Python (3.12)", "problem")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gradesCreated.WithLabelValues("Python (3.12)", "plain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gradesRejected.WithLabelValues("queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gradesFinished.WithLabelValues("Accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks.WithLabelValues("failed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["codegrader_queue_depth"])
	assert.True(t, names["codegrader_grade_duration_seconds"])
	assert.True(t, names["codegrader_run_memory_kilobytes"])
}

func TestMetricsWithoutRegistry(t *testing.T) {
	m := New(nil)
	assert.NotPanics(t, func() {
		m.GradeCreated("C", false)
		m.RegisterGauge("x", "y", func() float64 { return 1 })
	})
}
